package httpconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrInvalidMethod          = errors.New("httpconn: invalid method")
	ErrInvalidURL             = errors.New("httpconn: invalid url")
	ErrInvalidHeader          = errors.New("httpconn: invalid header")
	ErrContentLengthMismatch  = errors.New("httpconn: content-length does not match body")
	ErrTransferEncodingRefuse = errors.New("httpconn: transfer-encoding is not supported")
)

// HeaderField is one header line. Order and duplicates are preserved on the wire.
type HeaderField struct {
	Name  string `json:"name" toml:"name"`
	Value string `json:"value" toml:"value"`
}

// Request is a single HTTP/1.1 request with an ordered header list.
type Request struct {
	Method string
	URL    *url.URL
	Header []HeaderField
	Body   []byte
}

func NewRequest(method, rawURL string, header []HeaderField, body []byte) (*Request, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		method = "GET"
	}
	if strings.IndexFunc(method, func(r rune) bool { return !httpguts.IsTokenRune(r) }) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	fields := make([]HeaderField, len(header))
	copy(fields, header)
	for i, f := range fields {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return nil, fmt.Errorf("%w: header[%d] name %q", ErrInvalidHeader, i, f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, fmt.Errorf("%w: header[%d] value for %q", ErrInvalidHeader, i, f.Name)
		}
	}

	req := &Request{
		Method: method,
		URL:    u,
		Header: fields,
	}
	if len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	if err := req.checkFraming(); err != nil {
		return nil, err
	}
	return req, nil
}

// Values returns every value of name in send order.
func (r *Request) Values(name string) []string {
	var out []string
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (r *Request) has(name string) bool {
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// WantsClose reports whether the request asked the server to close after replying.
func (r *Request) WantsClose() bool {
	return httpguts.HeaderValuesContainsToken(r.Values("Connection"), "close")
}

func (r *Request) checkFraming() error {
	if r.has("Transfer-Encoding") {
		return ErrTransferEncodingRefuse
	}
	for _, v := range r.Values("Content-Length") {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n != len(r.Body) {
			return fmt.Errorf("%w: header=%q body=%d", ErrContentLengthMismatch, v, len(r.Body))
		}
	}
	return nil
}

// Body-bearing methods get an explicit zero length so servers do not wait for one.
func requiresLength(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// Write serializes r in HTTP/1.1 wire form.
func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI()); err != nil {
		return err
	}
	if !r.has("Host") {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", r.URL.Host); err != nil {
			return err
		}
	}
	for _, f := range r.Header {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	if !r.has("Content-Length") && (len(r.Body) > 0 || requiresLength(r.Method)) {
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", len(r.Body)); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(r.Body) > 0 {
		if _, err := bw.Write(r.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}
