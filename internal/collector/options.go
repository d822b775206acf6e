package collector

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/tdnctl/internal/httpconn"
	"github.com/danmuck/tdnctl/internal/notary"
	"golang.org/x/net/http/httpguts"
)

var ErrInvalidOptions = errors.New("collector: invalid options")

// RequestOptions describes the request to make and where to route it.
// Zero limits mean the notary and prover defaults apply.
type RequestOptions struct {
	NotaryURL         string                 `json:"notary_url"`
	WebsocketProxyURL string                 `json:"websocket_proxy_url"`
	Method            string                 `json:"method,omitempty"`
	Headers           []httpconn.HeaderField `json:"headers,omitempty"`
	Body              []byte                 `json:"-"`
	MaxSentData       int                    `json:"max_sent_data,omitempty"`
	MaxRecvData       int                    `json:"max_recv_data,omitempty"`
}

// DecodeOptions accepts JSON text, a generic map, or RequestOptions itself.
// Keys may be snake_case or camelCase. Headers may be an object, whose member
// order is kept, or a list of [name, value] pairs or {name, value} objects.
func DecodeOptions(v any) (RequestOptions, error) {
	var data []byte
	switch t := v.(type) {
	case RequestOptions:
		return t, nil
	case *RequestOptions:
		if t == nil {
			return RequestOptions{}, fmt.Errorf("%w: nil options", ErrInvalidOptions)
		}
		return *t, nil
	case nil:
		return RequestOptions{}, fmt.Errorf("%w: nil options", ErrInvalidOptions)
	case []byte:
		data = t
	case json.RawMessage:
		data = t
	case string:
		data = []byte(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return RequestOptions{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		data = b
	}
	var opts RequestOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return RequestOptions{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return opts, nil
}

func (o *RequestOptions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out RequestOptions
	for key, val := range raw {
		var err error
		switch normalizeKey(key) {
		case "notaryurl":
			err = decodeString(val, &out.NotaryURL)
		case "websocketproxyurl":
			err = decodeString(val, &out.WebsocketProxyURL)
		case "method":
			err = decodeString(val, &out.Method)
		case "headers":
			out.Headers, err = decodeHeaders(val)
		case "body":
			out.Body, err = decodeBody(val)
		case "maxsentdata":
			out.MaxSentData, err = decodeSize(val)
		case "maxrecvdata":
			out.MaxRecvData, err = decodeSize(val)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*o = out
	return nil
}

func (o RequestOptions) MarshalJSON() ([]byte, error) {
	type plain RequestOptions
	return json.Marshal(struct {
		plain
		Body string `json:"body,omitempty"`
	}{plain: plain(o), Body: string(o.Body)})
}

// WithHostDefaults sets Host to the target authority and asks the server to
// close the connection after replying. Existing values are replaced in place.
func (o RequestOptions) WithHostDefaults(target *url.URL) RequestOptions {
	out := o
	out.Headers = append([]httpconn.HeaderField(nil), o.Headers...)
	out.Headers = setHeader(out.Headers, "Host", target.Host)
	out.Headers = setHeader(out.Headers, "Connection", "close")
	return out
}

func setHeader(fields []httpconn.HeaderField, name, value string) []httpconn.HeaderField {
	out := fields[:0]
	found := false
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			if found {
				continue
			}
			found = true
			f.Value = value
		}
		out = append(out, f)
	}
	if !found {
		out = append(out, httpconn.HeaderField{Name: name, Value: value})
	}
	return out
}

func (o RequestOptions) validate() error {
	if o.MaxSentData < 0 || o.MaxRecvData < 0 {
		return fmt.Errorf("%w: negative transcript limit", ErrInvalidOptions)
	}
	if _, err := notary.ParseEndpoint(o.NotaryURL); err != nil {
		return fmt.Errorf("Could not parse notary_url: %w: %w", ErrInvalidOptions, err)
	}
	proxy, err := url.Parse(o.WebsocketProxyURL)
	if err != nil {
		return fmt.Errorf("Could not parse websocket_proxy_url: %w: %w", ErrInvalidOptions, err)
	}
	if proxy.Scheme != "ws" && proxy.Scheme != "wss" {
		return fmt.Errorf("Could not parse websocket_proxy_url: %w: scheme %q is not ws or wss", ErrInvalidOptions, proxy.Scheme)
	}
	if proxy.Host == "" {
		return fmt.Errorf("Could not parse websocket_proxy_url: %w: missing host", ErrInvalidOptions)
	}
	return nil
}

// withClose returns o with Connection: close unless the request already asks
// for it. The prover only completes once the target ends the TLS session.
func (o RequestOptions) withClose() RequestOptions {
	var values []string
	for _, f := range o.Headers {
		if strings.EqualFold(f.Name, "Connection") {
			values = append(values, f.Value)
		}
	}
	if httpguts.HeaderValuesContainsToken(values, "close") {
		return o
	}
	out := o
	out.Headers = setHeader(append([]httpconn.HeaderField(nil), o.Headers...), "Connection", "close")
	return out
}

// BytesToBase64 encodes b with the standard padded alphabet.
func BytesToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// URLSafeBase64 re-encodes a standard base64 value with the URL-safe alphabet.
func URLSafeBase64(std string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(std)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	return strings.NewReplacer("_", "", "-", "").Replace(key)
}

func isNull(val json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(val), []byte("null"))
}

func decodeString(val json.RawMessage, out *string) error {
	if isNull(val) {
		return nil
	}
	return json.Unmarshal(val, out)
}

func decodeSize(val json.RawMessage) (int, error) {
	if isNull(val) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(val, &n); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n, nil
}

func decodeBody(val json.RawMessage) ([]byte, error) {
	if isNull(val) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}

func decodeHeaders(val json.RawMessage) ([]httpconn.HeaderField, error) {
	trimmed := bytes.TrimSpace(val)
	switch {
	case isNull(trimmed):
		return nil, nil
	case len(trimmed) > 0 && trimmed[0] == '{':
		return decodeHeaderObject(trimmed)
	case len(trimmed) > 0 && trimmed[0] == '[':
		return decodeHeaderList(trimmed)
	default:
		return nil, errors.New("headers must be an object or a list")
	}
}

// decodeHeaderObject walks the object token by token so member order
// survives. A member whose value is a list contributes one field per value.
func decodeHeaderObject(data []byte) ([]httpconn.HeaderField, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var out []httpconn.HeaderField
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			out = append(out, httpconn.HeaderField{Name: name, Value: single})
			continue
		}
		var many []string
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, fmt.Errorf("header %q: value must be a string or list of strings", name)
		}
		for _, v := range many {
			out = append(out, httpconn.HeaderField{Name: name, Value: v})
		}
	}
	return out, nil
}

func decodeHeaderList(data []byte) ([]httpconn.HeaderField, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	out := make([]httpconn.HeaderField, 0, len(items))
	for i, item := range items {
		var pair []string
		if err := json.Unmarshal(item, &pair); err == nil {
			if len(pair) != 2 {
				return nil, fmt.Errorf("header[%d]: pair needs a name and a value", i)
			}
			out = append(out, httpconn.HeaderField{Name: pair[0], Value: pair[1]})
			continue
		}
		var field httpconn.HeaderField
		if err := json.Unmarshal(item, &field); err != nil {
			return nil, fmt.Errorf("header[%d]: %v", i, err)
		}
		out = append(out, field)
	}
	return out, nil
}
