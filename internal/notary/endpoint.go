package notary

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("notary: invalid notary url")

// Endpoint is a parsed notary base URL. Later hops reuse its security:
// https and wss notaries are reached over https and wss.
type Endpoint struct {
	Secure bool
	Host   string
	Path   string
}

func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		secure = true
	case "http", "ws":
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return Endpoint{
		Secure: secure,
		Host:   u.Host,
		Path:   strings.TrimSuffix(u.EscapedPath(), "/"),
	}, nil
}

func (e Endpoint) HTTPURL(route string) string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return scheme + "://" + e.Host + e.Path + route
}

func (e Endpoint) WebsocketURL(route string) string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return scheme + "://" + e.Host + e.Path + route
}

// CollectURL is the websocket the prover uses to reach the notary for
// sessionID. Both proof values must already be URL-safe base64.
func (e Endpoint) CollectURL(sessionID, commitmentPwdProofB64, pubKeyConsumerB64 string) string {
	var b strings.Builder
	b.WriteString(e.WebsocketURL("/tdn-collect"))
	b.WriteString("?sessionId=")
	b.WriteString(url.QueryEscape(sessionID))
	b.WriteString("&commitmentPwdProofBase64=")
	b.WriteString(url.QueryEscape(commitmentPwdProofB64))
	b.WriteString("&pubKeyConsumerBase64=")
	b.WriteString(url.QueryEscape(pubKeyConsumerB64))
	return b.String()
}
