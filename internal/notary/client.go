// Package notary talks to the notary's HTTP API: session creation and the
// notary description.
package notary

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const ClientTypeWebsocket = "Websocket"

var (
	ErrMissingSessionID = errors.New("notary: response has no session id")
	ErrMissingPublicKey = errors.New("notary: response has no public key")
	ErrStatus           = errors.New("notary: unexpected status")
)

// Limits are the optional transcript limits announced at session creation.
// Zero values are omitted.
type Limits struct {
	MaxSentData int
	MaxRecvData int
}

type sessionRequest struct {
	ClientType  string `json:"client_type"`
	MaxSentData *int   `json:"max_sent_data,omitempty"`
	MaxRecvData *int   `json:"max_recv_data,omitempty"`
}

type sessionResponse struct {
	SessionID      string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`
}

type Info struct {
	Version   string `json:"version"`
	PublicKey string `json:"publicKey"`
}

// Ed25519 decodes PublicKey as a hex encoded ed25519 key.
func (i Info) Ed25519() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(i.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("notary: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("notary: public key has %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

type Client struct {
	endpoint Endpoint
	cfg      Config
	http     *http.Client
}

func NewClient(rawURL string, cfg Config) (*Client, error) {
	endpoint, err := ParseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.HandshakeTimeout,
	}
	return &Client{
		endpoint: endpoint,
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
	}, nil
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) Config() Config {
	return c.cfg
}

// CreateSession asks the notary for a new websocket session.
func (c *Client) CreateSession(ctx context.Context, limits Limits) (string, error) {
	req := sessionRequest{ClientType: ClientTypeWebsocket}
	if limits.MaxSentData > 0 {
		req.MaxSentData = &limits.MaxSentData
	}
	if limits.MaxRecvData > 0 {
		req.MaxRecvData = &limits.MaxRecvData
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("notary: encode session request: %w", err)
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/session", body, &resp); err != nil {
		return "", fmt.Errorf("notary: create session: %w", err)
	}
	id := resp.SessionID
	if id == "" {
		id = resp.SessionIDCamel
	}
	if id == "" {
		return "", ErrMissingSessionID
	}
	log.Debug().Str("notary", c.endpoint.Host).Str("session_id", id).Msg("notary: session created")
	return id, nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return Info{}, fmt.Errorf("notary: info: %w", err)
	}
	if strings.TrimSpace(info.PublicKey) == "" {
		return Info{}, ErrMissingPublicKey
	}
	return info, nil
}

// CollectURL is the prover websocket for sessionID on this notary.
func (c *Client) CollectURL(sessionID, commitmentPwdProofB64, pubKeyConsumerB64 string) string {
	return c.endpoint.CollectURL(sessionID, commitmentPwdProofB64, pubKeyConsumerB64)
}

func (c *Client) do(ctx context.Context, method, route string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.HTTPURL(route), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
