// Package wsproxy forwards websocket streams to TCP endpoints.
//
// A prover reaches the target server through this proxy: every binary message
// from the websocket is written to the TCP connection and every TCP read is
// sent back as a binary message.
package wsproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/danmuck/tdnctl/internal/wsconn"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort        = "443"
	DefaultDialTimeout = 10 * time.Second
	targetParam        = "token"
)

var (
	ErrMissingTarget    = errors.New("wsproxy: missing target")
	ErrTargetNotAllowed = errors.New("wsproxy: target not allowed")
)

type Config struct {
	// Upstream, when set, is the only target and the query is ignored.
	Upstream string
	// Allow lists host:port targets a client may name with ?token=.
	// A lone "*" allows any target.
	Allow       []string
	DialTimeout time.Duration
}

type Handler struct {
	cfg    Config
	dialer net.Dialer
	allow  map[string]bool
	any    bool
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(cfg Config) *Handler {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	h := &Handler{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		allow:  make(map[string]bool, len(cfg.Allow)),
	}
	for _, target := range cfg.Allow {
		target = strings.TrimSpace(target)
		if target == "*" {
			h.any = true
			continue
		}
		if target != "" {
			h.allow[withPort(target)] = true
		}
	}
	return h
}

// Target returns the TCP address r asks for, after the allowlist check.
func (h *Handler) Target(r *http.Request) (string, error) {
	if h.cfg.Upstream != "" {
		return withPort(h.cfg.Upstream), nil
	}
	raw := strings.TrimSpace(r.URL.Query().Get(targetParam))
	if raw == "" {
		return "", ErrMissingTarget
	}
	target := withPort(raw)
	if !h.any && !h.allow[target] {
		return "", ErrTargetNotAllowed
	}
	return target, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := h.Target(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrTargetNotAllowed) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		observability.RecordProxySession(false)
		return
	}

	upstream, err := h.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("wsproxy: dial upstream failed")
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		observability.RecordProxySession(false)
		return
	}

	client, err := wsconn.Upgrade(w, r)
	if err != nil {
		_ = upstream.Close()
		log.Warn().Err(err).Str("target", target).Msg("wsproxy: upgrade failed")
		observability.RecordProxySession(false)
		return
	}

	// The request context ends with the hijack, so the bridge runs detached.
	stats, err := Bridge(context.Background(), client, upstream)
	observability.RecordProxyBytes(observability.DirectionUpstream, stats.Upstream)
	observability.RecordProxyBytes(observability.DirectionDownstream, stats.Downstream)
	observability.RecordProxySession(err == nil)
	event := log.Debug()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("target", target).
		Int64("upstream_bytes", stats.Upstream).
		Int64("downstream_bytes", stats.Downstream).
		Msg("wsproxy: session closed")
}

type Stats struct {
	Upstream   int64
	Downstream int64
}

// Bridge copies between client and upstream until either side finishes or
// ctx ends. Both connections are closed on return.
func Bridge(ctx context.Context, client, upstream net.Conn) (Stats, error) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var stats Stats
	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(upstream, client)
		stats.Upstream = n
		closeBoth()
		return unexpected(err)
	})
	g.Go(func() error {
		n, err := io.Copy(client, upstream)
		stats.Downstream = n
		closeBoth()
		return unexpected(err)
	})
	err := g.Wait()
	closeBoth()
	return stats, err
}

func unexpected(err error) error {
	if err == nil || isExpectedClose(err) {
		return nil
	}
	return err
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

func withPort(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(strings.Trim(target, "[]"), DefaultPort)
}
