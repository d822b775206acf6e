package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/danmuck/tdnctl/internal/auth"
	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/notary"
	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/danmuck/tdnctl/internal/prover"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type collectRequest struct {
	URL                      string          `json:"url"`
	Options                  json.RawMessage `json:"options"`
	CommitmentPwdProofBase64 string          `json:"commitmentPwdProofBase64"`
	PubKeyConsumerBase64     string          `json:"pubKeyConsumerBase64"`
}

type collectResponse struct {
	RunID        string             `json:"runId"`
	SessionID    string             `json:"sessionId"`
	Result       json.RawMessage    `json:"result"`
	Notarization prover.SignedProof `json:"notarization"`
	Duration     string             `json:"duration"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.runner != nil
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	v1 := s.router.Group("/v1", auth.Middleware(s.cfg.Auth))
	v1.POST("/collect", s.handleCollect)
	v1.POST("/base64", s.handleBase64)
}

func (s *Server) handleCollect(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "collector not configured"})
		return
	}
	var req collectRequest
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, s.cfg.MaxUploadBytes)).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	raw := req.Options
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	opts, err := collector.DecodeOptions(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts = s.withDefaults(opts)
	if target, err := url.Parse(req.URL); err == nil && target.Host != "" {
		opts = opts.WithHostDefaults(target)
	}

	if !s.slots.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many collections in flight"})
		return
	}
	defer s.slots.Release(1)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RunTimeout)
	defer cancel()
	out, err := s.runner.Run(ctx, req.URL, opts, req.CommitmentPwdProofBase64, req.PubKeyConsumerBase64)
	if err != nil {
		status, body := collectError(err)
		_ = c.Error(err)
		c.JSON(status, body)
		return
	}

	log.Info().
		Str("request_id", observability.RequestIDFrom(c)).
		Str("run_id", out.RunID).
		Str("session_id", out.Session.ID).
		Msg("collection served")
	c.JSON(http.StatusOK, collectResponse{
		RunID:        out.RunID,
		SessionID:    out.Session.ID,
		Result:       json.RawMessage(out.ResultJSON),
		Notarization: out.Notarization,
		Duration:     out.Duration.String(),
	})
}

func (s *Server) withDefaults(opts collector.RequestOptions) collector.RequestOptions {
	d := s.cfg.Defaults
	if opts.NotaryURL == "" {
		opts.NotaryURL = d.NotaryURL
	}
	if opts.WebsocketProxyURL == "" {
		opts.WebsocketProxyURL = d.WebsocketProxyURL
	}
	if opts.Method == "" {
		opts.Method = d.Method
	}
	if opts.MaxSentData == 0 {
		opts.MaxSentData = d.MaxSentData
	}
	if opts.MaxRecvData == 0 {
		opts.MaxRecvData = d.MaxRecvData
	}
	return opts
}

// collectError maps a failed run onto a response. Input problems are the
// caller's fault; everything else failed at the notary, the proxy or the
// target.
func collectError(err error) (int, gin.H) {
	body := gin.H{"error": err.Error()}
	var statusErr *collector.StatusError
	switch {
	case errors.Is(err, collector.ErrInvalidTarget),
		errors.Is(err, collector.ErrInvalidProof),
		errors.Is(err, collector.ErrInvalidOptions),
		errors.Is(err, notary.ErrInvalidURL):
		return http.StatusBadRequest, body
	case errors.As(err, &statusErr):
		body["targetStatus"] = statusErr.Code
		return http.StatusBadGateway, body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	default:
		return http.StatusBadGateway, body
	}
}

func (s *Server) handleBase64(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"base64": collector.BytesToBase64(data),
		"bytes":  len(data),
	})
}
