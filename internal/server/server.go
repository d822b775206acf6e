// Package server exposes collection runs over HTTP.
package server

import (
	"context"
	"time"

	"github.com/danmuck/tdnctl/internal/auth"
	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/node"
	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	Version = "0.1.0"

	DefaultRunTimeout     = 2 * time.Minute
	DefaultMaxConcurrent  = 4
	DefaultMaxUploadBytes = 32 << 20
)

// Runner performs one collection. *collector.Collector satisfies it.
type Runner interface {
	Run(ctx context.Context, targetURL string, opts collector.RequestOptions, commitmentPwdProofB64, pubKeyConsumerB64 string) (collector.Outcome, error)
}

type Config struct {
	Name        string
	CorsOrigins []string
	// Auth guards the /v1 routes; nil leaves them open.
	Auth auth.Validator
	// Defaults fills the routing and limit fields a request leaves empty.
	Defaults       collector.RequestOptions
	RunTimeout     time.Duration
	MaxConcurrent  int64
	MaxUploadBytes int64
}

type Server struct {
	ID      string
	Started time.Time

	cfg    Config
	runner Runner
	slots  *semaphore.Weighted
	router *gin.Engine
}

var _ node.Node = (*Server)(nil)

func New(cfg Config, runner Runner) *Server {
	if cfg.Name == "" {
		cfg.Name = "tdnctl"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CorsOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.HeaderRequestID},
		ExposeHeaders: []string{observability.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:      cfg.Name,
		Started: time.Now(),
		cfg:     cfg,
		runner:  runner,
		slots:   semaphore.NewWeighted(cfg.MaxConcurrent),
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "collector"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Run serves on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	return node.ListenAndServe(ctx, s, addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
