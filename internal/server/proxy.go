package server

import (
	"net/http"
	"time"

	"github.com/danmuck/tdnctl/internal/node"
	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/danmuck/tdnctl/internal/wsproxy"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Proxy serves the websocket proxy at "/" next to health and metrics routes.
type Proxy struct {
	ID      string
	Started time.Time

	handler *wsproxy.Handler
	router  *gin.Engine
}

var _ node.Node = (*Proxy)(nil)

func NewProxy(id string, cfg wsproxy.Config) *Proxy {
	if id == "" {
		id = "tdnctl-proxy"
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))

	p := &Proxy{
		ID:      id,
		Started: time.Now(),
		handler: wsproxy.NewHandler(cfg),
		router:  r,
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(p.Started).String(),
			"service": p.ID,
			"version": Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/", gin.WrapH(p.handler))
	return p
}

func (p *Proxy) NodeID() string {
	return p.ID
}

func (p *Proxy) Kind() string {
	return "wsproxy"
}

func (p *Proxy) HTTPRouter() *gin.Engine {
	return p.router
}
