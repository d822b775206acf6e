// Package node runs the HTTP processes tdnctl exposes: the collection
// service and the websocket proxy.
package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// ListenAndServe binds addr and serves n until ctx is canceled.
func ListenAndServe(ctx context.Context, n Node, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, n, ln)
}

// Serve serves n on ln. Canceling ctx drains in-flight requests for up to
// DefaultShutdownTimeout.
func Serve(ctx context.Context, n Node, ln net.Listener) error {
	srv := &http.Server{
		Handler:           n.HTTPRouter(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	logger := log.With().Str("node", n.NodeID()).Str("kind", n.Kind()).Logger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("node listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logger.Info().Err(err).Msg("node stopped")
		return err
	})
	return g.Wait()
}
