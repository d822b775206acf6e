package main

import (
	"context"
	"io"

	"github.com/danmuck/tdnctl/internal/auth"
	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/config"
	"github.com/danmuck/tdnctl/internal/node"
	"github.com/danmuck/tdnctl/internal/server"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("serve", stderr)
	path := fs.StringP("config", "c", "", "service config (TOML)")
	addr := fs.String("addr", "", "listen address, overrides addr")
	withProxy := fs.Bool("with-proxy", false, "also run the websocket proxy on proxy.listen")
	if err := parseFlags(fs, level, args); err != nil {
		return err
	}

	cfg := config.DefaultServiceConfig()
	if *path != "" {
		loaded, err := config.LoadServiceConfig(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if fs.Changed("addr") {
		cfg.Addr = *addr
	}

	collectorCfg, err := cfg.CollectorConfig()
	if err != nil {
		return err
	}
	var validator auth.Validator
	if len(cfg.AuthTokens) > 0 {
		validator = auth.Tokens(cfg.AuthTokens)
	}
	svc := server.New(server.Config{
		Name:        cfg.Name,
		CorsOrigins: cfg.CorsOrigins,
		Auth:        validator,
		Defaults: collector.RequestOptions{
			NotaryURL:         cfg.Notary.URL,
			WebsocketProxyURL: cfg.Proxy.URL,
			MaxSentData:       cfg.Collector.MaxSentData,
			MaxRecvData:       cfg.Collector.MaxRecvData,
		},
	}, collector.New(collectorCfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx, cfg.Addr) })
	if *withProxy {
		proxy := server.NewProxy(cfg.Name+"-proxy", cfg.ProxyHandlerConfig())
		g.Go(func() error { return node.ListenAndServe(gctx, proxy, cfg.Proxy.Listen) })
	}
	return g.Wait()
}
