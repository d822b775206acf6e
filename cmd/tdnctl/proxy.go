package main

import (
	"context"
	"io"

	"github.com/danmuck/tdnctl/internal/config"
	"github.com/danmuck/tdnctl/internal/node"
	"github.com/danmuck/tdnctl/internal/server"
)

func runProxy(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("proxy", stderr)
	path := fs.StringP("config", "c", "", "service config (TOML); its [proxy] table is used")
	listen := fs.String("listen", "", "listen address")
	upstream := fs.String("upstream", "", "forward every session to this host:port")
	allow := fs.StringSlice("allow", nil, `targets clients may name with ?token=; "*" allows any`)
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
	if fs.Changed("listen") {
		cfg.Proxy.Listen = *listen
	}
	if fs.Changed("upstream") {
		cfg.Proxy.Upstream = *upstream
	}
	if fs.Changed("allow") {
		cfg.Proxy.Allow = *allow
	}
	proxy := server.NewProxy(cfg.Name+"-proxy", cfg.ProxyHandlerConfig())
	return node.ListenAndServe(ctx, proxy, cfg.Proxy.Listen)
}
