package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/httpconn"
)

const defaultCollectTimeout = 2 * time.Minute

// collectProfile is everything one `tdnctl collect` run needs.
type collectProfile struct {
	TargetURL             string
	CommitmentPwdProofB64 string
	PubKeyConsumerB64     string
	Options               collector.RequestOptions
	Delay                 time.Duration
	Timeout               time.Duration
	CAFile                string
}

type profileFile struct {
	TargetURL             string             `toml:"target_url"`
	CommitmentPwdProofB64 string             `toml:"commitment_pwd_proof_base64"`
	PubKeyConsumerB64     string             `toml:"pub_key_consumer_base64"`
	Delay                 string             `toml:"delay"`
	Timeout               string             `toml:"timeout"`
	CAFile                string             `toml:"ca_file"`
	Options               profileOptionsFile `toml:"options"`
}

type profileOptionsFile struct {
	NotaryURL         string                 `toml:"notary_url"`
	WebsocketProxyURL string                 `toml:"websocket_proxy_url"`
	Method            string                 `toml:"method"`
	Headers           []httpconn.HeaderField `toml:"headers"`
	Body              string                 `toml:"body"`
	BodyFile          string                 `toml:"body_file"`
	MaxSentData       int                    `toml:"max_sent_data"`
	MaxRecvData       int                    `toml:"max_recv_data"`
}

func defaultProfile() collectProfile {
	return collectProfile{
		Timeout: defaultCollectTimeout,
		Options: collector.RequestOptions{Method: "GET"},
	}
}

// loadProfile decodes path over the defaults. Relative ca_file and body_file
// paths resolve against the profile's directory.
func loadProfile(path string) (collectProfile, error) {
	cfg := defaultProfile()

	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return collectProfile{}, fmt.Errorf("load collect profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return collectProfile{}, fmt.Errorf("load collect profile: unknown key %q", undecoded[0].String())
	}
	dir := filepath.Dir(path)

	if meta.IsDefined("target_url") {
		cfg.TargetURL = strings.TrimSpace(raw.TargetURL)
	}
	if meta.IsDefined("commitment_pwd_proof_base64") {
		cfg.CommitmentPwdProofB64 = strings.TrimSpace(raw.CommitmentPwdProofB64)
	}
	if meta.IsDefined("pub_key_consumer_base64") {
		cfg.PubKeyConsumerB64 = strings.TrimSpace(raw.PubKeyConsumerB64)
	}
	if meta.IsDefined("delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Delay))
		if err != nil {
			return collectProfile{}, fmt.Errorf("parse delay: %w", err)
		}
		cfg.Delay = d
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return collectProfile{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = resolvePath(dir, raw.CAFile)
	}

	opts := raw.Options
	if meta.IsDefined("options", "notary_url") {
		cfg.Options.NotaryURL = strings.TrimSpace(opts.NotaryURL)
	}
	if meta.IsDefined("options", "websocket_proxy_url") {
		cfg.Options.WebsocketProxyURL = strings.TrimSpace(opts.WebsocketProxyURL)
	}
	if meta.IsDefined("options", "method") {
		cfg.Options.Method = strings.ToUpper(strings.TrimSpace(opts.Method))
	}
	if meta.IsDefined("options", "headers") {
		cfg.Options.Headers = opts.Headers
	}
	if meta.IsDefined("options", "body") {
		cfg.Options.Body = []byte(opts.Body)
	}
	if meta.IsDefined("options", "body_file") {
		body, err := os.ReadFile(resolvePath(dir, opts.BodyFile))
		if err != nil {
			return collectProfile{}, fmt.Errorf("read body_file: %w", err)
		}
		cfg.Options.Body = body
	}
	if meta.IsDefined("options", "max_sent_data") {
		cfg.Options.MaxSentData = opts.MaxSentData
	}
	if meta.IsDefined("options", "max_recv_data") {
		cfg.Options.MaxRecvData = opts.MaxRecvData
	}
	if len(cfg.Options.Body) == 0 {
		cfg.Options.Body = nil
	}
	return cfg, nil
}

func resolvePath(dir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// parseHeaderFlag reads "Name: value" as given to --header.
func parseHeaderFlag(raw string) (httpconn.HeaderField, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return httpconn.HeaderField{}, fmt.Errorf("header %q must look like \"Name: value\"", raw)
	}
	return httpconn.HeaderField{Name: name, Value: strings.TrimSpace(value)}, nil
}
