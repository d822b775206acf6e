package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/config"
	"github.com/rs/zerolog/log"
)

func runCollect(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("collect", stderr)
	profilePath := fs.StringP("config", "c", "", "collect profile (TOML)")
	target := fs.String("url", "", "target URL")
	notaryURL := fs.String("notary-url", "", "notary base URL")
	proxyURL := fs.String("proxy-url", "", "websocket proxy URL")
	method := fs.StringP("method", "X", "", "request method")
	headers := fs.StringArrayP("header", "H", nil, `request header "Name: value"; repeatable, order kept`)
	body := fs.String("body", "", "request body")
	bodyFile := fs.String("body-file", "", "read the request body from a file")
	proof := fs.String("proof", "", "commitment password proof, standard base64")
	key := fs.String("key", "", "consumer public key, standard base64")
	maxSent := fs.Int("max-sent", 0, "sent transcript limit in bytes")
	maxRecv := fs.Int("max-recv", 0, "received transcript limit in bytes")
	delay := fs.Duration("delay", 0, "wait before starting the run")
	timeout := fs.Duration("timeout", defaultCollectTimeout, "bound on the whole run")
	caFile := fs.String("ca-file", "", "PEM roots for the target server")
	full := fs.Bool("full", false, "print the whole outcome, notarization included")
	if err := parseFlags(fs, level, args); err != nil {
		return err
	}

	p := defaultProfile()
	if *profilePath != "" {
		loaded, err := loadProfile(*profilePath)
		if err != nil {
			return err
		}
		p = loaded
	}
	if fs.Changed("url") {
		p.TargetURL = *target
	}
	if fs.Changed("notary-url") {
		p.Options.NotaryURL = *notaryURL
	}
	if fs.Changed("proxy-url") {
		p.Options.WebsocketProxyURL = *proxyURL
	}
	if fs.Changed("method") {
		p.Options.Method = strings.ToUpper(*method)
	}
	if fs.Changed("header") {
		p.Options.Headers = p.Options.Headers[:0:0]
		for _, raw := range *headers {
			h, err := parseHeaderFlag(raw)
			if err != nil {
				return err
			}
			p.Options.Headers = append(p.Options.Headers, h)
		}
	}
	if fs.Changed("body") {
		p.Options.Body = []byte(*body)
	}
	if fs.Changed("body-file") {
		data, err := os.ReadFile(*bodyFile)
		if err != nil {
			return fmt.Errorf("read body file: %w", err)
		}
		p.Options.Body = data
	}
	if fs.Changed("proof") {
		p.CommitmentPwdProofB64 = *proof
	}
	if fs.Changed("key") {
		p.PubKeyConsumerB64 = *key
	}
	if fs.Changed("max-sent") {
		p.Options.MaxSentData = *maxSent
	}
	if fs.Changed("max-recv") {
		p.Options.MaxRecvData = *maxRecv
	}
	if fs.Changed("delay") {
		p.Delay = *delay
	}
	if fs.Changed("timeout") {
		p.Timeout = *timeout
	}
	if fs.Changed("ca-file") {
		p.CAFile = *caFile
	}
	if p.TargetURL == "" {
		return errors.New("collect: a target url is required (--url or target_url)")
	}

	if u, err := url.Parse(p.TargetURL); err == nil && u.Host != "" {
		p.Options = p.Options.WithHostDefaults(u)
	}

	roots, err := config.LoadCertPool(p.CAFile)
	if err != nil {
		return err
	}
	c := collector.New(collector.Config{RootCAs: roots})

	if p.Delay > 0 {
		log.Info().Dur("delay", p.Delay).Msg("collect: waiting before run")
		if err := collector.Sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	out, err := c.Run(ctx, p.TargetURL, p.Options, p.CommitmentPwdProofB64, p.PubKeyConsumerB64)
	if err != nil {
		return err
	}
	if !*full {
		_, err = fmt.Fprintln(stdout, out.ResultJSON)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
