package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/danmuck/tdnctl/internal/notary"
)

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("info", stderr)
	notaryURL := fs.String("notary-url", "", "notary base URL")
	if err := parseFlags(fs, level, args); err != nil {
		return err
	}
	if *notaryURL == "" {
		return errors.New("info: --notary-url is required")
	}

	client, err := notary.NewClient(*notaryURL, notary.DefaultConfig())
	if err != nil {
		return err
	}
	info, err := client.Info(ctx)
	if err != nil {
		return err
	}
	if _, err := info.Ed25519(); err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
