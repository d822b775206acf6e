package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/tdnctl/internal/collector"
)

func runBase64(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("b64", stderr)
	urlSafe := fs.Bool("url", false, "print the URL-safe alphabet instead")
	if err := parseFlags(fs, level, args); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch fs.NArg() {
	case 0:
		data, err = io.ReadAll(os.Stdin)
	case 1:
		data, err = os.ReadFile(fs.Arg(0))
	default:
		return fmt.Errorf("b64: expected at most one file, got %d", fs.NArg())
	}
	if err != nil {
		return err
	}

	out := collector.BytesToBase64(data)
	if *urlSafe {
		if out, err = collector.URLSafeBase64(out); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}
