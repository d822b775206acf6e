// tdnctl collects notarized HTTP responses, serves collection over HTTP, and
// runs the websocket proxy a prover uses to reach its target.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/tdnctl/internal/logging"
	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

func commands() []command {
	return []command{
		{name: "collect", summary: "run one notarized collection and print the capture", run: runCollect},
		{name: "serve", summary: "serve collections over HTTP", run: runServe},
		{name: "proxy", summary: "run the websocket to TCP proxy", run: runProxy},
		{name: "info", summary: "print the notary description and public key", run: runInfo},
		{name: "b64", summary: "print a file (or stdin) as standard base64", run: runBase64},
		{name: "template", summary: "write or validate a config template", run: runTemplate},
	}
}

func main() {
	observability.InitLogger("tdnctl")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "tdnctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}
	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], stdout, stderr)
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tdnctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.summary)
	}
}

// newFlagSet returns a flag set with the flags every command shares.
func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("tdnctl "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	level := fs.String("log-level", "", "log level: trace|debug|info|warn|error|off")
	return fs, level
}

// parseFlags parses args and applies --log-level.
func parseFlags(fs *pflag.FlagSet, level *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return err
	}
	if *level != "" {
		lvl, ok := logging.ParseLevel(*level)
		if !ok {
			return fmt.Errorf("unknown log level %q", *level)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	return nil
}
