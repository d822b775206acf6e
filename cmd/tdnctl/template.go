package main

import (
	"context"
	"fmt"
	"io"

	"github.com/danmuck/tdnctl/internal/config"
)

func runTemplate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, level := newFlagSet("template", stderr)
	kind := fs.String("kind", "service", "config kind: service|profile")
	output := fs.StringP("output", "o", "", "write the template here instead of stdout")
	validate := fs.String("validate", "", "validate an existing config of --kind instead")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := parseFlags(fs, level, args); err != nil {
		return err
	}

	if *validate != "" {
		var err error
		switch *kind {
		case "service":
			_, err = config.LoadServiceConfig(*validate)
		case "profile":
			_, err = loadProfile(*validate)
		default:
			err = fmt.Errorf("unknown config kind: %s", *kind)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "validated %s config at %s\n", *kind, *validate)
		return err
	}

	if *output == "" {
		text, err := config.Template(*kind)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, text)
		return err
	}
	return config.WriteTemplate(*output, *kind, *force)
}
