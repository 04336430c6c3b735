package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/dlbridge/internal/helper"
)

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bf := addBridgeFlags(fs)
	socket := fs.String("socket", "", "Unix socket path to listen on (default: config socket)")
	once := fs.Bool("once", false, "exit after the first client disconnects")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), "USAGE:\n  dlbridge serve [flags] [library...]\n\nFLAGS:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bf.load()
	if err != nil {
		return err
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if cfg.Socket == "" {
		return fmt.Errorf("-socket is required when the config sets none")
	}
	cfg.Preload = append(cfg.Preload, fs.Args()...)

	return helper.Run(ctx, helper.Options{
		Config:    cfg,
		Many:      !*once,
		LogOutput: os.Stderr,
		Ready: func(path string) {
			fmt.Fprintf(os.Stderr, "listening on %s\n", path)
		},
	})
}
