// dlbridge calls functions in native shared libraries from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/config"
	"github.com/tinyrange/dlbridge/internal/trace"
)

// Version is set at build time.
var Version = "dev"

const usage = `dlbridge - call native library functions from data

USAGE:
  dlbridge <command> [flags] [args...]

COMMANDS:
  call    Call one function and print the result
  read    Call a function returning a pointer and dump memory behind it
  repl    Serve newline-delimited JSON requests on stdin
  serve   Run a helper listening on a Unix socket
  trace   Inspect a binary call trace
  version Print the version

Run "dlbridge <command> -h" for the flags of a command.

EXAMPLES:
  dlbridge call -ret i32 ./libmath.so add i32:2 i32:3
  dlbridge call -ret str -borrow libc.so.6 getenv str:HOME
  dlbridge call -jq .result -ret u64 libc.so.6 strlen str:hello
  echo '{"id":1,"op":"open","args":{"path":"libc.so.6"}}' | dlbridge repl
  dlbridge serve -socket /tmp/dlbridge.sock
  dlbridge trace -kind call -tail calls.trace
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dlbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("command required")
	}
	ctx := context.Background()
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "call":
		return runCall(ctx, rest, os.Stdout)
	case "read":
		return runRead(ctx, rest, os.Stdout)
	case "repl":
		return runRepl(ctx, rest, os.Stdin, os.Stdout)
	case "serve":
		return runServe(ctx, rest)
	case "trace":
		return runTrace(rest, os.Stdout)
	case "version":
		fmt.Fprintln(os.Stdout, Version)
		return nil
	case "help", "-h", "-help", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

// bridgeFlags are shared by every command that talks to a bridge.
type bridgeFlags struct {
	config   *string
	remote   *bool
	helper   *string
	logLevel *string
	trace    *string
}

func addBridgeFlags(fs *flag.FlagSet) *bridgeFlags {
	return &bridgeFlags{
		config:   fs.String("config", "", "config file (default: per-user config)"),
		remote:   fs.Bool("remote", false, "run native calls in a dlbridge-helper process"),
		helper:   fs.String("helper", "", "path to dlbridge-helper (implies -remote)"),
		logLevel: fs.String("log-level", "", "log level (debug, info, warn, error)"),
		trace:    fs.String("trace", "", "write a binary call trace to this file"),
	}
}

func (f *bridgeFlags) load() (config.Config, error) {
	cfg, err := config.Load(*f.config)
	if err != nil {
		return config.Config{}, err
	}
	if *f.logLevel != "" {
		cfg.Log.Level = *f.logLevel
	}
	if *f.trace != "" {
		cfg.Trace = *f.trace
	}
	if *f.helper != "" {
		cfg.HelperPath = *f.helper
	}
	return cfg, cfg.Validate()
}

// open builds the bridge selected by the flags. The returned cleanup shuts
// it down.
func (f *bridgeFlags) open(logOut io.Writer) (api.Bridge, func(), error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, err
	}

	if *f.remote || *f.helper != "" {
		var args []string
		if cfg.Trace != "" {
			args = append(args, "-trace", cfg.Trace)
		}
		if *f.logLevel != "" {
			args = append(args, "-log-level", *f.logLevel)
		}
		if *f.config != "" {
			args = append(args, "-config", *f.config)
		}
		r, err := api.SpawnHelper(cfg.HelperPath, args...)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Shutdown() }, nil
	}

	log, err := cfg.NewLogger(logOut)
	if err != nil {
		return nil, nil, err
	}
	opts := []api.Option{
		api.WithLogger(log),
		api.WithSearchPaths(cfg.SearchPaths...),
	}
	var tracer *trace.Tracer
	if cfg.Trace != "" {
		tracer, err = trace.OpenFile(cfg.Trace)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace: %w", err)
		}
		opts = append(opts, api.WithTracer(tracer))
	}
	b := api.New(opts...)
	for _, path := range cfg.Preload {
		if _, err := b.Open(context.Background(), path); err != nil {
			b.Shutdown()
			tracer.Close()
			return nil, nil, fmt.Errorf("preload %s: %w", path, err)
		}
	}
	return b, func() {
		if err := b.Shutdown(); err != nil {
			log.Warn("shutdown failed", "error", err)
		}
		tracer.Close()
	}, nil
}
