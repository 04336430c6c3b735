package helper

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/config"
	"github.com/tinyrange/dlbridge/internal/ipc"
	"github.com/tinyrange/dlbridge/internal/trace"
)

// Options controls a helper run.
type Options struct {
	Config config.Config
	// Many keeps accepting connections instead of exiting after the first
	// client disconnects.
	Many bool
	// Ready, if set, is called once the socket is listening.
	Ready func(socketPath string)
	// LogOutput receives log records. The default is os.Stderr.
	LogOutput io.Writer
}

// Run serves the bridge on cfg.Socket until the client disconnects, ctx is
// cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if cfg.Socket == "" {
		return errors.New("no socket path configured")
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log, err := cfg.NewLogger(out)
	if err != nil {
		return err
	}

	bridgeOpts := []api.Option{
		api.WithLogger(log),
		api.WithSearchPaths(cfg.SearchPaths...),
	}
	if cfg.Trace != "" {
		tracer, err := trace.OpenFile(cfg.Trace)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer tracer.Close()
		bridgeOpts = append(bridgeOpts, api.WithTracer(tracer))
	}
	bridge := api.New(bridgeOpts...)

	helper := NewHelper(bridge, log)
	defer func() {
		if err := helper.Close(); err != nil {
			log.Warn("shutdown failed", "error", err)
		}
	}()

	for _, path := range cfg.Preload {
		id, err := bridge.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("preload %s: %w", path, err)
		}
		log.Debug("preloaded library", "path", path, "handle", id)
	}

	mux := ipc.NewMux()
	helper.RegisterHandlers(mux)

	server, err := ipc.NewServer(cfg.Socket, mux.Handler(), log)
	if err != nil {
		return err
	}
	defer server.Close()

	sigCh := make(chan os.Signal, 1)
	signalNotify(sigCh)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("signal received", "signal", sig)
		case <-ctx.Done():
		case <-done:
			return
		}
		server.Close()
	}()

	if opts.Ready != nil {
		opts.Ready(server.SocketPath())
	}
	log.Info("helper listening", "socket", server.SocketPath())
	if opts.Many {
		return server.Serve()
	}
	return server.ServeOne()
}

// Main runs the dlbridge-helper process.
func Main() {
	socketPath := flag.String("socket", "", "Unix socket path to listen on")
	configPath := flag.String("config", "", "config file (default: per-user config)")
	tracePath := flag.String("trace", "", "write a binary call trace to this file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	many := flag.Bool("many", false, "keep serving after the first client disconnects")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ipc.HelperName, err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Socket = *socketPath
	}
	if *tracePath != "" {
		cfg.Trace = *tracePath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if cfg.Socket == "" {
		fmt.Fprintf(os.Stderr, "%s: -socket is required\n", ipc.HelperName)
		os.Exit(1)
	}
	cfg.Preload = append(cfg.Preload, flag.Args()...)

	if err := Run(context.Background(), Options{Config: cfg, Many: *many}); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ipc.HelperName, err)
		os.Exit(1)
	}
}
