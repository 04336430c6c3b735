package api

import (
	"log/slog"

	"github.com/tinyrange/dlbridge/internal/native"
	"github.com/tinyrange/dlbridge/internal/trace"
)

type options struct {
	log         *slog.Logger
	tracer      *trace.Tracer
	searchPaths []string
	loader      native.Loader
}

// Option configures a local bridge.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTracer records every operation to t.
func WithTracer(t *trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSearchPaths sets directories tried for bare library names.
func WithSearchPaths(dirs ...string) Option {
	return func(o *options) { o.searchPaths = append(o.searchPaths, dirs...) }
}

// WithLoader replaces the platform library loader.
func WithLoader(l native.Loader) Option {
	return func(o *options) { o.loader = l }
}
