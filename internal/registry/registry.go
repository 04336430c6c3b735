// Package registry tracks the native libraries opened by a bridge and turns
// (library, symbol) pairs or raw addresses into callable code pointers.
//
// Locking: the handle table is split into shards, each with its own RWMutex,
// so opening or closing one library never blocks lookups of another. Each
// Handle additionally carries a call lock held from Acquire to Release, which
// serializes all use of one library while different libraries run in
// parallel.
package registry

import (
	"cmp"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/native"
)

const numShards = 16

type shard struct {
	mu      sync.RWMutex
	handles map[uint32]*Handle
}

// Handle is one open native library.
type Handle struct {
	id     uint32
	path   string
	lib    uintptr
	loader native.Loader

	// mu is the call lock. It also guards symbols.
	mu      sync.Mutex
	symbols map[string]uintptr

	// inflight counts references taken by Acquire and not yet released.
	// Close waits for it to drain before unloading the library.
	inflight sync.WaitGroup
	refs     atomic.Int32
}

// ID returns the handle's identifier.
func (h *Handle) ID() uint32 { return h.id }

// Path returns the path the library was opened from.
func (h *Handle) Path() string { return h.path }

// Info describes an open library.
type Info struct {
	ID       uint32
	Path     string
	InFlight int
}

// Registry owns every library handle opened through it.
type Registry struct {
	loader      native.Loader
	searchPaths []string
	log         *slog.Logger

	shards [numShards]shard
	nextID atomic.Uint32
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader replaces the platform loader.
func WithLoader(l native.Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// WithSearchPaths sets directories tried, in order, for bare library names.
func WithSearchPaths(dirs ...string) Option {
	return func(r *Registry) { r.searchPaths = append(r.searchPaths, dirs...) }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		loader: native.System,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	for i := range r.shards {
		r.shards[i].handles = make(map[uint32]*Handle)
	}
	return r
}

func (r *Registry) shard(id uint32) *shard {
	return &r.shards[id%numShards]
}

// resolvePath maps a bare library name onto the first search directory that
// contains it. Anything else is passed to the platform loader verbatim.
func (r *Registry) resolvePath(path string) string {
	if strings.ContainsRune(path, filepath.Separator) || strings.ContainsRune(path, '/') {
		return path
	}
	for _, dir := range r.searchPaths {
		candidate := filepath.Join(dir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

// Open loads the library at path and returns a fresh handle id. Ids start
// at 1 and are never reused by the same registry.
func (r *Registry) Open(path string) (uint32, error) {
	if path == "" {
		return 0, bridgeerr.New(bridgeerr.KindLibraryLoad, "open", "empty library path")
	}
	resolved := r.resolvePath(path)
	lib, err := r.loader.Open(resolved)
	if err != nil {
		r.log.Warn("library open failed", "path", resolved, "error", err)
		return 0, bridgeerr.Wrap(bridgeerr.KindLibraryLoad, "open", err)
	}

	h := &Handle{
		id:      r.nextID.Add(1),
		path:    resolved,
		lib:     lib,
		loader:  r.loader,
		symbols: make(map[string]uintptr),
	}
	s := r.shard(h.id)
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	r.log.Info("library opened", "handle", h.id, "path", resolved)
	return h.id, nil
}

// Acquire takes a reference on the handle and its call lock. The caller must
// call Release exactly once.
func (r *Registry) Acquire(id uint32) (*Handle, error) {
	s := r.shard(id)
	s.mu.RLock()
	h, ok := s.handles[id]
	if ok {
		h.inflight.Add(1)
		h.refs.Add(1)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.KindInvalidHandle, "acquire", "handle %d is not open", id)
	}
	h.mu.Lock()
	return h, nil
}

// Release drops the call lock and the reference taken by Acquire.
func (h *Handle) Release() {
	h.mu.Unlock()
	h.refs.Add(-1)
	h.inflight.Done()
}

// Symbol looks up name in the library. The handle must be acquired.
func (h *Handle) Symbol(name string) (uintptr, error) {
	if p, ok := h.symbols[name]; ok {
		return p, nil
	}
	p, err := h.loader.Symbol(h.lib, name)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindSymbolNotFound, "resolve", err)
	}
	if p == 0 {
		return 0, bridgeerr.Newf(bridgeerr.KindSymbolNotFound, "resolve", "symbol %q resolved to null", name)
	}
	h.symbols[name] = p
	return p, nil
}

func (r *Registry) remove(id uint32) *Handle {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil
	}
	delete(s.handles, id)
	return h
}

// Close unpublishes the handle, waits for in-flight users to release it and
// then unloads the library. Closing an unknown or already closed id fails
// with InvalidHandle.
func (r *Registry) Close(id uint32) error {
	h := r.remove(id)
	if h == nil {
		return bridgeerr.Newf(bridgeerr.KindInvalidHandle, "close", "handle %d is not open", id)
	}
	if n := h.refs.Load(); n > 0 {
		r.log.Debug("waiting for in-flight calls", "handle", id, "count", n)
	}
	h.inflight.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	err := r.loader.Close(h.lib)
	h.lib = 0
	h.symbols = nil
	if err != nil {
		r.log.Warn("library close failed", "handle", id, "path", h.path, "error", err)
		return bridgeerr.Wrap(bridgeerr.KindLibraryLoad, "close", err)
	}
	r.log.Info("library closed", "handle", id, "path", h.path)
	return nil
}

// Libraries returns a snapshot of the open handles ordered by id.
func (r *Registry) Libraries() []Info {
	var out []Info
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, h := range s.handles {
			out = append(out, Info{ID: h.id, Path: h.path, InFlight: int(h.refs.Load())})
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Shutdown closes every open handle and returns the first error.
func (r *Registry) Shutdown() error {
	var first error
	for _, info := range r.Libraries() {
		if err := r.Close(info.ID); err != nil && first == nil && bridgeerr.KindOf(err) != bridgeerr.KindInvalidHandle {
			first = err
		}
	}
	return first
}
