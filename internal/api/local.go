package api

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/tinyrange/dlbridge/internal/dispatch"
	"github.com/tinyrange/dlbridge/internal/marshal"
	"github.com/tinyrange/dlbridge/internal/native"
	"github.com/tinyrange/dlbridge/internal/registry"
	"github.com/tinyrange/dlbridge/internal/trace"
	"github.com/tinyrange/dlbridge/internal/value"
)

// Local is a Bridge calling into libraries loaded by this process.
type Local struct {
	reg    *registry.Registry
	log    *slog.Logger
	tracer *trace.Tracer
}

var _ Bridge = (*Local)(nil)

// New creates a local bridge with an empty registry.
func New(opts ...Option) *Local {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	regOpts := []registry.Option{
		registry.WithLogger(o.log),
		registry.WithSearchPaths(o.searchPaths...),
	}
	if o.loader != nil {
		regOpts = append(regOpts, registry.WithLoader(o.loader))
	}
	return &Local{
		reg:    registry.New(regOpts...),
		log:    o.log,
		tracer: o.tracer,
	}
}

func (l *Local) fail(source string, start time.Time, err error) error {
	l.tracer.Record(trace.KindError, source, start, []byte(err.Error()))
	return err
}

// Open implements Bridge.
func (l *Local) Open(ctx context.Context, path string) (uint32, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := l.reg.Open(path)
	if err != nil {
		return 0, l.fail("open", start, err)
	}
	l.tracer.Recordf(trace.KindOpen, path, start, "handle=%d", id)
	return id, nil
}

// Close implements Bridge.
func (l *Local) Close(ctx context.Context, id uint32) error {
	start := time.Now()
	if err := l.reg.Close(id); err != nil {
		return l.fail("close", start, err)
	}
	l.tracer.Recordf(trace.KindClose, "close", start, "handle=%d", id)
	return nil
}

// Call implements Bridge.
func (l *Local) Call(ctx context.Context, req CallRequest) (value.Value, error) {
	return l.CallWith(ctx, req, nil)
}

// CallWith is Call with an inspection hook. inspect runs after the native
// call returns and before the argument buffers are released, so it may read
// what the callee wrote into them with UnsafeReadMemory.
func (l *Local) CallWith(ctx context.Context, req CallRequest, inspect func([]ScratchBuffer)) (value.Value, error) {
	start := time.Now()
	inv, err := req.Compile()
	if err != nil {
		return value.Value{}, l.fail("call", start, err)
	}
	return l.InvokeWith(ctx, inv, inspect)
}

// Invoke performs a compiled call.
func (l *Local) Invoke(ctx context.Context, inv Invocation) (value.Value, error) {
	return l.InvokeWith(ctx, inv, nil)
}

// InvokeWith performs a compiled call with an inspection hook; see CallWith.
func (l *Local) InvokeWith(ctx context.Context, inv Invocation, inspect func([]ScratchBuffer)) (value.Value, error) {
	start := time.Now()
	source := inv.Target()

	if err := inv.Return.Validate(); err != nil {
		return value.Value{}, l.fail(source, start, err)
	}
	if err := ctx.Err(); err != nil {
		return value.Value{}, err
	}

	c, err := l.reg.Resolve(registry.Target{
		HandleID:   inv.HandleID,
		Symbol:     inv.Symbol,
		Address:    inv.Address,
		HasAddress: inv.HasAddress,
	})
	if err != nil {
		return value.Value{}, l.fail(source, start, err)
	}
	defer c.Release()

	arena := native.NewArena()
	defer func() {
		if err := arena.Release(); err != nil {
			l.log.Warn("arena release failed", "target", source, "error", err)
		}
	}()

	args, err := marshal.Build(inv.Args, arena)
	if err != nil {
		return value.Value{}, l.fail(source, start, err)
	}

	l.log.Debug("call", "target", source, "handle", inv.HandleID, "args", len(inv.Args), "return", inv.Return.Tag)
	result, err := dispatch.Dispatch(c.Fn, args, inv.Return)
	if inspect != nil {
		bufs := make([]ScratchBuffer, len(args.Scratch))
		for i, s := range args.Scratch {
			bufs[i] = ScratchBuffer{Param: s.Index, Address: s.Addr, Length: s.Len}
		}
		inspect(bufs)
	}
	if err != nil {
		l.log.Warn("call failed", "target", source, "error", err)
		return value.Value{}, l.fail(source, start, err)
	}
	l.tracer.Record(trace.KindCall, source, start, []byte(result.String()))
	return result, nil
}

// UnsafeReadMemory implements Bridge.
func (l *Local) UnsafeReadMemory(ctx context.Context, addr uintptr, length int) ([]byte, error) {
	start := time.Now()
	if err := checkRead(addr, length); err != nil {
		return nil, l.fail("read", start, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	b := native.Read(addr, length)
	l.tracer.Record(trace.KindRead, value.FormatAddress(addr), start, []byte(strconv.Itoa(length)))
	return b, nil
}

// Libraries implements Bridge.
func (l *Local) Libraries(ctx context.Context) ([]LibraryInfo, error) {
	infos := l.reg.Libraries()
	out := make([]LibraryInfo, len(infos))
	for i, info := range infos {
		out[i] = LibraryInfo{HandleID: info.ID, Path: info.Path, InFlight: info.InFlight}
	}
	return out, nil
}

// Shutdown implements Bridge.
func (l *Local) Shutdown() error {
	return l.reg.Shutdown()
}

// HandleJSON routes one JSON operation to l.
func (l *Local) HandleJSON(ctx context.Context, op string, payload []byte) Response {
	return NewRouter(l).Handle(ctx, op, payload)
}
