package api

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/ipc"
	"github.com/tinyrange/dlbridge/internal/value"
)

// Remote is a Bridge whose libraries live in a dlbridge-helper process.
// Requests are compiled locally, so every MarshalError is reported without
// a round trip.
type Remote struct {
	c *ipc.Client

	mu     sync.Mutex
	opened map[uint32]struct{}
}

var _ Bridge = (*Remote)(nil)

// SpawnHelper starts a helper process and returns a bridge talking to it.
// helperPath may be empty to search the usual locations.
func SpawnHelper(helperPath string, args ...string) (*Remote, error) {
	c, err := ipc.SpawnHelper(helperPath, args...)
	if err != nil {
		return nil, err
	}
	return newRemote(c), nil
}

// ConnectHelper connects to a helper already serving socketPath.
func ConnectHelper(socketPath string) (*Remote, error) {
	c, err := ipc.ConnectTo(socketPath)
	if err != nil {
		return nil, err
	}
	return newRemote(c), nil
}

func newRemote(c *ipc.Client) *Remote {
	return &Remote{c: c, opened: make(map[uint32]struct{})}
}

// remoteError maps a protocol failure onto the bridge taxonomy.
func remoteError(op string, err error) error {
	var ipcErr *ipc.IPCError
	if errors.As(err, &ipcErr) {
		return ipcErr.BridgeError()
	}
	return bridgeerr.Wrap(bridgeerr.KindProtocol, op, err)
}

func (r *Remote) do(ctx context.Context, op string, msgType uint16, encode func(*ipc.Encoder)) (*ipc.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dec, err := r.c.Do(msgType, encode)
	if err != nil {
		return nil, remoteError(op, err)
	}
	return dec, nil
}

// Open implements Bridge.
func (r *Remote) Open(ctx context.Context, path string) (uint32, error) {
	dec, err := r.do(ctx, "open", ipc.MsgLibraryOpen, func(e *ipc.Encoder) { e.String(path) })
	if err != nil {
		return 0, err
	}
	id, err := dec.Uint32()
	if err != nil {
		return 0, remoteError("open", err)
	}
	r.mu.Lock()
	r.opened[id] = struct{}{}
	r.mu.Unlock()
	return id, nil
}

// Close implements Bridge.
func (r *Remote) Close(ctx context.Context, id uint32) error {
	_, err := r.do(ctx, "close", ipc.MsgLibraryClose, func(e *ipc.Encoder) { e.Uint32(id) })
	if err == nil || bridgeerr.KindOf(err) == bridgeerr.KindInvalidHandle {
		r.mu.Lock()
		delete(r.opened, id)
		r.mu.Unlock()
	}
	return err
}

// Call implements Bridge.
func (r *Remote) Call(ctx context.Context, req CallRequest) (value.Value, error) {
	inv, err := req.Compile()
	if err != nil {
		return value.Value{}, err
	}
	dec, err := r.do(ctx, "call", ipc.MsgCall, func(e *ipc.Encoder) { EncodeInvocation(e, inv) })
	if err != nil {
		return value.Value{}, err
	}
	v, err := dec.Value()
	if err != nil {
		return value.Value{}, remoteError("call", err)
	}
	return v, nil
}

// UnsafeReadMemory implements Bridge. The address is interpreted in the
// helper's address space.
func (r *Remote) UnsafeReadMemory(ctx context.Context, addr uintptr, length int) ([]byte, error) {
	if err := checkRead(addr, length); err != nil {
		return nil, err
	}
	dec, err := r.do(ctx, "read", ipc.MsgReadMemory, func(e *ipc.Encoder) {
		e.Uint64(uint64(addr))
		e.Int64(int64(length))
	})
	if err != nil {
		return nil, err
	}
	b, err := dec.Bytes()
	if err != nil {
		return nil, remoteError("read", err)
	}
	return b, nil
}

// Libraries implements Bridge.
func (r *Remote) Libraries(ctx context.Context) ([]LibraryInfo, error) {
	dec, err := r.do(ctx, "libraries", ipc.MsgLibraryList, nil)
	if err != nil {
		return nil, err
	}
	libs, err := DecodeLibraries(dec)
	if err != nil {
		return nil, remoteError("libraries", err)
	}
	return libs, nil
}

// Ping checks that the helper is responsive.
func (r *Remote) Ping() error {
	return r.c.Ping()
}

// Shutdown closes every handle opened through r, then disconnects. Handles
// opened by other clients of a shared helper stay loaded. A spawned helper
// exits when its connection closes.
func (r *Remote) Shutdown() error {
	r.mu.Lock()
	ids := make([]uint32, 0, len(r.opened))
	for id := range r.opened {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)

	var first error
	for _, id := range ids {
		err := r.Close(context.Background(), id)
		if err != nil && bridgeerr.KindOf(err) != bridgeerr.KindInvalidHandle && first == nil {
			first = err
		}
	}
	if err := r.c.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
