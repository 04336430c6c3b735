package registry

import (
	"github.com/tinyrange/dlbridge/internal/bridgeerr"
)

// Target names what to call: a symbol in an open library, or a raw address.
// When HasAddress is set the address wins over Symbol. HandleID 0 means no
// library.
type Target struct {
	HandleID   uint32
	Symbol     string
	Address    uintptr
	HasAddress bool
}

// Callable is a resolved code pointer. If it was resolved through a library
// handle, that handle stays acquired (loaded and call-locked) until Release.
type Callable struct {
	Fn     uintptr
	Handle *Handle
}

// Release gives back the handle, if any. It is safe to call on a nil Callable.
func (c *Callable) Release() {
	if c == nil || c.Handle == nil {
		return
	}
	c.Handle.Release()
	c.Handle = nil
}

// Resolve turns t into a code pointer.
//
// A raw address is trusted verbatim: nothing checks that it points at code,
// and calling a bad one is undefined behaviour in the native layer. If a
// handle id accompanies the address, the handle is still acquired so the
// library cannot be unloaded during the call.
func (r *Registry) Resolve(t Target) (*Callable, error) {
	if !t.HasAddress && t.Symbol == "" {
		return nil, bridgeerr.New(bridgeerr.KindMarshal, "resolve", "request names neither a symbol nor an address")
	}

	if t.HasAddress {
		c := &Callable{Fn: t.Address}
		if t.HandleID != 0 {
			h, err := r.Acquire(t.HandleID)
			if err != nil {
				return nil, err
			}
			c.Handle = h
		}
		return c, nil
	}

	if t.HandleID == 0 {
		return nil, bridgeerr.New(bridgeerr.KindInvalidHandle, "resolve", "symbol lookup requires a handle")
	}
	h, err := r.Acquire(t.HandleID)
	if err != nil {
		return nil, err
	}
	fn, err := h.Symbol(t.Symbol)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &Callable{Fn: fn, Handle: h}, nil
}
