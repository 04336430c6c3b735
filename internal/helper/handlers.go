// Package helper implements the dlbridge-helper process, which owns native
// libraries on behalf of a bridge client and serves them over IPC.
package helper

import (
	"context"
	"log/slog"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/ipc"
)

// Helper maps IPC messages onto a local bridge.
type Helper struct {
	bridge *api.Local
	log    *slog.Logger
	ctx    context.Context
}

// NewHelper wraps bridge.
func NewHelper(bridge *api.Local, log *slog.Logger) *Helper {
	if log == nil {
		log = slog.Default()
	}
	return &Helper{bridge: bridge, log: log, ctx: context.Background()}
}

// Close unloads every library still open.
func (h *Helper) Close() error {
	return h.bridge.Shutdown()
}

// RegisterHandlers registers every message handler with mux.
func (h *Helper) RegisterHandlers(mux *ipc.Mux) {
	mux.Handle(ipc.MsgLibraryOpen, h.handleLibraryOpen)
	mux.Handle(ipc.MsgLibraryClose, h.handleLibraryClose)
	mux.Handle(ipc.MsgLibraryList, h.handleLibraryList)
	mux.Handle(ipc.MsgCall, h.handleCall)
	mux.Handle(ipc.MsgReadMemory, h.handleReadMemory)
	mux.Handle(ipc.MsgPing, h.handlePing)
}

func protocolError(op string, err error) error {
	return bridgeerr.Wrap(bridgeerr.KindProtocol, op, err)
}

func (h *Helper) handleLibraryOpen(dec *ipc.Decoder) ([]byte, error) {
	path, err := dec.String()
	if err != nil {
		return nil, protocolError("open", err)
	}
	id, err := h.bridge.Open(h.ctx, path)
	if err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Success().Uint32(id).Build(), nil
}

func (h *Helper) handleLibraryClose(dec *ipc.Decoder) ([]byte, error) {
	id, err := dec.Uint32()
	if err != nil {
		return nil, protocolError("close", err)
	}
	if err := h.bridge.Close(h.ctx, id); err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Success().Build(), nil
}

func (h *Helper) handleLibraryList(dec *ipc.Decoder) ([]byte, error) {
	libs, err := h.bridge.Libraries(h.ctx)
	if err != nil {
		return nil, err
	}
	resp := ipc.NewResponseBuilder().Success()
	api.EncodeLibraries(resp.Encoder(), libs)
	return resp.Build(), nil
}

func (h *Helper) handleCall(dec *ipc.Decoder) ([]byte, error) {
	inv, err := api.DecodeInvocation(dec)
	if err != nil {
		return nil, err
	}
	v, err := h.bridge.Invoke(h.ctx, inv)
	if err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Success().Value(v).Build(), nil
}

func (h *Helper) handleReadMemory(dec *ipc.Decoder) ([]byte, error) {
	addr, err := dec.Uint64()
	if err != nil {
		return nil, protocolError("read", err)
	}
	length, err := dec.Int64()
	if err != nil {
		return nil, protocolError("read", err)
	}
	if length > ipc.MaxPayload {
		return nil, bridgeerr.Newf(bridgeerr.KindMarshal, "read", "length %d exceeds the message limit", length)
	}
	b, err := h.bridge.UnsafeReadMemory(h.ctx, uintptr(addr), int(length))
	if err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Success().Bytes(b).Build(), nil
}

func (h *Helper) handlePing(dec *ipc.Decoder) ([]byte, error) {
	return ipc.NewResponseBuilder().Success().Build(), nil
}
