package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/value"
)

// Response is the JSON answer to one operation. Exactly one of the result
// fields is set on success; Error and Message are set on failure.
type Response struct {
	ID        json.RawMessage `json:"id,omitempty"`
	HandleID  uint32          `json:"handleId,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Result    *value.Value    `json:"result,omitempty"`
	Bytes     *value.Value    `json:"bytes,omitempty"`
	Libraries []LibraryInfo   `json:"libraries,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Err returns the failure carried by r, or nil.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return bridgeerr.New(bridgeerr.ParseKind(r.Error), "", r.Message)
}

func errorResponse(err error) Response {
	kind := bridgeerr.KindOf(err)
	msg := err.Error()
	var e *bridgeerr.Error
	if errors.As(err, &e) {
		msg = e.Message()
	}
	return Response{Error: kind.String(), Message: msg}
}

// Envelope is one line of the newline-delimited JSON protocol.
type Envelope struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Router maps JSON operations onto a Bridge.
//
//	open        {path}                 -> {handleId}
//	close       {handleId}             -> {ok}
//	call        CallRequest            -> {result}
//	readMemory  {address, length}      -> {bytes}
//	libraries   {}                     -> {libraries}
type Router struct {
	b Bridge
}

// NewRouter returns a router serving b.
func NewRouter(b Bridge) *Router {
	return &Router{b: b}
}

// decodeStrict decodes payload into v, rejecting unknown fields. Numbers
// are kept as json.Number so 64-bit integers survive.
func decodeStrict(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if bridgeerr.KindOf(err) != bridgeerr.KindUnknown {
			return err
		}
		return bridgeerr.Wrap(bridgeerr.KindProtocol, "decode", err)
	}
	if dec.More() {
		return bridgeerr.New(bridgeerr.KindProtocol, "decode", "trailing data after request")
	}
	return nil
}

// Handle runs one operation.
func (r *Router) Handle(ctx context.Context, op string, payload []byte) Response {
	switch op {
	case "open":
		var req OpenRequest
		if err := decodeStrict(payload, &req); err != nil {
			return errorResponse(err)
		}
		id, err := r.b.Open(ctx, req.Path)
		if err != nil {
			return errorResponse(err)
		}
		return Response{HandleID: id}
	case "close":
		var req CloseRequest
		if err := decodeStrict(payload, &req); err != nil {
			return errorResponse(err)
		}
		if err := r.b.Close(ctx, req.HandleID); err != nil {
			return errorResponse(err)
		}
		return Response{OK: true}
	case "call":
		var req CallRequest
		if err := decodeStrict(payload, &req); err != nil {
			return errorResponse(err)
		}
		v, err := r.b.Call(ctx, req)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Result: &v}
	case "readMemory":
		var req ReadRequest
		if err := decodeStrict(payload, &req); err != nil {
			return errorResponse(err)
		}
		b, err := r.b.UnsafeReadMemory(ctx, uintptr(req.Address), req.Length)
		if err != nil {
			return errorResponse(err)
		}
		v := value.Buffer(b)
		return Response{Bytes: &v}
	case "libraries":
		libs, err := r.b.Libraries(ctx)
		if err != nil {
			return errorResponse(err)
		}
		if libs == nil {
			libs = []LibraryInfo{}
		}
		return Response{OK: true, Libraries: libs}
	}
	return errorResponse(bridgeerr.Newf(bridgeerr.KindProtocol, "route", "unknown op %q", op))
}

// HandleLine decodes one envelope, runs it and echoes its id.
func (r *Router) HandleLine(ctx context.Context, line []byte) Response {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return errorResponse(bridgeerr.Wrap(bridgeerr.KindProtocol, "decode", fmt.Errorf("malformed envelope: %w", err)))
	}
	resp := r.Handle(ctx, env.Op, env.Args)
	resp.ID = env.ID
	return resp
}
