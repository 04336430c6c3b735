package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/trace"
)

// stubLoader opens any path ending in ".so" and knows no symbols.
type stubLoader struct {
	next uintptr
}

func (s *stubLoader) Open(path string) (uintptr, error) {
	if !strings.HasSuffix(path, ".so") {
		return 0, errors.New(path + ": cannot open shared object file")
	}
	s.next += 0x1000
	return s.next, nil
}

func (s *stubLoader) Symbol(lib uintptr, name string) (uintptr, error) {
	return 0, errors.New("undefined symbol: " + name)
}

func (s *stubLoader) Close(lib uintptr) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStubBridge(opts ...Option) *Local {
	opts = append([]Option{WithLoader(&stubLoader{}), WithLogger(quietLogger())}, opts...)
	return New(opts...)
}

func TestRouterLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := &trace.Memory{}
	b := newStubBridge(WithTracer(trace.New(mem)))
	r := NewRouter(b)

	resp := r.Handle(ctx, "open", []byte(`{"path":"libstub.so"}`))
	if resp.Error != "" || resp.HandleID != 1 {
		t.Fatalf("open = %+v", resp)
	}

	resp = r.Handle(ctx, "libraries", nil)
	if len(resp.Libraries) != 1 || resp.Libraries[0].Path != "libstub.so" {
		t.Fatalf("libraries = %+v", resp)
	}

	resp = r.Handle(ctx, "call", []byte(`{"handleId":1,"symbol":"missing","params":[],"returnType":"void"}`))
	if resp.Error != "SymbolNotFound" {
		t.Fatalf("missing symbol = %+v", resp)
	}

	resp = r.Handle(ctx, "close", []byte(`{"handleId":1}`))
	if !resp.OK {
		t.Fatalf("close = %+v", resp)
	}

	// The handle stays dead for every later operation.
	for _, tt := range []struct{ op, payload string }{
		{"close", `{"handleId":1}`},
		{"call", `{"handleId":1,"symbol":"add","params":[],"returnType":"i32"}`},
	} {
		resp = r.Handle(ctx, tt.op, []byte(tt.payload))
		if resp.Error != "InvalidHandle" {
			t.Fatalf("%s after close = %+v", tt.op, resp)
		}
		if !errors.Is(resp.Err(), bridgeerr.ErrInvalidHandle) {
			t.Fatalf("Err() = %v", resp.Err())
		}
	}

	rd, err := trace.NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if n := rd.Count(trace.SearchOptions{Kinds: []trace.Kind{trace.KindOpen}}); n != 1 {
		t.Fatalf("%d open records", n)
	}
	if n := rd.Count(trace.SearchOptions{Kinds: []trace.Kind{trace.KindError}}); n != 3 {
		t.Fatalf("%d error records", n)
	}
}

func TestRouterErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(newStubBridge())

	tests := []struct {
		name    string
		op      string
		payload string
		want    string
	}{
		{"open failure", "open", `{"path":"missing.dylib"}`, "LibraryLoadError"},
		{"unknown op", "launch", `{}`, "ProtocolError"},
		{"malformed json", "call", `{"symbol":`, "ProtocolError"},
		{"unknown field", "open", `{"path":"x.so","mode":1}`, "ProtocolError"},
		{"trailing data", "open", `{"path":"x.so"} {}`, "ProtocolError"},
		{"ptr without length", "call", `{"handleId":1,"symbol":"f","params":[],"returnType":"ptr"}`, "MarshalError"},
		{"bad address", "call", `{"address":"here","params":[],"returnType":"void"}`, "MarshalError"},
		{"unopened handle", "call", `{"handleId":42,"symbol":"f","params":[],"returnType":"void"}`, "InvalidHandle"},
		{"null read", "readMemory", `{"address":0,"length":8}`, "DecodeError"},
		{"negative read", "readMemory", `{"address":"0x1000","length":-1}`, "MarshalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.Handle(ctx, tt.op, []byte(tt.payload))
			if resp.Error != tt.want {
				t.Fatalf("error = %q (%s), want %q", resp.Error, resp.Message, tt.want)
			}
			if resp.Message == "" {
				t.Fatal("error response without a message")
			}
		})
	}
}

func TestRouterHandleLine(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(newStubBridge())

	resp := r.HandleLine(ctx, []byte(`{"id":7,"op":"open","args":{"path":"a.so"}}`))
	if string(resp.ID) != "7" || resp.HandleID != 1 {
		t.Fatalf("response = %+v", resp)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"id":7,"handleId":1}` {
		t.Fatalf("encoded = %s", out)
	}

	resp = r.HandleLine(ctx, []byte(`not json`))
	if resp.Error != "ProtocolError" {
		t.Fatalf("malformed envelope = %+v", resp)
	}

	resp = r.HandleLine(ctx, []byte(`{"id":"x","op":"readMemory","args":{"address":"0x10","length":0}}`))
	out, _ = json.Marshal(resp)
	if string(out) != `{"id":"x","bytes":[]}` {
		t.Fatalf("empty read = %s", out)
	}
}
