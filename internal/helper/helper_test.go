//go:build darwin || linux

package helper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/config"
	"github.com/tinyrange/dlbridge/internal/ipc"
	"github.com/tinyrange/dlbridge/internal/native"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHelper serves a fresh local bridge on a temporary socket and returns
// a remote bridge connected to it.
func startHelper(t *testing.T) *api.Remote {
	t.Helper()
	return connect(t, serveHelper(t))
}

// serveHelper serves a fresh local bridge and returns its socket path.
func serveHelper(t *testing.T) string {
	t.Helper()
	log := quietLogger()
	h := NewHelper(api.New(api.WithLogger(log)), log)
	mux := ipc.NewMux()
	h.RegisterHandlers(mux)

	srv, err := ipc.NewServer(ipc.SocketPath(), mux.Handler(), log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv.SocketPath()
}

func connect(t *testing.T, socketPath string) *api.Remote {
	t.Helper()
	r, err := api.ConnectHelper(socketPath)
	if err != nil {
		t.Fatalf("ConnectHelper: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r
}

func TestRemoteRoundTrip(t *testing.T) {
	r := startHelper(t)
	ctx := context.Background()

	if err := r.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id, err := r.Open(ctx, native.LibcPath())
	if err != nil {
		t.Skipf("libc not loadable: %v", err)
	}

	v, err := r.Call(ctx, api.CallRequest{
		HandleID:   id,
		Symbol:     "strlen",
		Params:     []api.Param{{Type: "str", Value: "round trip"}},
		ReturnType: "u64",
	})
	if err != nil || v.Uint64() != 10 {
		t.Fatalf("strlen = %v, %v", v, err)
	}

	// strdup returns a malloc'd copy that the helper frees after decoding.
	v, err = r.Call(ctx, api.CallRequest{
		HandleID:   id,
		Symbol:     "strdup",
		Params:     []api.Param{{Type: "str", Value: "héllo"}},
		ReturnType: "str",
	})
	if err != nil || v.Str() != "héllo" {
		t.Fatalf("strdup = %v, %v", v, err)
	}

	libs, err := r.Libraries(ctx)
	if err != nil || len(libs) != 1 || libs[0].HandleID != id {
		t.Fatalf("Libraries = %+v, %v", libs, err)
	}

	if err := r.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(ctx, id); !errors.Is(err, bridgeerr.ErrInvalidHandle) {
		t.Fatalf("second Close = %v", err)
	}
}

func TestRemoteErrors(t *testing.T) {
	r := startHelper(t)
	ctx := context.Background()

	if _, err := r.Open(ctx, "/definitely/not/a/library.so"); !errors.Is(err, bridgeerr.ErrLibraryLoad) {
		t.Fatalf("Open(missing) = %v", err)
	}
	_, err := r.Call(ctx, api.CallRequest{HandleID: 77, Symbol: "f", ReturnType: "void"})
	if !errors.Is(err, bridgeerr.ErrInvalidHandle) {
		t.Fatalf("Call(unopened) = %v", err)
	}
	_, err = r.Call(ctx, api.CallRequest{HandleID: 1, Symbol: "f", ReturnType: "ptr"})
	if !errors.Is(err, bridgeerr.ErrMarshal) {
		t.Fatalf("Call(ptr without length) = %v", err)
	}
	if _, err := r.UnsafeReadMemory(ctx, 0, 4); !errors.Is(err, bridgeerr.ErrDecode) {
		t.Fatalf("UnsafeReadMemory(null) = %v", err)
	}

	// The router works the same over a remote bridge.
	resp := api.NewRouter(r).Handle(ctx, "close", []byte(`{"handleId":5}`))
	if resp.Error != "InvalidHandle" {
		t.Fatalf("routed close = %+v", resp)
	}
}

func TestShutdownClosesOwnHandles(t *testing.T) {
	sock := serveHelper(t)
	a, b := connect(t, sock), connect(t, sock)
	ctx := context.Background()

	mine, err := a.Open(ctx, native.LibcPath())
	if err != nil {
		t.Skipf("libc not loadable: %v", err)
	}
	closed, err := a.Open(ctx, native.LibcPath())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Close(ctx, closed); err != nil {
		t.Fatalf("Close: %v", err)
	}
	theirs, err := b.Open(ctx, native.LibcPath())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	libs, err := b.Libraries(ctx)
	if err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	if len(libs) != 1 || libs[0].HandleID != theirs {
		t.Fatalf("after Shutdown of handle %d, helper lists %+v; want only %d", mine, libs, theirs)
	}
}

func TestHandlersRejectTruncatedPayloads(t *testing.T) {
	h := NewHelper(api.New(api.WithLogger(quietLogger())), quietLogger())
	defer h.Close()

	for name, fn := range map[string]ipc.MuxHandler{
		"open":  h.handleLibraryOpen,
		"close": h.handleLibraryClose,
		"call":  h.handleCall,
		"read":  h.handleReadMemory,
	} {
		if _, err := fn(ipc.NewDecoder(nil)); !errors.Is(err, bridgeerr.ErrProtocol) {
			t.Errorf("%s(empty) = %v, want ProtocolError", name, err)
		}
	}
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Socket = ipc.SocketPath()
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Config:    cfg,
			Many:      true,
			Ready:     func(p string) { ready <- p },
			LogOutput: io.Discard,
		})
	}()

	var socket string
	select {
	case socket = <-ready:
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not start")
	}

	r, err := api.ConnectHelper(socket)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	r.Shutdown()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not stop")
	}
}
