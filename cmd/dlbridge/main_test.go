package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/trace"
)

func TestParseParam(t *testing.T) {
	tests := []struct {
		in       string
		typ      string
		value    any
		transfer bool
	}{
		{"i32:5", "i32", "5", false},
		{"str:a:b", "str", "a:b", false},
		{"str!:owned", "str", "owned", true},
		{"str:", "str", "", false},
	}
	for _, tt := range tests {
		p, err := parseParam(tt.in)
		if err != nil {
			t.Fatalf("parseParam(%q) error = %v", tt.in, err)
		}
		if p.Type != tt.typ || p.Value != tt.value || p.Transfer != tt.transfer {
			t.Fatalf("parseParam(%q) = %+v", tt.in, p)
		}
	}

	p, err := parseParam("ptr:[1,2,255]")
	if err != nil {
		t.Fatal(err)
	}
	if arr, ok := p.Value.([]any); !ok || len(arr) != 3 {
		t.Fatalf("ptr value = %#v", p.Value)
	}

	for _, bad := range []string{"i32", "ptr:[1,", "ptr:hello"} {
		if _, err := parseParam(bad); err == nil {
			t.Fatalf("parseParam(%q) should fail", bad)
		}
	}
}

func TestPrinterJQ(t *testing.T) {
	var buf bytes.Buffer
	p, err := newPrinter(&buf, ".result", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Print(map[string]any{"result": "Hello, World", "id": 1}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "Hello, World\n" {
		t.Fatalf("output = %q", got)
	}

	buf.Reset()
	p, _ = newPrinter(&buf, ".[] | . * 2", false)
	if err := p.Print([]int{1, 2}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "2\n4\n" {
		t.Fatalf("output = %q", got)
	}

	if _, err := newPrinter(&buf, ".[", false); err == nil {
		t.Fatal("expected parse error")
	}
	p, _ = newPrinter(&buf, "error(\"boom\")", false)
	if err := p.Print(1); err == nil {
		t.Fatal("expected jq runtime error")
	}
}

type stubLoader struct{}

func (stubLoader) Open(path string) (uintptr, error) {
	if strings.HasSuffix(path, ".so") {
		return 0x1000, nil
	}
	return 0, errors.New("cannot open " + path)
}

func (stubLoader) Symbol(lib uintptr, name string) (uintptr, error) {
	return 0, errors.New("undefined symbol: " + name)
}

func (stubLoader) Close(lib uintptr) error { return nil }

func TestServeLines(t *testing.T) {
	b := api.New(
		api.WithLoader(stubLoader{}),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	defer b.Shutdown()

	in := strings.NewReader(`{"id":1,"op":"open","args":{"path":"a.so"}}

{"id":2,"op":"call","args":{"handleId":1,"symbol":"f","params":[],"returnType":"ptr"}}
{"id":3,"op":"nope"}
garbage
{"id":4,"op":"close","args":{"handleId":1}}
`)
	var out, prompt bytes.Buffer
	p, _ := newPrinter(&out, "", false)
	if err := serveLines(context.Background(), api.NewRouter(b), in, p, "> ", &prompt); err != nil {
		t.Fatal(err)
	}

	want := []string{
		`{"id":1,"handleId":1}`,
		`{"id":2,"error":"MarshalError","message":"ptr return requires returnLength"}`,
		`{"id":3,"error":"ProtocolError","message":"unknown op \"nope\""}`,
		`{"error":"ProtocolError",`,
		`{"id":4,"ok":true}`,
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(want) {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	for i, w := range want {
		if !strings.HasPrefix(lines[i], w) {
			t.Errorf("line %d = %s, want prefix %s", i, lines[i], w)
		}
	}
	if !strings.HasPrefix(prompt.String(), "> ") {
		t.Fatalf("prompt = %q", prompt.String())
	}
}

func TestTraceCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.trace")
	tr, err := trace.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	tr.Record(trace.KindOpen, "libm.so", start, []byte("handle=1"))
	tr.Record(trace.KindCall, "cos", start, []byte("f64(1)"))
	tr.Record(trace.KindError, "sin", start, []byte("SymbolNotFound"))
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runTrace([]string{"-kind", "call,error", path}, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "call [cos] f64(1)") {
		t.Fatalf("output:\n%s", out.String())
	}

	out.Reset()
	if err := runTrace([]string{"-jq", ".source", "-match", "Symbol", path}, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "sin\n" {
		t.Fatalf("jq output = %q", out.String())
	}

	out.Reset()
	if err := runTrace([]string{"-list", path}, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "libm.so\ncos\nsin\n" {
		t.Fatalf("sources = %q", out.String())
	}

	if err := runTrace([]string{"-limit", "1", path}, io.Discard); err == nil {
		t.Fatal("expected limit error")
	}
	if err := runTrace([]string{"-kind", "bogus", path}, io.Discard); err == nil {
		t.Fatal("expected kind error")
	}
}
