package api

import (
	"errors"
	"testing"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/ipc"
)

func TestInvocationWire(t *testing.T) {
	inv, err := CallRequest{
		HandleID: 9,
		Symbol:   "f",
		Address:  AddressOf(0xfeed),
		Params: []Param{
			{Type: "i64", Value: "-9223372036854775808"},
			{Type: "str", Value: "hi", Transfer: true},
			{Type: "ptr", Value: []any{1, 2}},
		},
		ReturnType:   "ptr",
		ReturnLength: intPtr(16),
	}.Compile()
	if err != nil {
		t.Fatal(err)
	}

	enc := ipc.NewEncoder()
	EncodeInvocation(enc, inv)
	got, err := DecodeInvocation(ipc.NewDecoder(enc.Bytes()))
	if err != nil {
		t.Fatalf("DecodeInvocation() error = %v", err)
	}
	if got.HandleID != 9 || got.Symbol != "f" || !got.HasAddress || got.Address != 0xfeed {
		t.Fatalf("target = %+v", got)
	}
	if got.Return != inv.Return {
		t.Fatalf("return = %+v, want %+v", got.Return, inv.Return)
	}
	if len(got.Args) != 3 {
		t.Fatalf("%d args", len(got.Args))
	}
	for i := range got.Args {
		if !got.Args[i].Value.Equal(inv.Args[i].Value) || got.Args[i].Transfer != inv.Args[i].Transfer {
			t.Errorf("arg %d = %+v, want %+v", i, got.Args[i], inv.Args[i])
		}
	}

	// Every truncation is a protocol error.
	raw := enc.Bytes()
	for n := 0; n < len(raw); n++ {
		if _, err := DecodeInvocation(ipc.NewDecoder(raw[:n])); !errors.Is(err, bridgeerr.ErrProtocol) {
			t.Fatalf("truncated to %d bytes: %v", n, err)
		}
	}
}

func TestInvocationWireTooManyArgs(t *testing.T) {
	enc := ipc.NewEncoder()
	EncodeInvocation(enc, Invocation{Symbol: "f"})
	raw := enc.Bytes()
	raw[len(raw)-1] = 16
	if _, err := DecodeInvocation(ipc.NewDecoder(raw)); !errors.Is(err, bridgeerr.ErrMarshal) {
		t.Fatalf("16 args = %v", err)
	}
}

func TestLibrariesWire(t *testing.T) {
	libs := []LibraryInfo{{HandleID: 1, Path: "/lib/a.so"}, {HandleID: 4, Path: "b.so", InFlight: 2}}
	enc := ipc.NewEncoder()
	EncodeLibraries(enc, libs)
	got, err := DecodeLibraries(ipc.NewDecoder(enc.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != libs[0] || got[1] != libs[1] {
		t.Fatalf("libraries = %+v", got)
	}

	bad := ipc.NewEncoder()
	bad.Uint32(1 << 30)
	if _, err := DecodeLibraries(ipc.NewDecoder(bad.Bytes())); err == nil {
		t.Fatal("expected error for oversized count")
	}
}
