//go:build darwin || linux

package native

import (
	"bytes"
	"reflect"
	"testing"
)

func TestArenaAllocAlignment(t *testing.T) {
	a := NewArena()
	defer a.Release()

	var prev uintptr
	for _, n := range []int{0, 1, 7, 16, 33, 100} {
		p, err := a.Alloc(n)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", n, err)
		}
		if p == 0 {
			t.Fatalf("Alloc(%d) returned null", n)
		}
		if p%arenaAlign != 0 {
			t.Fatalf("Alloc(%d) = %#x, not %d-byte aligned", n, p, arenaAlign)
		}
		if p == prev {
			t.Fatalf("Alloc(%d) reused address %#x", n, p)
		}
		prev = p
	}
}

func TestArenaLargeAllocation(t *testing.T) {
	a := NewArena()
	defer a.Release()

	big := bytes.Repeat([]byte{0xab}, 3*arenaChunkSize)
	p, err := a.Bytes(big)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if got := Read(p, len(big)); !bytes.Equal(got, big) {
		t.Fatal("large buffer contents mismatch")
	}
	if a.Used() < len(big) {
		t.Fatalf("Used() = %d, want >= %d", a.Used(), len(big))
	}
}

func TestArenaCString(t *testing.T) {
	a := NewArena()
	defer a.Release()

	p, err := a.CString("hello")
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if CStringLen(p) != 5 {
		t.Fatalf("CStringLen = %d", CStringLen(p))
	}
	if got := string(CString(p)); got != "hello" {
		t.Fatalf("CString = %q", got)
	}
}

func TestArenaReleaseTwice(t *testing.T) {
	a := NewArena()
	if _, err := a.Alloc(8); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := a.Alloc(8); err == nil {
		t.Fatal("expected Alloc after Release to fail")
	}
}

func TestArenaTransfer(t *testing.T) {
	a := NewArena()
	p, err := a.Transfer([]byte("owned"), true)
	if err != nil {
		t.Skipf("libc unavailable: %v", err)
	}
	if got := string(CString(p)); got != "owned" {
		t.Fatalf("transferred string = %q", got)
	}
	// Not committed: Release frees the transfer.
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestBindLibc(t *testing.T) {
	lib, err := System.Open(LibcPath())
	if err != nil {
		t.Skipf("libc unavailable: %v", err)
	}
	defer System.Close(lib)

	abs, err := System.Symbol(lib, "abs")
	if err != nil {
		t.Fatalf("Symbol(abs): %v", err)
	}
	typ := FuncType([]reflect.Type{reflect.TypeOf(int32(0))}, reflect.TypeOf(int32(0)))
	f, err := Bind(abs, typ)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	out := f.Call([]reflect.Value{reflect.ValueOf(int32(-42))})[0]
	if out.Int() != 42 {
		t.Fatalf("abs(-42) = %d", out.Int())
	}

	if again := FuncType([]reflect.Type{reflect.TypeOf(int32(0))}, reflect.TypeOf(int32(0))); again != typ {
		t.Fatal("FuncType did not cache the signature")
	}

	if _, err := System.Symbol(lib, "definitely_not_a_libc_symbol"); err == nil {
		t.Fatal("expected missing symbol error")
	}
}

func TestBindTooManyArgs(t *testing.T) {
	in := make([]reflect.Type, MaxArgs+1)
	for i := range in {
		in[i] = reflect.TypeOf(uintptr(0))
	}
	if _, err := Bind(1, FuncType(in, nil)); err == nil {
		t.Fatal("expected too many arguments error")
	}
}

func TestOpenMissingLibrary(t *testing.T) {
	if _, err := System.Open("/nonexistent/libnothing.so"); err == nil {
		t.Fatal("expected dlopen error")
	}
}
