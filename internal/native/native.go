// Package native is the only place in the module that touches raw native
// memory and native code. Everything here is unchecked: an address handed to
// Read or Bind is trusted verbatim, and a bad one faults the process.
//
// Library loading and calls go through purego, so no C toolchain is needed
// at build time. Scratch memory for call arguments comes from anonymous
// mappings, and memory whose ownership crosses the boundary comes from the
// C allocator so that native code can free it.
package native

import (
	"errors"
	"unsafe"
)

// ErrUnsupported is returned on platforms without a native call path.
var ErrUnsupported = errors.New("native calls are not supported on this platform")

// Loader opens, resolves and closes native libraries.
type Loader interface {
	Open(path string) (uintptr, error)
	Symbol(lib uintptr, name string) (uintptr, error)
	Close(lib uintptr) error
}

// System is the platform dynamic loader.
var System Loader = systemLoader{}

// Read copies n bytes starting at addr. The read is unbounded and unchecked.
func Read(addr uintptr, n int) []byte {
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out
}

// Write copies b to addr. The destination must be writable for len(b) bytes.
func Write(addr uintptr, b []byte) {
	if len(b) == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
}

// CStringLen returns the number of bytes before the first NUL at addr.
func CStringLen(addr uintptr) int {
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(addr), n)) != 0 {
		n++
	}
	return n
}

// CString copies the NUL-terminated string at addr, without the terminator.
func CString(addr uintptr) []byte {
	return Read(addr, CStringLen(addr))
}

// addrOf returns the address of the first byte of b.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
