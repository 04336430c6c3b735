//go:build darwin || linux

package native

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	arenaAlign     = 16
	arenaChunkSize = 64 * 1024
)

var errArenaReleased = errors.New("arena already released")

// Arena owns the scratch memory for one native call. Buffers are carved from
// anonymous mappings outside the Go heap, so their addresses stay valid and
// fixed for the arena's lifetime, and everything is unmapped at once by
// Release.
//
// Transferred buffers are the exception: they come from malloc so the callee
// can free them. Until Commit is called they are still owned by the arena and
// Release frees them; after Commit they belong to the callee.
type Arena struct {
	chunks    [][]byte
	off       int
	used      int
	transfers []uintptr
	committed bool
	released  bool
}

// NewArena returns an empty arena. No memory is mapped until the first Alloc.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns n zeroed bytes aligned to 16 bytes. A zero-length request
// still yields a distinct non-null address.
func (a *Arena) Alloc(n int) (uintptr, error) {
	if a.released {
		return 0, errArenaReleased
	}
	if n < 0 {
		return 0, fmt.Errorf("arena: negative allocation %d", n)
	}
	size := max(n, 1)
	size = (size + arenaAlign - 1) &^ (arenaAlign - 1)

	if len(a.chunks) == 0 || a.off+size > len(a.chunks[len(a.chunks)-1]) {
		page := unix.Getpagesize()
		chunk := max(arenaChunkSize, (size+page-1)/page*page)
		mem, err := unix.Mmap(-1, 0, chunk, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, fmt.Errorf("arena: mmap %d bytes: %w", chunk, err)
		}
		a.chunks = append(a.chunks, mem)
		a.off = 0
	}

	cur := a.chunks[len(a.chunks)-1]
	p := addrOf(cur[a.off:])
	a.off += size
	a.used += size
	return p, nil
}

// Bytes copies b into the arena and returns its address.
func (a *Arena) Bytes(b []byte) (uintptr, error) {
	p, err := a.Alloc(len(b))
	if err != nil {
		return 0, err
	}
	Write(p, b)
	return p, nil
}

// CString copies s into the arena with a trailing NUL.
func (a *Arena) CString(s string) (uintptr, error) {
	p, err := a.Alloc(len(s) + 1)
	if err != nil {
		return 0, err
	}
	Write(p, []byte(s))
	return p, nil
}

// Transfer copies b into malloc'd memory, optionally NUL-terminated, whose
// ownership passes to the callee once the call is committed.
func (a *Arena) Transfer(b []byte, nul bool) (uintptr, error) {
	if a.released {
		return 0, errArenaReleased
	}
	n := len(b)
	if nul {
		n++
	}
	p, err := Malloc(n)
	if err != nil {
		return 0, err
	}
	Write(p, b)
	if nul {
		Write(p+uintptr(len(b)), []byte{0})
	}
	a.transfers = append(a.transfers, p)
	return p, nil
}

// Commit marks the point of no return: the native call is about to run and
// transferred buffers now belong to the callee.
func (a *Arena) Commit() {
	a.committed = true
	a.transfers = nil
}

// Used returns the number of scratch bytes handed out so far.
func (a *Arena) Used() int { return a.used }

// Release unmaps all scratch memory and frees uncommitted transfers. It is
// safe to call more than once.
func (a *Arena) Release() error {
	if a.released {
		return nil
	}
	a.released = true

	var errs []error
	for _, c := range a.chunks {
		if err := unix.Munmap(c); err != nil {
			errs = append(errs, err)
		}
	}
	a.chunks = nil
	if !a.committed {
		for _, p := range a.transfers {
			if err := Free(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	a.transfers = nil
	return errors.Join(errs...)
}
