//go:build darwin || linux

package native

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

type systemLoader struct{}

func (systemLoader) Open(path string) (uintptr, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return 0, fmt.Errorf("dlopen %s: %w", path, err)
	}
	return h, nil
}

func (systemLoader) Symbol(lib uintptr, name string) (uintptr, error) {
	sym, err := purego.Dlsym(lib, name)
	if err != nil {
		return 0, fmt.Errorf("dlsym %s: %w", name, err)
	}
	return sym, nil
}

func (systemLoader) Close(lib uintptr) error {
	if lib == 0 {
		return nil
	}
	if err := purego.Dlclose(lib); err != nil {
		return fmt.Errorf("dlclose: %w", err)
	}
	return nil
}

var (
	libcOnce sync.Once
	libcErr  error

	cMalloc func(size uintptr) uintptr
	cFree   func(ptr uintptr)
)

// LibcPath returns the path of the C library used for malloc and free.
func LibcPath() string {
	if runtime.GOOS == "darwin" {
		return "/usr/lib/libSystem.B.dylib"
	}
	return "libc.so.6"
}

func loadLibc() error {
	libcOnce.Do(func() {
		lib, err := purego.Dlopen(LibcPath(), purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libcErr = fmt.Errorf("purego dlopen %s: %w", LibcPath(), err)
			return
		}
		purego.RegisterLibFunc(&cMalloc, lib, "malloc")
		purego.RegisterLibFunc(&cFree, lib, "free")
	})
	return libcErr
}

// Malloc allocates n bytes with the C allocator. The memory is not zeroed.
func Malloc(n int) (uintptr, error) {
	if err := loadLibc(); err != nil {
		return 0, err
	}
	if n == 0 {
		n = 1
	}
	p := cMalloc(uintptr(n))
	if p == 0 {
		return 0, fmt.Errorf("malloc(%d) failed", n)
	}
	return p, nil
}

// Free releases memory obtained from the C allocator, including memory
// returned by native callees that allocate with malloc.
func Free(p uintptr) error {
	if p == 0 {
		return nil
	}
	if err := loadLibc(); err != nil {
		return err
	}
	cFree(p)
	return nil
}
