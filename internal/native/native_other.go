//go:build !(darwin || linux)

package native

import "reflect"

// MaxArgs is the largest number of arguments a native call may take.
const MaxArgs = 15

type systemLoader struct{}

func (systemLoader) Open(string) (uintptr, error) { return 0, ErrUnsupported }
func (systemLoader) Symbol(uintptr, string) (uintptr, error) { return 0, ErrUnsupported }
func (systemLoader) Close(uintptr) error { return ErrUnsupported }

// LibcPath returns the empty string on unsupported platforms.
func LibcPath() string { return "" }

func Malloc(int) (uintptr, error) { return 0, ErrUnsupported }
func Free(uintptr) error { return ErrUnsupported }

// Arena is a placeholder that refuses every allocation.
type Arena struct{}

func NewArena() *Arena { return &Arena{} }
func (*Arena) Alloc(int) (uintptr, error) { return 0, ErrUnsupported }
func (*Arena) Bytes([]byte) (uintptr, error) { return 0, ErrUnsupported }
func (*Arena) CString(string) (uintptr, error) { return 0, ErrUnsupported }
func (*Arena) Transfer([]byte, bool) (uintptr, error) { return 0, ErrUnsupported }
func (*Arena) Commit() {}
func (*Arena) Used() int { return 0 }
func (*Arena) Release() error { return nil }

func FuncType(in []reflect.Type, out reflect.Type) reflect.Type {
	var outs []reflect.Type
	if out != nil {
		outs = []reflect.Type{out}
	}
	return reflect.FuncOf(in, outs, false)
}

func Bind(uintptr, reflect.Type) (reflect.Value, error) {
	return reflect.Value{}, ErrUnsupported
}
