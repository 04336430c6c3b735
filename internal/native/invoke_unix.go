//go:build darwin || linux

package native

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/ebitengine/purego"
)

// MaxArgs is the largest number of arguments a native call may take.
const MaxArgs = 15

var funcTypes sync.Map // signature key -> reflect.Type

// FuncType returns the Go function type with the given parameter types and
// optional result type. Types are cached by signature.
func FuncType(in []reflect.Type, out reflect.Type) reflect.Type {
	var key strings.Builder
	for _, t := range in {
		key.WriteString(t.String())
		key.WriteByte(',')
	}
	key.WriteString("->")
	if out != nil {
		key.WriteString(out.String())
	}
	if t, ok := funcTypes.Load(key.String()); ok {
		return t.(reflect.Type)
	}
	var outs []reflect.Type
	if out != nil {
		outs = []reflect.Type{out}
	}
	t := reflect.FuncOf(in, outs, false)
	actual, _ := funcTypes.LoadOrStore(key.String(), t)
	return actual.(reflect.Type)
}

// Bind returns a callable Go function of type typ backed by the native code
// at fn. Nothing runs until the returned value is called.
func Bind(fn uintptr, typ reflect.Type) (reflect.Value, error) {
	if typ.NumIn() > MaxArgs {
		return reflect.Value{}, fmt.Errorf("too many arguments: %d > %d", typ.NumIn(), MaxArgs)
	}
	fptr := reflect.New(typ)
	if err := register(fptr.Interface(), fn); err != nil {
		return reflect.Value{}, err
	}
	return fptr.Elem(), nil
}

func register(fptr any, fn uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind native function at %#x: %v", fn, r)
		}
	}()
	purego.RegisterFunc(fptr, fn)
	return nil
}
