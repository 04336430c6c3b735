// Package marshal converts tagged call parameters into native call
// arguments.
//
// Marshalling runs in two steps. Coerce validates every parameter and turns
// it into a value.Value; nothing is allocated, so a bad parameter is reported
// before any memory is touched. Build then places strings and buffers in a
// call arena and produces the reflect values handed to the dispatcher.
package marshal

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/native"
	"github.com/tinyrange/dlbridge/internal/value"
)

// Param is one parameter as it arrives from the dynamic side.
type Param struct {
	Type  value.Tag
	Value any
	// Transfer hands ownership of a str or ptr buffer to the callee.
	Transfer bool
}

// Arg is a coerced parameter.
type Arg struct {
	Value    value.Value
	Transfer bool
}

// Scratch records where a str or ptr argument was placed.
type Scratch struct {
	Index int
	Addr  uintptr
	Len   int
}

// Args is a marshalled argument list.
type Args struct {
	Values  []reflect.Value
	Types   []reflect.Type
	Scratch []Scratch

	arena *native.Arena
}

// Commit tells the arena that the native call is about to run. Transferred
// buffers belong to the callee from this point on.
func (a *Args) Commit() {
	if a.arena != nil {
		a.arena.Commit()
	}
}

var goTypes = [...]reflect.Type{
	value.TagU8:         reflect.TypeFor[uint8](),
	value.TagI8:         reflect.TypeFor[int8](),
	value.TagU16:        reflect.TypeFor[uint16](),
	value.TagI16:        reflect.TypeFor[int16](),
	value.TagU32:        reflect.TypeFor[uint32](),
	value.TagI32:        reflect.TypeFor[int32](),
	value.TagU64:        reflect.TypeFor[uint64](),
	value.TagI64:        reflect.TypeFor[int64](),
	value.TagF32:        reflect.TypeFor[float32](),
	value.TagF64:        reflect.TypeFor[float64](),
	value.TagString:     reflect.TypeFor[uintptr](),
	value.TagBuffer:     reflect.TypeFor[uintptr](),
	value.TagRawPointer: reflect.TypeFor[uintptr](),
	value.TagChar:       reflect.TypeFor[uint8](),
}

// GoType returns the Go type a tag is passed or returned as. Void has none
// and yields nil.
func GoType(tag value.Tag) reflect.Type {
	if int(tag) >= len(goTypes) {
		return nil
	}
	return goTypes[tag]
}

func paramError(i int, tag value.Tag, err error) error {
	return bridgeerr.Wrap(bridgeerr.KindMarshal, "marshal", fmt.Errorf("param %d (%s): %w", i, tag, err))
}

// Coerce validates params and converts them to values.
func Coerce(params []Param) ([]Arg, error) {
	if len(params) > native.MaxArgs {
		return nil, bridgeerr.Newf(bridgeerr.KindMarshal, "marshal", "%d parameters exceed the limit of %d", len(params), native.MaxArgs)
	}
	out := make([]Arg, len(params))
	for i, p := range params {
		if !p.Type.Valid() {
			return nil, paramError(i, p.Type, errors.New("unknown type tag"))
		}
		if p.Transfer && p.Type != value.TagString && p.Type != value.TagBuffer {
			return nil, paramError(i, p.Type, errors.New("transfer only applies to str and ptr"))
		}
		v, err := value.Coerce(p.Type, p.Value)
		if err != nil {
			return nil, paramError(i, p.Type, err)
		}
		out[i] = Arg{Value: v, Transfer: p.Transfer}
	}
	return out, nil
}

// Build places args in arena and returns the native argument list. The
// arena must outlive the call.
func Build(args []Arg, arena *native.Arena) (*Args, error) {
	if len(args) > native.MaxArgs {
		return nil, bridgeerr.Newf(bridgeerr.KindMarshal, "marshal", "%d parameters exceed the limit of %d", len(args), native.MaxArgs)
	}
	out := &Args{
		Values: make([]reflect.Value, len(args)),
		Types:  make([]reflect.Type, len(args)),
		arena:  arena,
	}
	for i, a := range args {
		v := a.Value
		typ := GoType(v.Tag())
		if typ == nil {
			return nil, paramError(i, v.Tag(), errors.New("no argument representation"))
		}
		out.Types[i] = typ

		switch tag := v.Tag(); {
		case tag == value.TagRawPointer:
			out.Values[i] = reflect.ValueOf(v.Addr())
		case tag.IsPointer():
			// str or ptr: the callee gets the address of a copy.
			var (
				data = v.Bytes()
				nul  = false
			)
			if tag == value.TagString {
				if err := checkCString(v.Str()); err != nil {
					return nil, paramError(i, tag, err)
				}
				data = []byte(v.Str())
				nul = true
			}
			var (
				p   uintptr
				err error
			)
			switch {
			case a.Transfer:
				p, err = arena.Transfer(data, nul)
			case nul:
				p, err = arena.CString(v.Str())
			default:
				p, err = arena.Bytes(data)
			}
			if err != nil {
				return nil, paramError(i, tag, err)
			}
			out.Values[i] = reflect.ValueOf(p)
			out.Scratch = append(out.Scratch, Scratch{Index: i, Addr: p, Len: len(data)})
		case tag.IsFloat():
			if tag == value.TagF32 {
				out.Values[i] = reflect.ValueOf(v.Float32())
			} else {
				out.Values[i] = reflect.ValueOf(v.Float64())
			}
		default:
			// Integer tags: convert the narrowed bits to the exact Go type.
			out.Values[i] = reflect.ValueOf(v.Bits()).Convert(typ)
		}
	}
	return out, nil
}

// checkCString rejects strings that cannot cross as a NUL-terminated UTF-8
// buffer. Values decoded from the helper protocol skip Coerce, so Build
// checks again.
func checkCString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("string contains a NUL byte")
	}
	if !utf8.ValidString(s) {
		return errors.New("string is not valid UTF-8")
	}
	return nil
}

// Marshal coerces params and builds them in arena.
func Marshal(params []Param, arena *native.Arena) (*Args, error) {
	args, err := Coerce(params)
	if err != nil {
		return nil, err
	}
	return Build(args, arena)
}
