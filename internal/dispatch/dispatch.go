// Package dispatch performs a marshalled native call and decodes its result.
//
// Return ownership:
//
//	str     read to NUL, then freed with libc free unless borrowed
//	ptr     exactly Length bytes copied; the callee keeps the memory
//	rawptr  address only; never dereferenced or freed
//
// Nothing else is ever freed by the bridge.
package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/marshal"
	"github.com/tinyrange/dlbridge/internal/native"
	"github.com/tinyrange/dlbridge/internal/value"
)

// ReturnSpec describes how to interpret a call's return value.
type ReturnSpec struct {
	Tag value.Tag
	// Length is the byte count copied for a ptr return. HasLength must be set
	// for ptr returns.
	Length    int
	HasLength bool
	// Borrow leaves a str return with the callee.
	Borrow bool
}

// Validate reports a MarshalError for return specs that cannot be decoded.
// It is meant to run before any parameter is marshalled.
func (r ReturnSpec) Validate() error {
	if !r.Tag.Valid() {
		return bridgeerr.Newf(bridgeerr.KindMarshal, "dispatch", "unknown return type %d", uint8(r.Tag))
	}
	if r.Tag == value.TagBuffer {
		if !r.HasLength {
			return bridgeerr.New(bridgeerr.KindMarshal, "dispatch", "ptr return requires returnLength")
		}
		if r.Length < 0 {
			return bridgeerr.Newf(bridgeerr.KindMarshal, "dispatch", "negative returnLength %d", r.Length)
		}
	}
	return nil
}

// FuncType returns the Go function type for a call with the given argument
// types returning ret.
func FuncType(in []reflect.Type, ret value.Tag) reflect.Type {
	return native.FuncType(in, marshal.GoType(ret))
}

// Dispatch calls fn with args and decodes the result according to ret.
// Transferred arguments are committed to the callee just before the call.
func Dispatch(fn uintptr, args *marshal.Args, ret ReturnSpec) (value.Value, error) {
	if err := ret.Validate(); err != nil {
		return value.Value{}, err
	}
	if fn == 0 {
		return value.Value{}, bridgeerr.New(bridgeerr.KindSymbolNotFound, "dispatch", "null function pointer")
	}
	f, err := native.Bind(fn, FuncType(args.Types, ret.Tag))
	if err != nil {
		return value.Value{}, bridgeerr.Wrap(bridgeerr.KindMarshal, "dispatch", err)
	}

	args.Commit()
	results := f.Call(args.Values)

	if ret.Tag == value.TagVoid {
		return value.Void(), nil
	}
	return Decode(results[0], ret)
}

// Decode converts a raw native result into a Value.
func Decode(out reflect.Value, ret ReturnSpec) (value.Value, error) {
	switch tag := ret.Tag; {
	case tag == value.TagVoid:
		return value.Void(), nil
	case tag.IsInteger():
		if tag.IsSigned() {
			return value.FromInt(tag, out.Int()), nil
		}
		return value.FromUint(tag, out.Uint()), nil
	case tag == value.TagF32:
		return value.F32(float32(out.Float())), nil
	case tag == value.TagF64:
		return value.F64(out.Float()), nil
	case tag == value.TagString:
		return decodeString(uintptr(out.Uint()), ret.Borrow)
	case tag == value.TagBuffer:
		return decodeBuffer(uintptr(out.Uint()), ret.Length)
	case tag == value.TagRawPointer:
		return value.Address(uintptr(out.Uint())), nil
	}
	return value.Value{}, bridgeerr.Newf(bridgeerr.KindDecode, "decode", "unknown return type %d", uint8(ret.Tag))
}

func decodeString(p uintptr, borrow bool) (v value.Value, err error) {
	if p == 0 {
		return value.Value{}, bridgeerr.New(bridgeerr.KindDecode, "decode", "str return is null")
	}
	if !borrow {
		defer func() {
			if ferr := native.Free(p); ferr != nil && err == nil {
				err = bridgeerr.Wrap(bridgeerr.KindDecode, "decode", fmt.Errorf("free str return: %w", ferr))
			}
		}()
	}
	b := native.CString(p)
	if !utf8.Valid(b) {
		return value.Value{}, bridgeerr.Wrap(bridgeerr.KindDecode, "decode", errors.New("str return is not valid UTF-8"))
	}
	return value.String(string(b)), nil
}

func decodeBuffer(p uintptr, n int) (value.Value, error) {
	if n == 0 {
		return value.Buffer(nil), nil
	}
	if p == 0 {
		return value.Value{}, bridgeerr.Newf(bridgeerr.KindDecode, "decode", "ptr return is null but %d bytes were requested", n)
	}
	return value.Buffer(native.Read(p, n)), nil
}
