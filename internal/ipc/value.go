package ipc

import (
	"fmt"
	"math"

	"github.com/tinyrange/dlbridge/internal/value"
)

// Value appends a tagged value: one tag byte, then
//
//	void            nothing
//	str             length-prefixed string
//	ptr             length-prefixed bytes
//	anything else   8 bytes of raw bits
func (e *Encoder) Value(v value.Value) {
	e.Uint8(uint8(v.Tag()))
	switch v.Tag() {
	case value.TagVoid:
	case value.TagString:
		e.String(v.Str())
	case value.TagBuffer:
		e.WriteBytes(v.Bytes())
	default:
		e.Uint64(v.Bits())
	}
}

// Value reads a tagged value written by Encoder.Value.
func (d *Decoder) Value() (value.Value, error) {
	b, err := d.Uint8()
	if err != nil {
		return value.Value{}, err
	}
	tag := value.Tag(b)
	if !tag.Valid() {
		return value.Value{}, fmt.Errorf("unknown value tag %d", b)
	}
	switch tag {
	case value.TagVoid:
		return value.Void(), nil
	case value.TagString:
		s, err := d.String()
		if err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case value.TagBuffer:
		buf, err := d.Bytes()
		if err != nil {
			return value.Value{}, err
		}
		return value.Buffer(buf), nil
	}

	bits, err := d.Uint64()
	if err != nil {
		return value.Value{}, err
	}
	switch tag {
	case value.TagF32:
		return value.F32(math.Float32frombits(uint32(bits))), nil
	case value.TagF64:
		return value.F64(math.Float64frombits(bits)), nil
	case value.TagRawPointer:
		return value.Address(uintptr(bits)), nil
	}
	return value.FromUint(tag, bits), nil
}
