package value

import (
	"encoding/json"
	"math"
	"strconv"
)

// Value is a tagged union. The payload field in use depends on the tag:
// integers, floats and addresses live in bits, strings in str, buffers in buf.
type Value struct {
	tag  Tag
	bits uint64
	str  string
	buf  []byte
}

// Void returns the void value.
func Void() Value { return Value{tag: TagVoid} }

// FromUint builds an integer value from raw two's-complement bits, narrowing
// to the width of tag.
func FromUint(tag Tag, bits uint64) Value {
	return Value{tag: tag, bits: narrow(tag, bits)}
}

// FromInt builds an integer value, narrowing to the width of tag.
func FromInt(tag Tag, v int64) Value {
	return FromUint(tag, uint64(v))
}

// F32 builds an f32 value.
func F32(f float32) Value {
	return Value{tag: TagF32, bits: uint64(math.Float32bits(f))}
}

// F64 builds an f64 value.
func F64(f float64) Value {
	return Value{tag: TagF64, bits: math.Float64bits(f)}
}

// String builds a str value.
func String(s string) Value { return Value{tag: TagString, str: s} }

// Buffer builds a ptr value. The slice is retained, not copied.
func Buffer(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{tag: TagBuffer, buf: b}
}

// Address builds a rawptr value.
func Address(addr uintptr) Value {
	return Value{tag: TagRawPointer, bits: uint64(addr)}
}

func narrow(tag Tag, bits uint64) uint64 {
	if !tag.IsInteger() || tag.Size() >= 8 {
		return bits
	}
	shift := 64 - 8*uint(tag.Size())
	if tag.IsSigned() {
		return uint64(int64(bits<<shift) >> shift)
	}
	return bits << shift >> shift
}

// Tag returns the value's tag.
func (v Value) Tag() Tag { return v.tag }

// Bits returns the raw 64-bit payload of an integer, float or address value.
func (v Value) Bits() uint64 { return v.bits }

// Uint64 returns an integer payload zero-extended from its width.
func (v Value) Uint64() uint64 {
	switch v.tag {
	case TagI8:
		return uint64(uint8(v.bits))
	case TagI16:
		return uint64(uint16(v.bits))
	case TagI32:
		return uint64(uint32(v.bits))
	}
	return v.bits
}

// Int64 returns an integer payload sign-extended from its width. Unsigned
// tags are returned as their two's-complement reinterpretation.
func (v Value) Int64() int64 { return int64(v.bits) }

// Float64 returns a float payload widened to float64.
func (v Value) Float64() float64 {
	if v.tag == TagF32 {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

// Float32 returns an f32 payload.
func (v Value) Float32() float32 {
	if v.tag == TagF64 {
		return float32(math.Float64frombits(v.bits))
	}
	return math.Float32frombits(uint32(v.bits))
}

// Str returns the str payload.
func (v Value) Str() string { return v.str }

// Bytes returns the ptr payload.
func (v Value) Bytes() []byte { return v.buf }

// Addr returns the rawptr payload.
func (v Value) Addr() uintptr { return uintptr(v.bits) }

// Equal reports whether two values have the same tag and payload.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag || v.bits != o.bits || v.str != o.str || len(v.buf) != len(o.buf) {
		return false
	}
	for i := range v.buf {
		if v.buf[i] != o.buf[i] {
			return false
		}
	}
	return true
}

// Interface renders the value into the dynamic model: nil, int, float64,
// string and []any. 64-bit integers become decimal strings so they survive a
// trip through float64-only consumers; addresses become 0x-prefixed hex;
// non-finite floats become "NaN", "+Inf" or "-Inf".
func (v Value) Interface() any {
	switch v.tag {
	case TagVoid:
		return nil
	case TagU8, TagU16, TagU32, TagChar:
		return int(v.bits)
	case TagI8, TagI16, TagI32:
		return int(int64(v.bits))
	case TagU64:
		return strconv.FormatUint(v.bits, 10)
	case TagI64:
		return strconv.FormatInt(int64(v.bits), 10)
	case TagF32, TagF64:
		f := v.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return f
	case TagString:
		return v.str
	case TagBuffer:
		out := make([]any, len(v.buf))
		for i, b := range v.buf {
			out[i] = int(b)
		}
		return out
	case TagRawPointer:
		return FormatAddress(uintptr(v.bits))
	}
	return nil
}

// MarshalJSON implements json.Marshaler using the Interface rendering. f32
// values are printed with float32 precision.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.tag == TagF32 {
		f := v.Float64()
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			return strconv.AppendFloat(nil, f, 'g', -1, 32), nil
		}
	}
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return v.tag.String() + "(?)"
	}
	return v.tag.String() + "(" + string(b) + ")"
}

// FormatAddress renders an address the way rawptr values are rendered.
func FormatAddress(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
