package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	errNotNumeric = errors.New("not a number")
	errNotString  = errors.New("not a string")
	errOutOfRange = errors.New("out of range")
)

// Coerce converts a dynamic value into a Value of the given tag. The input is
// whatever a JSON decoder (with UseNumber) or a Go caller produced: nil,
// bool, json.Number, any Go integer or float, string, []byte or []any.
//
// Integer tags up to 32 bits narrow with two's-complement wrapping, so 300
// as u8 yields 44. u64 and i64 accept decimal text and integral numbers and
// reject values outside their range instead of wrapping.
func Coerce(tag Tag, raw any) (Value, error) {
	switch tag {
	case TagVoid:
		return Value{}, errors.New("void has no argument representation")
	case TagU8, TagI8, TagU16, TagI16, TagU32, TagI32:
		bits, err := intBits(raw)
		if err != nil {
			return Value{}, err
		}
		return FromUint(tag, bits), nil
	case TagChar:
		if s, ok := raw.(string); ok && utf8.RuneCountInString(s) == 1 {
			r, _ := utf8.DecodeRuneInString(s)
			if r > 0xff {
				return Value{}, fmt.Errorf("char %q does not fit in one byte", s)
			}
			return FromUint(TagChar, uint64(r)), nil
		}
		bits, err := intBits(raw)
		if err != nil {
			return Value{}, err
		}
		return FromUint(TagChar, bits), nil
	case TagU64:
		u, err := parseUint64(raw)
		if err != nil {
			return Value{}, err
		}
		return FromUint(TagU64, u), nil
	case TagI64:
		i, err := parseInt64(raw)
		if err != nil {
			return Value{}, err
		}
		return FromInt(TagI64, i), nil
	case TagF32:
		f, err := floatValue(raw)
		if err != nil {
			return Value{}, err
		}
		return F32(float32(f)), nil
	case TagF64:
		f, err := floatValue(raw)
		if err != nil {
			return Value{}, err
		}
		return F64(f), nil
	case TagString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, errNotString
		}
		if !utf8.ValidString(s) {
			return Value{}, errors.New("string is not valid UTF-8")
		}
		if strings.IndexByte(s, 0) >= 0 {
			return Value{}, errors.New("string contains a NUL byte")
		}
		return String(s), nil
	case TagBuffer:
		b, err := byteSlice(raw)
		if err != nil {
			return Value{}, err
		}
		return Buffer(b), nil
	case TagRawPointer:
		a, err := ParseAddress(raw)
		if err != nil {
			return Value{}, err
		}
		return Address(a), nil
	}
	return Value{}, fmt.Errorf("unknown tag %d", uint8(tag))
}

// intBits returns the two's-complement bits of an integer-ish input.
// Fractional numbers truncate toward zero.
func intBits(raw any) (uint64, error) {
	switch v := raw.(type) {
	case json.Number:
		return intBitsFromText(string(v))
	case string:
		return intBitsFromText(v)
	case float64:
		return truncFloat(v)
	case float32:
		return truncFloat(float64(v))
	case int:
		return uint64(v), nil
	case int8:
		return uint64(v), nil
	case int16:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case uintptr:
		return uint64(v), nil
	}
	return 0, fmt.Errorf("%w: %T", errNotNumeric, raw)
}

func intBitsFromText(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return uint64(i), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errNotNumeric, s)
	}
	return truncFloat(f)
}

func truncFloat(f float64) (uint64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", errOutOfRange, f)
	}
	f = math.Trunc(f)
	switch {
	case f >= -(1<<63) && f < 1<<63:
		return uint64(int64(f)), nil
	case f >= 0 && f < 1<<64:
		return uint64(f), nil
	}
	return 0, fmt.Errorf("%w: %v", errOutOfRange, f)
}

func parseUint64(raw any) (uint64, error) {
	switch v := raw.(type) {
	case string, json.Number:
		s := strings.TrimSpace(fmt.Sprint(v))
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an unsigned 64-bit decimal", errNotNumeric, s)
		}
		return u, nil
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= 1<<64 {
			return 0, fmt.Errorf("%w: %v", errOutOfRange, v)
		}
		return uint64(v), nil
	case float32:
		return parseUint64(float64(v))
	case int, int8, int16, int32, int64:
		bits, _ := intBits(v)
		if int64(bits) < 0 {
			return 0, fmt.Errorf("%w: %v", errOutOfRange, v)
		}
		return bits, nil
	case uint, uint8, uint16, uint32, uint64, uintptr:
		return intBits(v)
	}
	return 0, fmt.Errorf("%w: %T", errNotNumeric, raw)
}

func parseInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case string, json.Number:
		s := strings.TrimSpace(fmt.Sprint(v))
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a signed 64-bit decimal", errNotNumeric, s)
		}
		return i, nil
	case float64:
		if v != math.Trunc(v) || v < -(1<<63) || v >= 1<<63 {
			return 0, fmt.Errorf("%w: %v", errOutOfRange, v)
		}
		return int64(v), nil
	case float32:
		return parseInt64(float64(v))
	case int, int8, int16, int32, int64:
		bits, _ := intBits(v)
		return int64(bits), nil
	case uint, uint8, uint16, uint32, uint64, uintptr:
		bits, _ := intBits(v)
		if int64(bits) < 0 {
			return 0, fmt.Errorf("%w: %v", errOutOfRange, v)
		}
		return int64(bits), nil
	}
	return 0, fmt.Errorf("%w: %T", errNotNumeric, raw)
}

func floatValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return strconv.ParseFloat(string(v), 64)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, v)
		}
		return f, nil
	}
	bits, err := intBits(raw)
	if err != nil {
		return 0, err
	}
	switch raw.(type) {
	case uint, uint64, uintptr:
		return float64(bits), nil
	}
	return float64(int64(bits)), nil
}

func byteSlice(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return append([]byte{}, v...), nil
	case []any:
		out := make([]byte, len(v))
		for i, e := range v {
			bits, err := intBits(e)
			if err != nil {
				return nil, fmt.Errorf("byte %d: %w", i, err)
			}
			if int64(bits) < 0 || bits > 0xff {
				return nil, fmt.Errorf("byte %d: %w: %d", i, errOutOfRange, int64(bits))
			}
			out[i] = byte(bits)
		}
		return out, nil
	case []int:
		out := make([]byte, len(v))
		for i, e := range v {
			if e < 0 || e > 0xff {
				return nil, fmt.Errorf("byte %d: %w: %d", i, errOutOfRange, e)
			}
			out[i] = byte(e)
		}
		return out, nil
	case nil:
		return []byte{}, nil
	}
	return nil, fmt.Errorf("expected a byte array, got %T", raw)
}

// ParseAddress accepts 0x-prefixed hex text, decimal text, or an integral
// number and returns it as an address.
func ParseAddress(raw any) (uintptr, error) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		var (
			u   uint64
			err error
		)
		if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
			u, err = strconv.ParseUint(rest, 16, 64)
		} else {
			u, err = strconv.ParseUint(s, 10, 64)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an address", errNotNumeric, s)
		}
		return uintptr(u), nil
	case json.Number:
		return ParseAddress(string(v))
	}
	u, err := parseUint64(raw)
	if err != nil {
		return 0, err
	}
	return uintptr(u), nil
}
