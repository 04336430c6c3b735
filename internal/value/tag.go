// Package value implements the dynamic value model exchanged with callers on
// the other side of the bridge: a closed set of type tags and a tagged union
// carrying one payload per tag.
package value

import "fmt"

// Tag names one native representation. The set is closed; every switch over
// Tag in this module is exhaustive.
type Tag uint8

const (
	TagVoid Tag = iota
	TagU8
	TagI8
	TagU16
	TagI16
	TagU32
	TagI32
	TagU64
	TagI64
	TagF32
	TagF64
	TagString     // NUL-terminated UTF-8 ("str")
	TagBuffer     // pointer to bytes ("ptr")
	TagRawPointer // opaque address ("rawptr")
	TagChar       // u8 on the wire; accepts a one-character string as input
)

var tagNames = [...]string{
	TagVoid:       "void",
	TagU8:         "u8",
	TagI8:         "i8",
	TagU16:        "u16",
	TagI16:        "i16",
	TagU32:        "u32",
	TagI32:        "i32",
	TagU64:        "u64",
	TagI64:        "i64",
	TagF32:        "f32",
	TagF64:        "f64",
	TagString:     "str",
	TagBuffer:     "ptr",
	TagRawPointer: "rawptr",
	TagChar:       "char",
}

var tagAliases = map[string]Tag{
	"raw_ptr": TagRawPointer,
}

// ParseTag parses a wire tag name.
func ParseTag(name string) (Tag, error) {
	for t, n := range tagNames {
		if n == name {
			return Tag(t), nil
		}
	}
	if t, ok := tagAliases[name]; ok {
		return t, nil
	}
	return TagVoid, fmt.Errorf("unknown type tag %q", name)
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool { return int(t) < len(tagNames) }

// Size returns the native width in bytes of a scalar tag. Pointer-like tags
// report the pointer width; void reports 0.
func (t Tag) Size() int {
	switch t {
	case TagVoid:
		return 0
	case TagU8, TagI8, TagChar:
		return 1
	case TagU16, TagI16:
		return 2
	case TagU32, TagI32, TagF32:
		return 4
	case TagU64, TagI64, TagF64:
		return 8
	case TagString, TagBuffer, TagRawPointer:
		return ptrSize
	}
	return 0
}

// IsInteger reports whether t is a fixed-width integer tag.
func (t Tag) IsInteger() bool {
	switch t {
	case TagU8, TagI8, TagU16, TagI16, TagU32, TagI32, TagU64, TagI64, TagChar:
		return true
	}
	return false
}

// IsSigned reports whether t is a signed integer tag.
func (t Tag) IsSigned() bool {
	switch t {
	case TagI8, TagI16, TagI32, TagI64:
		return true
	}
	return false
}

// IsFloat reports whether t is f32 or f64.
func (t Tag) IsFloat() bool { return t == TagF32 || t == TagF64 }

// IsPointer reports whether t is passed as an address.
func (t Tag) IsPointer() bool {
	return t == TagString || t == TagBuffer || t == TagRawPointer
}

const ptrSize = 4 << (^uintptr(0) >> 63)
