// Package bridgeerr defines the error taxonomy shared by every layer of the
// bridge. Each error carries a Kind which is what callers on the dynamic side
// of the boundary see; the remaining fields are for humans and logs.
//
//	err := bridgeerr.New(bridgeerr.KindMarshal, "call", "param 1 (u64): not a decimal integer")
//	errors.Is(err, bridgeerr.ErrMarshal) // true
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error at the request boundary.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLibraryLoad
	KindInvalidHandle
	KindSymbolNotFound
	KindMarshal
	KindDecode
	KindProtocol
)

var kindNames = [...]string{
	KindUnknown:        "UnknownError",
	KindLibraryLoad:    "LibraryLoadError",
	KindInvalidHandle:  "InvalidHandle",
	KindSymbolNotFound: "SymbolNotFound",
	KindMarshal:        "MarshalError",
	KindDecode:         "DecodeError",
	KindProtocol:       "ProtocolError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names map to KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrLibraryLoad    = &Error{Kind: KindLibraryLoad}
	ErrInvalidHandle  = &Error{Kind: KindInvalidHandle}
	ErrSymbolNotFound = &Error{Kind: KindSymbolNotFound}
	ErrMarshal        = &Error{Kind: KindMarshal}
	ErrDecode         = &Error{Kind: KindDecode}
	ErrProtocol       = &Error{Kind: KindProtocol}
)

// Error is the structured error returned by bridge operations.
type Error struct {
	Kind   Kind
	Op     string // open, close, resolve, call, read
	Detail string
	Err    error
}

// New builds an Error without a cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf builds an Error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Message returns the human readable part of the error without the kind name.
func (e *Error) Message() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return e.Detail + ": " + e.Err.Error()
	case e.Detail != "":
		return e.Detail
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

// KindOf returns the Kind of err, or KindUnknown if err is not a bridge error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
