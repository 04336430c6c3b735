// Package dlbridge calls functions in native shared libraries from data:
// a library path, a symbol or raw address, a signature made of type tags and
// a list of loosely typed argument values.
//
// A Bridge is either in-process (New) or backed by a dlbridge-helper
// process (SpawnHelper), which keeps native crashes out of the caller.
package dlbridge

import (
	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/value"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Bridge performs native calls. It is implemented by *Local and *Remote.
type Bridge = api.Bridge

// Local is a Bridge calling into libraries loaded by this process.
type Local = api.Local

// Remote is a Bridge whose libraries live in a helper process.
type Remote = api.Remote

// CallRequest describes one native call.
type CallRequest = api.CallRequest

// Param is one call parameter.
type Param = api.Param

// Address is a native address that accepts numbers or hex text in JSON.
type Address = api.Address

// LibraryInfo describes an open library.
type LibraryInfo = api.LibraryInfo

// ScratchBuffer locates a str or ptr argument during a CallWith hook.
type ScratchBuffer = api.ScratchBuffer

// Response is the JSON answer to a routed operation.
type Response = api.Response

// Option configures a local bridge.
type Option = api.Option

// Value is a tagged native value.
type Value = value.Value

// Tag is a native type tag such as "i32" or "str".
type Tag = value.Tag

// Error is the structured error returned by bridge operations.
type Error = bridgeerr.Error

// Kind categorizes an Error.
type Kind = bridgeerr.Kind

// Error kinds.
const (
	KindLibraryLoad    = bridgeerr.KindLibraryLoad
	KindInvalidHandle  = bridgeerr.KindInvalidHandle
	KindSymbolNotFound = bridgeerr.KindSymbolNotFound
	KindMarshal        = bridgeerr.KindMarshal
	KindDecode         = bridgeerr.KindDecode
	KindProtocol       = bridgeerr.KindProtocol
)

// Sentinels for errors.Is.
var (
	ErrLibraryLoad    = bridgeerr.ErrLibraryLoad
	ErrInvalidHandle  = bridgeerr.ErrInvalidHandle
	ErrSymbolNotFound = bridgeerr.ErrSymbolNotFound
	ErrMarshal        = bridgeerr.ErrMarshal
	ErrDecode         = bridgeerr.ErrDecode
	ErrProtocol       = bridgeerr.ErrProtocol
)

// Options
var (
	WithLogger      = api.WithLogger
	WithTracer      = api.WithTracer
	WithSearchPaths = api.WithSearchPaths
)

// New creates an in-process bridge.
func New(opts ...Option) *Local {
	return api.New(opts...)
}

// SpawnHelper starts a dlbridge-helper process and returns a bridge backed
// by it. An empty helperPath searches the usual install locations.
func SpawnHelper(helperPath string, args ...string) (*Remote, error) {
	return api.SpawnHelper(helperPath, args...)
}

// ConnectHelper connects to a helper already listening on socketPath.
func ConnectHelper(socketPath string) (*Remote, error) {
	return api.ConnectHelper(socketPath)
}

// KindOf returns the kind of err, or zero if err is not a bridge error.
func KindOf(err error) Kind {
	return bridgeerr.KindOf(err)
}
