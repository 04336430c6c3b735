// Package api composes the registry, marshaller and dispatcher into a
// Bridge, and exposes it to JSON and helper-process callers.
//
// A Bridge is either local, calling into libraries loaded in this process,
// or remote, forwarding every operation to a dlbridge-helper process so that
// a crashing native call cannot take the caller down with it.
package api

import (
	"context"

	"github.com/tinyrange/dlbridge/internal/value"
)

// Bridge is the request boundary. All methods are safe for concurrent use;
// operations on one library handle are serialized.
type Bridge interface {
	// Open loads a library and returns its handle id.
	Open(ctx context.Context, path string) (uint32, error)
	// Close unloads a library once in-flight calls have finished.
	Close(ctx context.Context, id uint32) error
	// Call performs one native call.
	Call(ctx context.Context, req CallRequest) (value.Value, error)
	// UnsafeReadMemory copies length bytes from addr. Apart from rejecting a
	// null address the read is unchecked.
	UnsafeReadMemory(ctx context.Context, addr uintptr, length int) ([]byte, error)
	// Libraries lists the open handles.
	Libraries(ctx context.Context) ([]LibraryInfo, error)
	// Shutdown closes every remaining handle.
	Shutdown() error
}
