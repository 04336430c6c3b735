package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// socketCounter provides unique socket paths when multiple helpers are spawned concurrently.
var socketCounter atomic.Uint64

// SocketPath returns a fresh Unix socket path in the temp directory. The
// name stays short enough for the 104-byte sun_path limit on darwin.
func SocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("dlbridge-%d-%x-%d.sock",
		os.Getpid(), time.Now().UnixNano()&0xffffffff, socketCounter.Add(1)))
}
