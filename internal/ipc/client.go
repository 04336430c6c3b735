package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xyproto/env/v2"
)

// HelperName is the file name of the helper binary.
const HelperName = "dlbridge-helper"

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("ipc: client closed")

// Client manages a connection to a dlbridge-helper process. Calls are
// serialized on the single connection.
type Client struct {
	conn       net.Conn
	cmd        *exec.Cmd
	mu         sync.Mutex
	closed     atomic.Bool
	socketPath string
	ownsSocket bool
}

// HelperNotFoundError is returned when the helper binary cannot be found.
type HelperNotFoundError struct {
	SearchedPaths []string
}

func (e *HelperNotFoundError) Error() string {
	return fmt.Sprintf("%s not found (searched: %v)", HelperName, e.SearchedPaths)
}

// FindHelper searches for the helper binary: the explicit path, then
// DLBRIDGE_HELPER_PATH, next to the running executable, the per-user bin
// directory and finally $PATH.
func FindHelper(explicit string) (string, []string) {
	var searched []string
	try := func(path string) bool {
		searched = append(searched, path)
		info, err := os.Stat(path)
		return err == nil && !info.IsDir()
	}

	if explicit != "" && try(explicit) {
		return explicit, nil
	}
	env.Load()
	if path := env.Str("DLBRIDGE_HELPER_PATH"); path != "" && try(path) {
		return path, nil
	}
	if exePath, err := os.Executable(); err == nil {
		if path := filepath.Join(filepath.Dir(exePath), HelperName); try(path) {
			return path, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		var path string
		if runtime.GOOS == "darwin" {
			path = filepath.Join(home, "Library", "Application Support", "dlbridge", "bin", HelperName)
		} else {
			path = filepath.Join(home, ".local", "share", "dlbridge", "bin", HelperName)
		}
		if try(path) {
			return path, nil
		}
	}
	if path, err := exec.LookPath(HelperName); err == nil {
		return path, nil
	}
	searched = append(searched, "$PATH")
	return "", searched
}

// SpawnHelper starts a helper process listening on a fresh socket and
// connects to it. Extra arguments are passed to the helper.
func SpawnHelper(helperPath string, args ...string) (*Client, error) {
	path, searched := FindHelper(helperPath)
	if path == "" {
		return nil, &HelperNotFoundError{SearchedPaths: searched}
	}

	socketPath := SocketPath()
	cmd := exec.Command(path, append([]string{"-socket", socketPath}, args...)...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", HelperName, err)
	}

	conn, err := dialRetry(socketPath, 10*time.Second)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(socketPath)
		return nil, fmt.Errorf("connect to %s: %w", HelperName, err)
	}

	return &Client{
		conn:       conn,
		cmd:        cmd,
		socketPath: socketPath,
		ownsSocket: true,
	}, nil
}

func dialRetry(socketPath string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return nil, lastErr
}

// ConnectTo connects to an existing helper at the given socket path.
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, socketPath: socketPath}, nil
}

// Close shuts down the connection and, for a spawned helper, the process.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.cmd != nil && c.cmd.Process != nil {
		// The helper exits when its only connection closes.
		done := make(chan struct{})
		go func() {
			c.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.cmd.Process.Kill()
			<-done
		}
	}

	if c.ownsSocket {
		os.Remove(c.socketPath)
	}
	return errors.Join(errs...)
}

// Call sends a request and waits for a response. Error responses are
// returned as *IPCError; a successful payload still starts with its OK byte.
func (c *Client) Call(msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := WriteMessage(c.conn, msgType, payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	header, resp, err := ReadMessage(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("read response: helper closed the connection")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if header.Type == MsgError {
		ipcErr, err := DecodeError(NewDecoder(resp))
		if err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		if ipcErr != nil {
			return nil, ipcErr
		}
	}
	return resp, nil
}

// Do is Call followed by decoding the error prefix. The returned decoder is
// positioned at the result.
func (c *Client) Do(msgType uint16, encode func(*Encoder)) (*Decoder, error) {
	enc := NewEncoder()
	if encode != nil {
		encode(enc)
	}
	resp, err := c.Call(msgType, enc.Bytes())
	if err != nil {
		return nil, err
	}
	dec := NewDecoder(resp)
	ipcErr, err := DecodeError(dec)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ipcErr != nil {
		return nil, ipcErr
	}
	return dec, nil
}

// Ping checks that the helper is responsive.
func (c *Client) Ping() error {
	_, err := c.Do(MsgPing, nil)
	return err
}
