// Package trace is an append-only binary log of bridge operations.
//
// Every record is a fixed 24-byte header followed by the source and the
// data:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes start timestamp (nanoseconds since epoch)
//   - 8 bytes duration (nanoseconds)
//   - source bytes
//   - data bytes
//
// All integers are little endian. Writers reserve space by atomically
// advancing the file offset and then write with WriteAt, so concurrent calls
// never interleave inside a record.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 24

// Kind identifies the operation a record describes.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindOpen
	KindClose
	KindCall
	KindRead
	KindError
)

var kindNames = [...]string{"invalid", "open", "close", "call", "read", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown trace kind %q", name)
}

// Writer is the destination of a trace.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Tracer appends records to a Writer. A nil *Tracer discards everything.
type Tracer struct {
	w      Writer
	offset atomic.Uint64
	failed atomic.Bool
}

// New returns a tracer writing to w from offset 0.
func New(w Writer) *Tracer {
	return &Tracer{w: w}
}

// OpenFile creates or truncates filename and traces into it.
func OpenFile(filename string) (*Tracer, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func encodeHeader(kind Kind, source string, data []byte, start time.Time, d time.Duration) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(start.UnixNano()))
	binary.LittleEndian.PutUint64(header[16:24], uint64(d))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts int64, d time.Duration) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	d = time.Duration(binary.LittleEndian.Uint64(header[16:24]))
	return
}

// Record appends one record. The duration is measured from start to now. A
// write failure disables the tracer; see Failed. Data larger than 4 GiB is
// dropped.
func (t *Tracer) Record(kind Kind, source string, start time.Time, data []byte) {
	if t == nil || t.failed.Load() {
		return
	}
	if len(source) > math.MaxUint16 {
		source = source[:math.MaxUint16]
	}
	if uint64(len(data)) > math.MaxUint32 {
		data = nil
	}

	header := encodeHeader(kind, source, data, start, time.Since(start))
	size := uint64(headerSize + len(source) + len(data))
	off := int64(t.offset.Add(size) - size)

	rec := make([]byte, 0, size)
	rec = append(rec, header...)
	rec = append(rec, source...)
	rec = append(rec, data...)
	if _, err := t.w.WriteAt(rec, off); err != nil {
		t.failed.Store(true)
	}
}

// Recordf is Record with a formatted data payload.
func (t *Tracer) Recordf(kind Kind, source string, start time.Time, format string, args ...any) {
	if t == nil {
		return
	}
	t.Record(kind, source, start, fmt.Appendf(nil, format, args...))
}

// Failed reports whether a write error disabled the tracer.
func (t *Tracer) Failed() bool {
	return t != nil && t.failed.Load()
}

// Size returns the number of bytes reserved so far.
func (t *Tracer) Size() int64 {
	if t == nil {
		return 0
	}
	return int64(t.offset.Load())
}

// Close closes the underlying writer.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}

type write struct {
	off  int64
	data []byte
}

// Memory is an in-memory Writer. It accepts out-of-order writes and
// assembles them on Bytes.
type Memory struct {
	data    sync.Map
	maxSize atomic.Int64
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.data.Store(off, write{off: off, data: append([]byte{}, p...)})
	end := off + int64(len(p))
	for {
		cur := m.maxSize.Load()
		if cur >= end || m.maxSize.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// Bytes assembles everything written so far.
func (m *Memory) Bytes() []byte {
	out := make([]byte, m.maxSize.Load())
	m.data.Range(func(_, v any) bool {
		w := v.(write)
		copy(out[w.off:], w.data)
		return true
	})
	return out
}
