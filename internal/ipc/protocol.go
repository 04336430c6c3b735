// Package ipc is the binary protocol spoken between a bridge client and the
// dlbridge-helper process that owns the native libraries.
//
// Wire format:
//
//	[2 bytes: msg_type (big endian)]
//	[4 bytes: payload_len (big endian)]
//	[payload_len bytes: payload]
//
// Every response payload starts with a one byte error code. Zero means
// success and is followed by the result; anything else is followed by the
// message and op strings.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
)

// Message types, grouped by category in the high byte.
const (
	// Library lifecycle (0x01xx)
	MsgLibraryOpen  uint16 = 0x0100
	MsgLibraryClose uint16 = 0x0101
	MsgLibraryList  uint16 = 0x0102

	// Calls (0x02xx)
	MsgCall uint16 = 0x0200

	// Memory (0x03xx)
	MsgReadMemory uint16 = 0x0300

	// Liveness (0x04xx)
	MsgPing uint16 = 0x0400

	// Response types (0xFFxx)
	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// MaxPayload bounds a single message.
const MaxPayload = 64 << 20

// Header represents a message header.
type Header struct {
	Type   uint16
	Length uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 6

// ReadHeader reads a message header from the reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WriteHeader writes a message header to the writer.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// WriteMessage writes a header and payload in a single write.
func WriteMessage(w io.Writer, msgType uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a header and its payload.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Length > MaxPayload {
		return h, nil, fmt.Errorf("payload of %d bytes exceeds limit", h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// Encoder writes IPC messages.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Uint8 appends a uint8.
func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

// Uint16 appends a uint16 (big endian).
func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

// Uint32 appends a uint32 (big endian).
func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// Uint64 appends a uint64 (big endian).
func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// Int64 appends an int64 (big endian).
func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

// Bool appends a bool (1 byte).
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// String appends a length-prefixed string (4 bytes length + data).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends a length-prefixed byte slice (4 bytes length + data).
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder reads IPC messages.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder for the given bytes.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a uint16 (big endian).
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a uint32 (big endian).
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a uint64 (big endian).
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int64 reads an int64 (big endian).
func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Bool reads a bool (1 byte).
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	return v != 0, err
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// Bytes reads a length-prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(length))
	if err != nil {
		return nil, err
	}
	return append([]byte{}, b...), nil
}

// Error codes carried in responses. Codes 1 through 6 are the bridge error
// kinds with the same numeric value.
const (
	ErrCodeOK             = 0
	ErrCodeLibraryLoad    = uint8(bridgeerr.KindLibraryLoad)
	ErrCodeInvalidHandle  = uint8(bridgeerr.KindInvalidHandle)
	ErrCodeSymbolNotFound = uint8(bridgeerr.KindSymbolNotFound)
	ErrCodeMarshal        = uint8(bridgeerr.KindMarshal)
	ErrCodeDecode         = uint8(bridgeerr.KindDecode)
	ErrCodeProtocol       = uint8(bridgeerr.KindProtocol)
	ErrCodeIO             = 7
	ErrCodeUnknown        = 99
)

// IPCError is an error received from or sent to the peer.
type IPCError struct {
	Code    uint8
	Message string
	Op      string
}

func (e *IPCError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Kind returns the bridge error kind carried by the code.
func (e *IPCError) Kind() bridgeerr.Kind {
	if e.Code >= ErrCodeLibraryLoad && e.Code <= ErrCodeProtocol {
		return bridgeerr.Kind(e.Code)
	}
	if e.Code == ErrCodeIO {
		return bridgeerr.KindProtocol
	}
	return bridgeerr.KindUnknown
}

// BridgeError converts e back into the error taxonomy.
func (e *IPCError) BridgeError() *bridgeerr.Error {
	return bridgeerr.New(e.Kind(), e.Op, e.Message)
}

// FromError maps any error onto the wire representation.
func FromError(err error) *IPCError {
	var ipcErr *IPCError
	if errors.As(err, &ipcErr) {
		return ipcErr
	}
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		code := uint8(be.Kind)
		if be.Kind == bridgeerr.KindUnknown {
			code = ErrCodeUnknown
		}
		return &IPCError{Code: code, Message: be.Message(), Op: be.Op}
	}
	return &IPCError{Code: ErrCodeUnknown, Message: err.Error()}
}

// EncodeError encodes an error response.
func EncodeError(enc *Encoder, e *IPCError) {
	enc.Uint8(e.Code)
	enc.String(e.Message)
	enc.String(e.Op)
}

// DecodeError decodes the error prefix of a response. It returns nil, nil on
// success, leaving dec positioned at the result.
func DecodeError(dec *Decoder) (*IPCError, error) {
	code, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	if code == ErrCodeOK {
		return nil, nil
	}
	message, err := dec.String()
	if err != nil {
		return nil, err
	}
	op, err := dec.String()
	if err != nil {
		return nil, err
	}
	return &IPCError{Code: code, Message: message, Op: op}, nil
}
