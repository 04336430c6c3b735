package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/dispatch"
	"github.com/tinyrange/dlbridge/internal/marshal"
	"github.com/tinyrange/dlbridge/internal/value"
)

// Address is a native address. In JSON it is accepted as a number, decimal
// text or 0x-prefixed hex text, and rendered as hex text.
type Address uintptr

// AddressOf returns a pointer to a, for optional request fields.
func AddressOf(a uintptr) *Address {
	addr := Address(a)
	return &addr
}

func (a Address) String() string { return value.FormatAddress(uintptr(a)) }

// MarshalJSON implements json.Marshaler.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Address) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	p, err := value.ParseAddress(raw)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindMarshal, "address", err)
	}
	*a = Address(p)
	return nil
}

// Param is one call parameter.
type Param struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
	// Transfer passes ownership of a str or ptr buffer to the callee.
	Transfer bool `json:"transfer,omitempty"`
}

// CallRequest describes one native call. Address, when present, wins over
// Symbol.
type CallRequest struct {
	HandleID     uint32   `json:"handleId,omitempty"`
	Address      *Address `json:"address,omitempty"`
	Symbol       string   `json:"symbol,omitempty"`
	Params       []Param  `json:"params"`
	ReturnType   string   `json:"returnType"`
	ReturnLength *int     `json:"returnLength,omitempty"`
	BorrowReturn bool     `json:"borrowReturn,omitempty"`
}

// ReadRequest asks for a copy of native memory.
type ReadRequest struct {
	Address Address `json:"address"`
	Length  int     `json:"length"`
}

// OpenRequest asks to load a library.
type OpenRequest struct {
	Path string `json:"path"`
}

// CloseRequest asks to unload a library.
type CloseRequest struct {
	HandleID uint32 `json:"handleId"`
}

// LibraryInfo describes an open library.
type LibraryInfo struct {
	HandleID uint32 `json:"handleId"`
	Path     string `json:"path"`
	InFlight int    `json:"inFlight"`
}

// ScratchBuffer is where a str or ptr argument was placed for a call. The
// memory is only valid inside a CallWith inspection hook.
type ScratchBuffer struct {
	Param   int
	Address uintptr
	Length  int
}

// Invocation is a call request with every parameter already coerced. It is
// what actually crosses the helper protocol.
type Invocation struct {
	HandleID   uint32
	Symbol     string
	Address    uintptr
	HasAddress bool
	Args       []marshal.Arg
	Return     dispatch.ReturnSpec
}

// Target names the function in log and trace output.
func (inv Invocation) Target() string {
	if inv.HasAddress {
		return value.FormatAddress(inv.Address)
	}
	return inv.Symbol
}

// Compile validates r and coerces its parameters. Every MarshalError a
// request can produce is reported here, before any library is touched.
func (r CallRequest) Compile() (Invocation, error) {
	ret := value.TagVoid
	if r.ReturnType != "" {
		t, err := value.ParseTag(r.ReturnType)
		if err != nil {
			return Invocation{}, bridgeerr.Wrap(bridgeerr.KindMarshal, "call", fmt.Errorf("returnType: %w", err))
		}
		ret = t
	}
	spec := dispatch.ReturnSpec{Tag: ret, Borrow: r.BorrowReturn}
	if r.ReturnLength != nil {
		spec.Length = *r.ReturnLength
		spec.HasLength = true
	}
	if err := spec.Validate(); err != nil {
		return Invocation{}, err
	}

	params := make([]marshal.Param, len(r.Params))
	for i, p := range r.Params {
		t, err := value.ParseTag(p.Type)
		if err != nil {
			return Invocation{}, bridgeerr.Wrap(bridgeerr.KindMarshal, "call", fmt.Errorf("param %d: %w", i, err))
		}
		params[i] = marshal.Param{Type: t, Value: p.Value, Transfer: p.Transfer}
	}
	args, err := marshal.Coerce(params)
	if err != nil {
		return Invocation{}, err
	}

	inv := Invocation{
		HandleID: r.HandleID,
		Symbol:   r.Symbol,
		Args:     args,
		Return:   spec,
	}
	if r.Address != nil {
		inv.Address = uintptr(*r.Address)
		inv.HasAddress = true
	}
	if !inv.HasAddress && inv.Symbol == "" {
		return Invocation{}, bridgeerr.New(bridgeerr.KindMarshal, "call", "request names neither a symbol nor an address")
	}
	return inv, nil
}

// checkRead validates a memory read before anything is dereferenced.
func checkRead(addr uintptr, length int) error {
	if length < 0 {
		return bridgeerr.Newf(bridgeerr.KindMarshal, "read", "negative length %d", length)
	}
	if addr == 0 && length > 0 {
		return bridgeerr.New(bridgeerr.KindDecode, "read", "read from null address")
	}
	return nil
}
