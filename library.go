package dlbridge

import (
	"context"
	"fmt"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/bridgeerr"
)

// Method is the signature of one native function.
type Method struct {
	// Params lists the parameter type tags in order.
	Params []string `json:"params,omitempty" yaml:"params,omitempty"`
	// Returns is the return type tag. Empty means void.
	Returns string `json:"returns,omitempty" yaml:"returns,omitempty"`
	// ReturnLength is the byte count of a ptr return.
	ReturnLength *int `json:"returnLength,omitempty" yaml:"return_length,omitempty"`
	// Borrow leaves a str return with the callee instead of freeing it.
	Borrow bool `json:"borrow,omitempty" yaml:"borrow,omitempty"`
}

// Methods maps symbol names to their signatures.
type Methods map[string]Method

// Library is an open native library with a table of known methods.
type Library struct {
	b       Bridge
	id      uint32
	name    string
	methods Methods
}

// Open loads name through b and attaches methods to it.
func Open(ctx context.Context, b Bridge, name string, methods Methods) (*Library, error) {
	id, err := b.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if methods == nil {
		methods = Methods{}
	}
	return &Library{b: b, id: id, name: name, methods: methods}, nil
}

// ID returns the library's handle id.
func (l *Library) ID() uint32 { return l.id }

// Name returns the name the library was opened with.
func (l *Library) Name() string { return l.name }

// Methods returns the method table.
func (l *Library) Methods() Methods { return l.methods }

// Call invokes the named method. The argument count is checked against the
// method table before anything is sent.
func (l *Library) Call(ctx context.Context, name string, args ...any) (Value, error) {
	m, ok := l.methods[name]
	if !ok {
		return Value{}, bridgeerr.Newf(bridgeerr.KindMarshal, "call", "method %q is not defined", name)
	}
	req, err := m.request(args)
	if err != nil {
		return Value{}, err
	}
	req.HandleID = l.id
	req.Symbol = name
	return l.b.Call(ctx, req)
}

// CallAddress invokes the function at addr with an inline signature. The
// library stays acquired for the duration of the call.
func (l *Library) CallAddress(ctx context.Context, addr uintptr, def Method, args ...any) (Value, error) {
	req, err := def.request(args)
	if err != nil {
		return Value{}, err
	}
	req.HandleID = l.id
	req.Address = api.AddressOf(addr)
	return l.b.Call(ctx, req)
}

// Close unloads the library.
func (l *Library) Close(ctx context.Context) error {
	return l.b.Close(ctx, l.id)
}

func (m Method) request(args []any) (CallRequest, error) {
	if len(args) != len(m.Params) {
		return CallRequest{}, bridgeerr.New(bridgeerr.KindMarshal, "call",
			fmt.Sprintf("expected %d params, but found %d", len(m.Params), len(args)))
	}
	params := make([]Param, len(args))
	for i, a := range args {
		params[i] = Param{Type: m.Params[i], Value: a}
	}
	return CallRequest{
		Params:       params,
		ReturnType:   m.Returns,
		ReturnLength: m.ReturnLength,
		BorrowReturn: m.Borrow,
	}, nil
}

// ReadPointer copies n bytes at addr. Only a null address is rejected; any
// other invalid address faults the process owning it.
func ReadPointer(ctx context.Context, b Bridge, addr uintptr, n int) ([]byte, error) {
	return b.UnsafeReadMemory(ctx, addr, n)
}
