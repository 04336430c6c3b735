package api

import (
	"fmt"

	"github.com/tinyrange/dlbridge/internal/bridgeerr"
	"github.com/tinyrange/dlbridge/internal/dispatch"
	"github.com/tinyrange/dlbridge/internal/ipc"
	"github.com/tinyrange/dlbridge/internal/marshal"
	"github.com/tinyrange/dlbridge/internal/native"
	"github.com/tinyrange/dlbridge/internal/value"
)

// EncodeInvocation writes inv in the MsgCall payload format:
//
//	u32 handle, string symbol, bool hasAddress, u64 address,
//	u8 return tag, bool hasLength, i64 length, bool borrow,
//	u8 argc, argc * (bool transfer, value)
func EncodeInvocation(enc *ipc.Encoder, inv Invocation) {
	enc.Uint32(inv.HandleID)
	enc.String(inv.Symbol)
	enc.Bool(inv.HasAddress)
	enc.Uint64(uint64(inv.Address))
	enc.Uint8(uint8(inv.Return.Tag))
	enc.Bool(inv.Return.HasLength)
	enc.Int64(int64(inv.Return.Length))
	enc.Bool(inv.Return.Borrow)
	enc.Uint8(uint8(len(inv.Args)))
	for _, a := range inv.Args {
		enc.Bool(a.Transfer)
		enc.Value(a.Value)
	}
}

// DecodeInvocation reads a MsgCall payload. Malformed input is a
// ProtocolError; semantic checks are left to the bridge.
func DecodeInvocation(dec *ipc.Decoder) (Invocation, error) {
	var (
		inv Invocation
		err error
	)
	fail := func(what string, err error) (Invocation, error) {
		return Invocation{}, bridgeerr.Wrap(bridgeerr.KindProtocol, "decode", fmt.Errorf("%s: %w", what, err))
	}

	if inv.HandleID, err = dec.Uint32(); err != nil {
		return fail("handle", err)
	}
	if inv.Symbol, err = dec.String(); err != nil {
		return fail("symbol", err)
	}
	if inv.HasAddress, err = dec.Bool(); err != nil {
		return fail("address flag", err)
	}
	addr, err := dec.Uint64()
	if err != nil {
		return fail("address", err)
	}
	inv.Address = uintptr(addr)

	tag, err := dec.Uint8()
	if err != nil {
		return fail("return type", err)
	}
	ret := dispatch.ReturnSpec{Tag: value.Tag(tag)}
	if ret.HasLength, err = dec.Bool(); err != nil {
		return fail("return length flag", err)
	}
	length, err := dec.Int64()
	if err != nil {
		return fail("return length", err)
	}
	ret.Length = int(length)
	if ret.Borrow, err = dec.Bool(); err != nil {
		return fail("borrow flag", err)
	}
	inv.Return = ret

	argc, err := dec.Uint8()
	if err != nil {
		return fail("argument count", err)
	}
	if int(argc) > native.MaxArgs {
		return Invocation{}, bridgeerr.Newf(bridgeerr.KindMarshal, "decode", "%d parameters exceed the limit of %d", argc, native.MaxArgs)
	}
	inv.Args = make([]marshal.Arg, argc)
	for i := range inv.Args {
		if inv.Args[i].Transfer, err = dec.Bool(); err != nil {
			return fail(fmt.Sprintf("param %d transfer flag", i), err)
		}
		if inv.Args[i].Value, err = dec.Value(); err != nil {
			return fail(fmt.Sprintf("param %d", i), err)
		}
	}
	return inv, nil
}

// EncodeLibraries writes a MsgLibraryList result: u32 count, then per
// library u32 handle, string path and u32 in-flight count.
func EncodeLibraries(enc *ipc.Encoder, libs []LibraryInfo) {
	enc.Uint32(uint32(len(libs)))
	for _, l := range libs {
		enc.Uint32(l.HandleID)
		enc.String(l.Path)
		enc.Uint32(uint32(l.InFlight))
	}
}

// DecodeLibraries reads a MsgLibraryList result.
func DecodeLibraries(dec *ipc.Decoder) ([]LibraryInfo, error) {
	n, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(dec.Remaining()) {
		return nil, fmt.Errorf("library count %d exceeds payload", n)
	}
	libs := make([]LibraryInfo, n)
	for i := range libs {
		if libs[i].HandleID, err = dec.Uint32(); err != nil {
			return nil, err
		}
		if libs[i].Path, err = dec.String(); err != nil {
			return nil, err
		}
		inflight, err := dec.Uint32()
		if err != nil {
			return nil, err
		}
		libs[i].InFlight = int(inflight)
	}
	return libs, nil
}
