package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tinyrange/dlbridge/internal/api"
	"github.com/tinyrange/dlbridge/internal/value"
)

// parseParam parses TYPE:VALUE. A TYPE ending in "!" transfers ownership of
// a str or ptr argument to the callee. ptr values are JSON byte arrays;
// everything else is passed as text and coerced by the bridge.
func parseParam(s string) (api.Param, error) {
	typ, raw, ok := strings.Cut(s, ":")
	if !ok {
		return api.Param{}, fmt.Errorf("parameter %q is not TYPE:VALUE", s)
	}
	p := api.Param{Type: typ, Value: raw}
	if t, found := strings.CutSuffix(typ, "!"); found {
		p.Type = t
		p.Transfer = true
	}
	if p.Type == "ptr" {
		var arr []any
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&arr); err != nil {
			return api.Param{}, fmt.Errorf("ptr parameter %q: want a JSON byte array: %w", raw, err)
		}
		p.Value = arr
	}
	return p, nil
}

type callFlags struct {
	*bridgeFlags
	ret     *string
	retLen  *int
	borrow  *bool
	address *string
	request *string
	jq      *string
	indent  *bool
}

func addCallFlags(fs *flag.FlagSet) *callFlags {
	return &callFlags{
		bridgeFlags: addBridgeFlags(fs),
		ret:         fs.String("ret", "void", "return type tag"),
		retLen:      fs.Int("ret-len", -1, "byte length of a ptr return"),
		borrow:      fs.Bool("borrow", false, "do not free a str return"),
		address:     fs.String("address", "", "call this address instead of a symbol"),
		request:     fs.String("request", "", "full CallRequest as JSON; handleId is filled in"),
		jq:          fs.String("jq", "", "filter the JSON output through a jq expression"),
		indent:      fs.Bool("indent", false, "indent JSON output"),
	}
}

// buildRequest assembles a CallRequest from flags and positional arguments
// (everything after the library path).
func (f *callFlags) buildRequest(args []string) (api.CallRequest, error) {
	var req api.CallRequest
	if *f.request != "" {
		dec := json.NewDecoder(strings.NewReader(*f.request))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("-request: %w", err)
		}
		return req, nil
	}

	if *f.address != "" {
		addr, err := value.ParseAddress(*f.address)
		if err != nil {
			return req, fmt.Errorf("-address: %w", err)
		}
		req.Address = api.AddressOf(addr)
	} else {
		if len(args) < 1 {
			return req, fmt.Errorf("symbol required")
		}
		req.Symbol, args = args[0], args[1:]
	}

	for _, a := range args {
		p, err := parseParam(a)
		if err != nil {
			return req, err
		}
		req.Params = append(req.Params, p)
	}
	req.ReturnType = *f.ret
	if *f.retLen >= 0 {
		n := *f.retLen
		req.ReturnLength = &n
	}
	req.BorrowReturn = *f.borrow
	return req, nil
}

func callUsage(fs *flag.FlagSet, synopsis string) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "USAGE:\n  %s\n\nFLAGS:\n", synopsis)
		fs.PrintDefaults()
	}
}

func runCall(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	f := addCallFlags(fs)
	fs.Usage = callUsage(fs, "dlbridge call [flags] <library> <symbol> [TYPE:VALUE...]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("library required")
	}
	out, err := newPrinter(stdout, *f.jq, *f.indent)
	if err != nil {
		return err
	}
	req, err := f.buildRequest(fs.Args()[1:])
	if err != nil {
		return err
	}

	b, cleanup, err := f.open(os.Stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := b.Open(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	req.HandleID = id
	v, err := b.Call(ctx, req)
	if err != nil {
		return err
	}
	return out.Print(api.Response{Result: &v})
}

func runRead(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	f := addCallFlags(fs)
	length := fs.Int("length", 0, "number of bytes to read behind the returned pointer")
	fs.Usage = callUsage(fs, "dlbridge read -length N [flags] <library> <symbol> [TYPE:VALUE...]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("library required")
	}
	out, err := newPrinter(stdout, *f.jq, *f.indent)
	if err != nil {
		return err
	}
	req, err := f.buildRequest(fs.Args()[1:])
	if err != nil {
		return err
	}
	req.ReturnType = "rawptr"
	req.ReturnLength = nil

	b, cleanup, err := f.open(os.Stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := b.Open(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	req.HandleID = id
	ptr, err := b.Call(ctx, req)
	if err != nil {
		return err
	}
	data, err := b.UnsafeReadMemory(ctx, ptr.Addr(), *length)
	if err != nil {
		return err
	}
	buf := value.Buffer(data)
	return out.Print(api.Response{Result: &ptr, Bytes: &buf})
}
