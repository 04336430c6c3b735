package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/dlbridge/internal/api"
)

const maxLine = 16 << 20

// serveLines answers every JSON envelope read from in with one JSON line on
// out. Blank lines are skipped. prompt, if non-empty, is written to promptOut
// before each read.
func serveLines(ctx context.Context, r *api.Router, in io.Reader, out *printer, prompt string, promptOut io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for {
		if prompt != "" {
			fmt.Fprint(promptOut, prompt)
		}
		if !sc.Scan() {
			break
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := out.Print(r.HandleLine(ctx, line)); err != nil {
			return err
		}
	}
	if prompt != "" {
		fmt.Fprintln(promptOut)
	}
	return sc.Err()
}

func runRepl(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	bf := addBridgeFlags(fs)
	jq := fs.String("jq", "", "filter each response through a jq expression")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), `USAGE:
  dlbridge repl [flags]

Reads one JSON request per line and writes one JSON response per line:

  {"id":1,"op":"open","args":{"path":"libc.so.6"}}
  {"id":2,"op":"call","args":{"handleId":1,"symbol":"abs","params":[{"type":"i32","value":-4}],"returnType":"i32"}}
  {"id":3,"op":"readMemory","args":{"address":"0x7f0000001000","length":16}}
  {"id":4,"op":"close","args":{"handleId":1}}

FLAGS:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := newPrinter(stdout, *jq, false)
	if err != nil {
		return err
	}

	b, cleanup, err := bf.open(os.Stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	prompt := ""
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prompt = "dlbridge> "
	}
	return serveLines(ctx, api.NewRouter(b), stdin, out, prompt, os.Stderr)
}
