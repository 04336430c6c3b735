package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/itchyny/gojq"
)

// printer writes JSON values, optionally through a jq filter.
type printer struct {
	w      io.Writer
	query  *gojq.Query
	indent bool
}

func newPrinter(w io.Writer, filter string, indent bool) (*printer, error) {
	p := &printer{w: w, indent: indent}
	if filter != "" {
		q, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("invalid -jq filter: %w", err)
		}
		p.query = q
	}
	return p, nil
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	if p.indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Print writes v, or every result of the filter applied to v.
func (p *printer) Print(v any) error {
	if p.query == nil {
		return p.encode(v)
	}

	// gojq only understands the plain JSON model.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var in any
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	iter := p.query.Run(in)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if s, isStr := out.(string); isStr {
			if _, err := fmt.Fprintln(p.w, s); err != nil {
				return err
			}
			continue
		}
		if err := p.encode(out); err != nil {
			return err
		}
	}
}
