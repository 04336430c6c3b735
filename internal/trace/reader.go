package trace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time     time.Time
	Duration time.Duration
	Kind     Kind
	Source   string
	Data     []byte
}

// SearchOptions filters entries. Zero fields match everything.
type SearchOptions struct {
	Start time.Time
	End   time.Time

	// Kinds restricts the result to the given kinds.
	Kinds []Kind

	// Sources restricts the result to the given sources.
	Sources []string

	// Limit returns only the last Limit matching entries.
	Limit int
}

type indexEntry struct {
	offset   int64
	unixNano int64
	kind     Kind
	source   int
}

// Reader indexes a trace and iterates over it in timestamp order.
type Reader struct {
	r       io.ReaderAt
	index   []indexEntry
	sources []string
}

// NewReader indexes the trace readable from indexReader and serves entries
// from r. Both usually wrap the same file.
func NewReader(r io.ReaderAt, indexReader io.Reader) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.indexAll(indexReader); err != nil {
		return nil, fmt.Errorf("index trace: %w", err)
	}
	return ret, nil
}

// NewReaderFromBytes indexes an in-memory trace.
func NewReaderFromBytes(b []byte) (*Reader, error) {
	return NewReader(bytes.NewReader(b), bytes.NewReader(b))
}

// NewReaderFromFile opens and indexes filename. The returned closer closes
// the file.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReaderSize(in, 1<<20)
	sourceIDs := make(map[string]int)
	header := make([]byte, headerSize)
	var offset int64

	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", offset, err)
		}
		kind, sourceLength, dataLength, ts, _ := decodeHeader(header)
		if kind == KindInvalid {
			// A zeroed header means a writer reserved space and never filled
			// it, so nothing after it can be trusted.
			return nil
		}

		src := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, src); err != nil {
			return fmt.Errorf("read source at %d: %w", offset, err)
		}
		id, ok := sourceIDs[string(src)]
		if !ok {
			id = len(r.sources)
			sourceIDs[string(src)] = id
			r.sources = append(r.sources, string(src))
		}
		if _, err := br.Discard(int(dataLength)); err != nil {
			return fmt.Errorf("skip data at %d: %w", offset, err)
		}

		r.index = append(r.index, indexEntry{offset: offset, unixNano: ts, kind: kind, source: id})
		offset += headerSize + int64(sourceLength) + int64(dataLength)
	}
}

// Sources returns every source in first-seen order.
func (r *Reader) Sources() []string {
	return slices.Clone(r.sources)
}

// TimeRange returns the earliest and latest start timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.index) == 0 {
		return time.Time{}, time.Time{}
	}
	lo, hi := r.index[0].unixNano, r.index[0].unixNano
	for _, e := range r.index[1:] {
		lo = min(lo, e.unixNano)
		hi = max(hi, e.unixNano)
	}
	return time.Unix(0, lo), time.Unix(0, hi)
}

func (r *Reader) match(opts SearchOptions) []indexEntry {
	var out []indexEntry
	for _, e := range r.index {
		ts := time.Unix(0, e.unixNano)
		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.kind) {
			continue
		}
		if len(opts.Sources) > 0 && !slices.Contains(opts.Sources, r.sources[e.source]) {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b indexEntry) int {
		switch {
		case a.unixNano < b.unixNano:
			return -1
		case a.unixNano > b.unixNano:
			return 1
		}
		return 0
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// Search calls fn for every matching entry in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	header := make([]byte, headerSize)
	for _, e := range r.match(opts) {
		if _, err := r.r.ReadAt(header, e.offset); err != nil {
			return err
		}
		kind, sourceLength, dataLength, ts, d := decodeHeader(header)
		data := make([]byte, dataLength)
		if _, err := r.r.ReadAt(data, e.offset+headerSize+int64(sourceLength)); err != nil && !(errors.Is(err, io.EOF) && dataLength == 0) {
			return err
		}
		entry := Entry{
			Time:     time.Unix(0, ts),
			Duration: d,
			Kind:     kind,
			Source:   r.sources[e.source],
			Data:     data,
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry in timestamp order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of matching entries.
func (r *Reader) Count(opts SearchOptions) int {
	return len(r.match(opts))
}
