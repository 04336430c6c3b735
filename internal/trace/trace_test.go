package trace

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	mem := new(Memory)
	tr := New(mem)

	start := time.Now()
	tr.Record(KindOpen, "libc.so.6", start, []byte(`{"handleId":1}`))
	tr.Recordf(KindCall, "libc.so.6:strlen", start, "result=%d", 5)
	tr.Record(KindRead, "", start, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var got []Entry
	if err := r.Each(func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Kind != KindOpen || got[0].Source != "libc.so.6" || string(got[0].Data) != `{"handleId":1}` {
		t.Fatalf("entry 0 = %+v", got[0])
	}
	if got[1].Kind != KindCall || string(got[1].Data) != "result=5" {
		t.Fatalf("entry 1 = %+v", got[1])
	}
	if got[2].Kind != KindRead || len(got[2].Data) != 0 {
		t.Fatalf("entry 2 = %+v", got[2])
	}
	if got[0].Time.UnixNano() != start.UnixNano() || got[0].Duration < 0 {
		t.Fatalf("entry 0 timing = %v, %v", got[0].Time, got[0].Duration)
	}
	if s := r.Sources(); len(s) != 3 || s[0] != "libc.so.6" {
		t.Fatalf("Sources() = %q", s)
	}
}

func TestFileTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.trace")
	tr, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	tr.Record(KindCall, "abs", time.Now(), []byte("42"))
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()
	if n := r.Count(SearchOptions{}); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestConcurrentWriters(t *testing.T) {
	mem := new(Memory)
	tr := New(mem)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.Recordf(KindCall, fmt.Sprintf("worker%d", w), time.Now(), "call %d", i)
			}
		}()
	}
	wg.Wait()

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if n := r.Count(SearchOptions{}); n != 400 {
		t.Fatalf("Count = %d, want 400", n)
	}
	if n := r.Count(SearchOptions{Sources: []string{"worker3"}}); n != 50 {
		t.Fatalf("Count(worker3) = %d, want 50", n)
	}

	// Per-source order is preserved.
	next := 0
	if err := r.Search(SearchOptions{Sources: []string{"worker5"}}, func(e Entry) error {
		if want := fmt.Sprintf("call %d", next); string(e.Data) != want {
			return fmt.Errorf("got %q, want %q", e.Data, want)
		}
		next++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSearchFilters(t *testing.T) {
	mem := new(Memory)
	tr := New(mem)
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		kind := KindCall
		if i%2 == 1 {
			kind = KindError
		}
		tr.Record(kind, "f", base.Add(time.Duration(i)*time.Second), []byte{byte(i)})
	}

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if n := r.Count(SearchOptions{Kinds: []Kind{KindError}}); n != 5 {
		t.Fatalf("errors = %d, want 5", n)
	}
	if n := r.Count(SearchOptions{Start: base.Add(3 * time.Second), End: base.Add(6 * time.Second)}); n != 4 {
		t.Fatalf("window = %d, want 4", n)
	}

	var last []byte
	if err := r.Search(SearchOptions{Limit: 2}, func(e Entry) error {
		last = append(last, e.Data...)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0] != 8 || last[1] != 9 {
		t.Fatalf("Limit 2 = %v, want [8 9]", last)
	}

	lo, hi := r.TimeRange()
	if !lo.Equal(base) || !hi.Equal(base.Add(9*time.Second)) {
		t.Fatalf("TimeRange = %v..%v", lo, hi)
	}
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	tr.Record(KindCall, "x", time.Now(), nil)
	tr.Recordf(KindCall, "x", time.Now(), "%d", 1)
	if tr.Size() != 0 || tr.Failed() {
		t.Fatal("nil tracer should be inert")
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKindString(t *testing.T) {
	if KindCall.String() != "call" || Kind(77).String() != "kind(77)" {
		t.Fatalf("unexpected names %q %q", KindCall, Kind(77))
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindOpen, KindClose, KindCall, KindRead, KindError} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("invalid"); err == nil {
		t.Fatal("invalid should not parse")
	}
}
