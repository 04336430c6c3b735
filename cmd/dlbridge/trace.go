package main

import (
	"flag"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/tinyrange/dlbridge/internal/trace"
)

type traceRecord struct {
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"durationNs"`
	Kind     string        `json:"kind"`
	Source   string        `json:"source"`
	Data     string        `json:"data"`
}

func runTrace(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	list := fs.Bool("list", false, "list all sources in the trace")
	timeRange := fs.Bool("range", false, "print the earliest and latest timestamps")
	kinds := fs.String("kind", "", "comma separated kinds to show (open, close, call, read, error)")
	source := fs.String("source", "", "regex to filter sources")
	match := fs.String("match", "", "regex to filter record data")
	limit := fs.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := fs.Bool("tail", false, "show last N entries instead of first N")
	asJSON := fs.Bool("json", false, "print one JSON object per entry")
	jq := fs.String("jq", "", "filter JSON entries through a jq expression (implies -json)")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), `USAGE:
  dlbridge trace [flags] <filename>

OUTPUT FORMAT:
  TIMESTAMP DURATION KIND [SOURCE] DATA

FLAGS:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace file required")
	}

	reader, closer, err := trace.NewReaderFromFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Fprintln(stdout, src)
		}
		return nil
	}
	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Fprintf(stdout, "earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var opts trace.SearchOptions
	if *kinds != "" {
		for _, name := range strings.Split(*kinds, ",") {
			k, err := trace.ParseKind(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			opts.Kinds = append(opts.Kinds, k)
		}
	}
	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var entries []trace.Entry
	if err := reader.Search(opts, func(e trace.Entry) error {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(e.Data) {
			return nil
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		if !*tail {
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for the last %d, or raise -limit", len(entries), *limit, *limit)
		}
		entries = entries[len(entries)-*limit:]
	}

	if *asJSON || *jq != "" {
		out, err := newPrinter(stdout, *jq, false)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := out.Print(traceRecord{
				Time:     e.Time,
				Duration: e.Duration,
				Kind:     e.Kind.String(),
				Source:   e.Source,
				Data:     string(e.Data),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, e := range entries {
		fmt.Fprintf(stdout, "%s %s %s [%s] %s\n", e.Time.Format(time.RFC3339Nano), e.Duration, e.Kind, e.Source, e.Data)
	}
	return nil
}
