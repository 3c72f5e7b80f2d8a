package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/INLOpen/flowwal/core"
	"golang.org/x/sync/errgroup"
)

// Scan calls fn for every complete entry in dir, in append order, without
// modifying any file. An incomplete trailing entry ends its segment quietly;
// a corrupt entry stops the scan with a CorruptEntryError. Returning an
// error from fn stops the scan and returns that error.
func Scan(dir string, fn func(Entry) error) error {
	indexes, err := listSegments(dir)
	if err != nil {
		return err
	}
	for _, index := range indexes {
		if err := scanSegment(filepath.Join(dir, core.FormatSegmentFileName(index)), fn); err != nil {
			return err
		}
	}
	return nil
}

func scanSegment(path string, fn func(Entry) error) error {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		entry, err := reader.Next()
		if err == io.EOF || errors.Is(err, errTornEntry) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// SegmentReport is the outcome of verifying one segment.
type SegmentReport struct {
	Index       uint64
	Path        string
	Compression core.CompressionType
	Entries     int
	ValidBytes  int64
	// TornBytes counts trailing bytes that do not form a complete entry.
	TornBytes int64
	// Err is set when the segment cannot be read back.
	Err error
}

// OK reports whether the segment is fully readable. A torn tail is not an error.
func (r SegmentReport) OK() bool { return r.Err == nil }

// Verify reads every segment in dir concurrently and reports on each. At
// most concurrency segments are open at once; a value below one uses
// GOMAXPROCS. The returned error is only set when verification itself could
// not run; per-segment problems are reported in SegmentReport.Err.
func Verify(ctx context.Context, dir string, concurrency int) ([]SegmentReport, error) {
	indexes, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	reports := make([]SegmentReport, len(indexes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, index := range indexes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = verifySegment(ctx, filepath.Join(dir, core.FormatSegmentFileName(index)), index)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("WAL verification interrupted: %w", err)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Index < reports[j].Index })
	return reports, nil
}

func verifySegment(ctx context.Context, path string, index uint64) SegmentReport {
	report := SegmentReport{Index: index, Path: path}
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		report.Err = err
		return report
	}
	defer reader.Close()
	report.Compression = reader.Header().CompressorType
	if reader.Empty() {
		return report
	}

	for ctx.Err() == nil {
		_, err := reader.Next()
		if err == nil {
			report.Entries++
			continue
		}
		report.ValidBytes = reader.Offset()
		if errors.Is(err, errTornEntry) {
			if stat, statErr := reader.file.Stat(); statErr == nil {
				report.TornBytes = stat.Size() - reader.Offset()
			}
		} else if err != io.EOF {
			report.Err = err
		}
		return report
	}
	report.Err = ctx.Err()
	return report
}
