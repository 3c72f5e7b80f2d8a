// Package testutil holds helpers shared by repository and tool tests.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/INLOpen/flowwal/core"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Queue is a minimal core.Queue.
type Queue string

func (q Queue) Identifier() string { return string(q) }

// Queues builds a routing map with one Queue per identifier.
func Queues(ids ...string) map[string]core.Queue {
	m := make(map[string]core.Queue, len(ids))
	for _, id := range ids {
		m[id] = Queue(id)
	}
	return m
}

// RequireWALPresent asserts that the wal/ directory exists under dataDir
// and contains at least one segment.
func RequireWALPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListSegmentFiles(dataDir)
	if err != nil {
		t.Fatalf("expected wal directory under %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected wal segments under %s, none found", dataDir)
	}
}

// ListSegmentFiles returns the segment paths under dataDir/wal ordered by
// segment index. Other files are ignored.
func ListSegmentFiles(dataDir string) ([]string, error) {
	walDir := filepath.Join(dataDir, core.WALDirName)
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return nil, err
	}
	type segment struct {
		index uint64
		path  string
	}
	var segments []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(e.Name()); err == nil {
			segments = append(segments, segment{index, filepath.Join(walDir, e.Name())})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })
	files := make([]string, len(segments))
	for i, s := range segments {
		files[i] = s.path
	}
	return files, nil
}

// LastNonEmptySegment returns the newest segment holding more than a header.
func LastNonEmptySegment(t *testing.T, dataDir string) string {
	t.Helper()
	files, err := ListSegmentFiles(dataDir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	for i := len(files) - 1; i >= 0; i-- {
		stat, err := os.Stat(files[i])
		if err != nil {
			t.Fatalf("stat %s: %v", files[i], err)
		}
		if stat.Size() > int64(core.FileHeaderSize) {
			return files[i]
		}
	}
	t.Fatalf("no segment with entries under %s", dataDir)
	return ""
}

// TruncateTail cuts n bytes from the end of path, simulating a write torn
// by a crash.
func TruncateTail(t *testing.T, path string, n int64) {
	t.Helper()
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if n > stat.Size() {
		t.Fatalf("cannot cut %d bytes from %s of size %d", n, path, stat.Size())
	}
	if err := os.Truncate(path, stat.Size()-n); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
}

// FlipByte inverts the byte at offset in path.
func FlipByte(t *testing.T, path string, offset int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if offset < 0 || offset >= int64(len(data)) {
		t.Fatalf("offset %d outside %s of size %d", offset, path, len(data))
	}
	data[offset] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
