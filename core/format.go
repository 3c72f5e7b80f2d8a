package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and file names used by the repository.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a write-ahead log segment file.
	WALMagicNumber uint32 = 0xF10BA7A1
	// SnapshotMagicNumber identifies a repository snapshot file.
	SnapshotMagicNumber uint32 = 0x534E4150 // "SNAP"
)

// --- File Names & Prefixes ---
const (
	// WALDirName is the subdirectory of the repository holding segments.
	WALDirName = "wal"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// SnapshotFileName is the name of the file storing the latest checkpoint.
	SnapshotFileName = "SNAPSHOT"
	// LockFileName guards a repository directory against a second process.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version of the segment and snapshot file layout.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024 // 64 MiB
	// MaxEntrySize bounds a single framed entry payload.
	MaxEntrySize = 32 * 1024 * 1024 // 32 MiB
	// EntryHeaderSize is version(4) + kind(1) + id(8) + payloadLen(4) + headerCRC(4).
	EntryHeaderSize = 21
	ChecksumSize    = 4
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}
