package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File used by the log and snapshot writers.
// Tests substitute implementations to inject I/O failures.
type FileHandle interface {
	io.ReadWriteCloser
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

var _ FileHandle = (*os.File)(nil)

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = func(name string) error {
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
