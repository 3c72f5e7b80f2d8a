//go:build !unix

package sys

import (
	"fmt"
	"os"
	"time"
)

// AcquireLock creates lockPath exclusively, retrying until timeout elapses.
// The release function removes it.
func AcquireLock(lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() error { return Remove(lockPath) }, nil
		}
		if !os.IsExist(err) || time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s: %v", ErrLocked, lockPath, err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// SyncDir is a no-op where directory handles cannot be synced.
func SyncDir(dir string) error {
	return nil
}
