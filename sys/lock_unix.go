//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireLock takes an exclusive advisory flock on lockPath, retrying until
// timeout elapses. The returned release function unlocks and closes the file.
// The lock file itself is left in place; removing it would race with a
// process that already opened it.
func AcquireLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			release := func() error {
				unlockErr := unix.Flock(fd, unix.LOCK_UN)
				closeErr := f.Close()
				return errors.Join(unlockErr, closeErr)
			}
			return release, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s is held by another process: %v", ErrLocked, lockPath, err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// SyncDir fsyncs a directory so that renames and creations inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
