package sys

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_Exclusive(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	release, err := AcquireLock(lockPath, 0)
	require.NoError(t, err)

	_, err = AcquireLock(lockPath, 50*time.Millisecond)
	require.Error(t, err, "a second acquisition must fail while the lock is held")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())

	release2, err := AcquireLock(lockPath, 0)
	require.NoError(t, err, "lock must be acquirable after release")
	require.NoError(t, release2())
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "missing")))
}
