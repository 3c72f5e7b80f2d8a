package claims

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/INLOpen/flowwal/core"
	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestManager_RetainRelease(t *testing.T) {
	m := newTestManager()
	a := &core.ContentClaim{Container: "default", Section: "1", ID: "res-1", Offset: 0, Length: 10}
	b := &core.ContentClaim{Container: "default", Section: "1", ID: "res-1", Offset: 10, Length: 5}
	other := &core.ContentClaim{Container: "default", Section: "2", ID: "res-2"}

	assert.Equal(t, 1, m.Retain(a))
	assert.Equal(t, 2, m.Retain(b), "claims on the same resource share a count")
	assert.Equal(t, 1, m.Retain(other))
	assert.Equal(t, 2, m.Resources())

	assert.Equal(t, 1, m.Release(a))
	assert.Empty(t, m.Destructable())
	assert.Equal(t, 0, m.Release(b))
	assert.Equal(t, 0, m.ClaimantCount(a))
	assert.Equal(t, []string{"default/1/res-1"}, m.Destructable())
	assert.Empty(t, m.Destructable(), "Destructable drains")

	t.Run("RetainRevivesResource", func(t *testing.T) {
		assert.Equal(t, 0, m.Release(other))
		assert.Equal(t, 1, m.Retain(other))
		assert.Empty(t, m.Destructable())
	})

	t.Run("ReleaseWithoutClaimants", func(t *testing.T) {
		unknown := &core.ContentClaim{Container: "x", Section: "y", ID: "z"}
		assert.Equal(t, 0, m.Release(unknown))
		assert.Empty(t, m.Destructable())
	})

	t.Run("NilClaims", func(t *testing.T) {
		assert.Equal(t, 0, m.Retain(nil))
		assert.Equal(t, 0, m.Release(nil))
		assert.Equal(t, 0, m.ClaimantCount(nil))
	})
}

func TestManager_Concurrent(t *testing.T) {
	m := newTestManager()
	claim := &core.ContentClaim{Container: "c", Section: "s", ID: "shared"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Retain(claim)
			}
			for j := 0; j < 50; j++ {
				m.Release(claim)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16*50, m.ClaimantCount(claim))
}
