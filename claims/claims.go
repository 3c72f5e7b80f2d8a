// Package claims counts the live records referencing each piece of
// externally stored content.
package claims

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/flowwal/core"
)

// Manager is an in-memory core.ClaimManager keyed by resource. A resource
// whose count drops to zero is queued as destructable until drained.
type Manager struct {
	mu           sync.Mutex
	counts       map[string]int
	destructable map[string]struct{}
	logger       *slog.Logger
}

var _ core.ClaimManager = (*Manager)(nil)

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		counts:       make(map[string]int),
		destructable: make(map[string]struct{}),
		logger:       logger.With("component", "ClaimManager"),
	}
}

// Retain adds a claimant to the claim's resource.
func (m *Manager) Retain(claim *core.ContentClaim) int {
	if claim == nil {
		return 0
	}
	key := claim.ResourceKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	delete(m.destructable, key)
	return m.counts[key]
}

// Release removes a claimant. Releasing a resource with no claimants is
// logged and ignored.
func (m *Manager) Release(claim *core.ContentClaim) int {
	if claim == nil {
		return 0
	}
	key := claim.ResourceKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counts[key]
	if !ok {
		m.logger.Warn("Release of claim without claimants", "resource", key)
		return 0
	}
	n--
	if n > 0 {
		m.counts[key] = n
		return n
	}
	delete(m.counts, key)
	m.destructable[key] = struct{}{}
	return 0
}

// ClaimantCount returns the number of claimants of the claim's resource.
func (m *Manager) ClaimantCount(claim *core.ContentClaim) int {
	if claim == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[claim.ResourceKey()]
}

// Resources returns the number of resources with at least one claimant.
func (m *Manager) Resources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

// Destructable drains and returns the resources that lost their last
// claimant, sorted.
func (m *Manager) Destructable() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.destructable))
	for key := range m.destructable {
		out = append(out, key)
	}
	clear(m.destructable)
	sort.Strings(out)
	return out
}
