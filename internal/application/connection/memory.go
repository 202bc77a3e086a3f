package connection

import (
	"context"
	"sync"
	"time"

	"outreach/internal/domain/outreach"
)

// MemoryTier is the per-process session tier.
type MemoryTier struct {
	name string
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]outreach.StatusEntry
}

func NewMemoryTier(name string, ttl time.Duration) *MemoryTier {
	return &MemoryTier{name: name, ttl: ttl, entries: make(map[string]outreach.StatusEntry)}
}

func (t *MemoryTier) Name() string       { return t.name }
func (t *MemoryTier) TTL() time.Duration { return t.ttl }
func (t *MemoryTier) Shared() bool       { return false }

func (t *MemoryTier) Get(_ context.Context, userID string) (outreach.StatusEntry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok, nil
}

func (t *MemoryTier) Set(_ context.Context, userID string, e outreach.StatusEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = e
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
	return nil
}
