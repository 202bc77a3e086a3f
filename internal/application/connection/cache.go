package connection

import (
	"context"
	"log/slog"
	"time"

	"outreach/internal/domain/outreach"
)

// Tier is one layer of the status cache. Tiers are consulted cheapest first.
type Tier interface {
	Name() string
	TTL() time.Duration
	// Shared tiers are visible to other instances; local tiers are not.
	Shared() bool
	Get(ctx context.Context, userID string) (outreach.StatusEntry, bool, error)
	Set(ctx context.Context, userID string, e outreach.StatusEntry) error
	Delete(ctx context.Context, userID string) error
}

// StatusCache layers tiers behind a single get/set/invalidate surface. Tier
// failures are logged and treated as a miss.
type StatusCache struct {
	tiers  []Tier
	now    func() time.Time
	logger *slog.Logger
}

func NewStatusCache(logger *slog.Logger, now func() time.Time, tiers ...Tier) *StatusCache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCache{tiers: tiers, now: now, logger: logger}
}

// Get returns the first fresh entry and the name of the tier that held it.
// Cheaper tiers that missed are back-filled with the same entry.
func (c *StatusCache) Get(ctx context.Context, userID string) (outreach.StatusEntry, string, bool) {
	now := c.now()
	for i, tier := range c.tiers {
		entry, ok, err := tier.Get(ctx, userID)
		if err != nil {
			c.logger.Warn("status cache read failed", "tier", tier.Name(), "user_id", userID, "error", err)
			continue
		}
		if !ok || !entry.IsFresh(tier.TTL(), now) {
			continue
		}
		for _, cheaper := range c.tiers[:i] {
			if !entry.IsFresh(cheaper.TTL(), now) {
				continue
			}
			if err := cheaper.Set(ctx, userID, entry); err != nil {
				c.logger.Warn("status cache backfill failed", "tier", cheaper.Name(), "user_id", userID, "error", err)
			}
		}
		return entry, tier.Name(), true
	}
	return outreach.StatusEntry{}, "", false
}

// Set writes a freshly established answer into every tier.
func (c *StatusCache) Set(ctx context.Context, userID string, connected bool) outreach.StatusEntry {
	entry := outreach.StatusEntry{Connected: connected, CheckedAt: c.now()}
	for _, tier := range c.tiers {
		if err := tier.Set(ctx, userID, entry); err != nil {
			c.logger.Warn("status cache write failed", "tier", tier.Name(), "user_id", userID, "error", err)
		}
	}
	return entry
}

// Invalidate drops the user from every tier immediately.
func (c *StatusCache) Invalidate(ctx context.Context, userID string) {
	c.drop(ctx, userID, true)
}

// InvalidateLocal drops the user from tiers private to this instance.
func (c *StatusCache) InvalidateLocal(ctx context.Context, userID string) {
	c.drop(ctx, userID, false)
}

func (c *StatusCache) drop(ctx context.Context, userID string, shared bool) {
	for _, tier := range c.tiers {
		if tier.Shared() && !shared {
			continue
		}
		if err := tier.Delete(ctx, userID); err != nil {
			c.logger.Warn("status cache invalidate failed", "tier", tier.Name(), "user_id", userID, "error", err)
		}
	}
}
