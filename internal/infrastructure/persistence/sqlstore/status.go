package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/domain/outreach"
)

// StatusTier is the connection status cache tier shared by every instance
// using the same database. It survives restarts.
type StatusTier struct {
	*DB
	ttl time.Duration
}

func NewStatusTier(db *DB, ttl time.Duration) *StatusTier {
	return &StatusTier{DB: db, ttl: ttl}
}

func (t *StatusTier) Name() string       { return "shared" }
func (t *StatusTier) TTL() time.Duration { return t.ttl }
func (t *StatusTier) Shared() bool       { return true }

func (t *StatusTier) Get(ctx context.Context, userID string) (outreach.StatusEntry, bool, error) {
	var connected int
	var checkedAt int64
	err := t.queryRow(ctx, "status_get",
		`SELECT connected, checked_at FROM connection_status WHERE user_id = ?`,
		userID,
	).Scan(&connected, &checkedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return outreach.StatusEntry{}, false, nil
	}
	if err != nil {
		return outreach.StatusEntry{}, false, fmt.Errorf("query connection status: %w", err)
	}
	return outreach.StatusEntry{Connected: connected != 0, CheckedAt: fromMillis(checkedAt)}, true, nil
}

func (t *StatusTier) Set(ctx context.Context, userID string, e outreach.StatusEntry) error {
	_, err := t.exec(ctx, "status_set",
		`INSERT INTO connection_status (user_id, connected, checked_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   connected = excluded.connected,
		   checked_at = excluded.checked_at`,
		userID, boolInt(e.Connected), millis(e.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("save connection status: %w", err)
	}
	return nil
}

func (t *StatusTier) Delete(ctx context.Context, userID string) error {
	if _, err := t.exec(ctx, "status_delete", `DELETE FROM connection_status WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete connection status: %w", err)
	}
	return nil
}
