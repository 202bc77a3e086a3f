package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/domain/outreach"
)

type GrantRepository struct {
	*DB
}

func NewGrantRepository(db *DB) *GrantRepository {
	return &GrantRepository{DB: db}
}

func (r *GrantRepository) Get(ctx context.Context, userID string) (*outreach.Grant, error) {
	var (
		g                         outreach.Grant
		access, refresh           string
		expires, created, updated int64
		reauth                    int
	)
	err := r.queryRow(ctx, "grant_get",
		`SELECT user_id, access_token, refresh_token, token_type, scope, expires_at, reauth_required, created_at, updated_at
		 FROM grants WHERE user_id = ?`,
		userID,
	).Scan(&g.UserID, &access, &refresh, &g.TokenType, &g.Scope, &expires, &reauth, &created, &updated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, outreach.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}

	if g.AccessToken, err = r.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if g.RefreshToken, err = r.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	g.ExpiresAt = fromMillis(expires)
	g.ReauthRequired = reauth != 0
	g.CreatedAt = fromMillis(created)
	g.UpdatedAt = fromMillis(updated)

	return &g, nil
}

// Upsert replaces the user's grant. created_at survives the overwrite.
func (r *GrantRepository) Upsert(ctx context.Context, g *outreach.Grant) error {
	access, err := r.sealer.Seal(g.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.sealer.Seal(g.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	now := time.Now()
	created, updated := g.CreatedAt, g.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	_, err = r.exec(ctx, "grant_upsert",
		`INSERT INTO grants
		 (user_id, access_token, refresh_token, token_type, scope, expires_at, reauth_required, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   token_type = excluded.token_type,
		   scope = excluded.scope,
		   expires_at = excluded.expires_at,
		   reauth_required = excluded.reauth_required,
		   updated_at = excluded.updated_at`,
		g.UserID, access, refresh, g.TokenType, g.Scope,
		millis(g.ExpiresAt), boolInt(g.ReauthRequired), millis(created), millis(updated),
	)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (r *GrantRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.exec(ctx, "grant_delete", `DELETE FROM grants WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

func (r *GrantRepository) MarkReauthRequired(ctx context.Context, userID string) error {
	_, err := r.exec(ctx, "grant_mark_reauth",
		`UPDATE grants SET reauth_required = 1, updated_at = ? WHERE user_id = ?`,
		time.Now().UnixMilli(), userID,
	)
	if err != nil {
		return fmt.Errorf("mark grant for re-authorization: %w", err)
	}
	return nil
}

// ListUserIDs returns users whose grant may still be usable.
func (r *GrantRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM grants WHERE reauth_required = 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
