package connection

import (
	"context"

	"outreach/internal/domain/outreach"
)

// GrantRepository persists one OAuth grant per user. Get returns
// outreach.ErrNotFound when the user has no grant.
type GrantRepository interface {
	Get(ctx context.Context, userID string) (*outreach.Grant, error)
	Upsert(ctx context.Context, g *outreach.Grant) error
	Delete(ctx context.Context, userID string) error
	MarkReauthRequired(ctx context.Context, userID string) error
	ListUserIDs(ctx context.Context) ([]string, error)
}

type AuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*outreach.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*outreach.TokenSet, error)
	Revoke(ctx context.Context, token string) error
}

// Notifier tells other instances that their local status for a user is stale.
type Notifier interface {
	Invalidate(ctx context.Context, userID, reason string) error
}

type noopNotifier struct{}

func (noopNotifier) Invalidate(context.Context, string, string) error { return nil }
