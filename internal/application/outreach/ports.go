package outreach

import (
	"context"

	domain "outreach/internal/domain/outreach"
)

// BindingRepository stores one thread binding per (candidate, job) pair. Get
// returns domain.ErrNotFound when the pair has never been messaged.
type BindingRepository interface {
	Get(ctx context.Context, candidateID, jobID string) (*domain.ThreadBinding, error)
	Upsert(ctx context.Context, candidateID, jobID string, b domain.ThreadBinding) error
}

// TokenProvider is satisfied by the connection manager.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID string) (string, error)
}

type MessageSender interface {
	Send(ctx context.Context, msg domain.OutboundMessage, accessToken string) (domain.SendResult, error)
}
