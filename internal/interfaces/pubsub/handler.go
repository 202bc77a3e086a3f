package pubsub

import (
	"context"
	"log/slog"

	bus "outreach/internal/infrastructure/pubsub"
)

// LocalForgetter drops per-instance state for a user.
type LocalForgetter interface {
	ForgetLocal(ctx context.Context, userID string)
}

type Handler struct {
	conn   LocalForgetter
	logger *slog.Logger
}

func NewHandler(conn LocalForgetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{conn: conn, logger: logger}
}

// HandleInvalidation runs for messages published by other instances only.
func (h *Handler) HandleInvalidation(ctx context.Context, inv bus.Invalidation) {
	h.logger.Debug("connection state invalidated elsewhere",
		"user_id", inv.UserID, "reason", inv.Reason, "origin", inv.Origin)
	h.conn.ForgetLocal(ctx, inv.UserID)
}
