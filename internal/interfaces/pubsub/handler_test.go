package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	bus "outreach/internal/infrastructure/pubsub"
)

type forgetter struct {
	users []string
}

func (f *forgetter) ForgetLocal(_ context.Context, userID string) {
	f.users = append(f.users, userID)
}

func TestHandleInvalidation(t *testing.T) {
	f := &forgetter{}
	h := NewHandler(f, nil)

	h.HandleInvalidation(context.Background(), bus.Invalidation{UserID: "u1", Reason: "disconnected", Origin: "other"})
	h.HandleInvalidation(context.Background(), bus.Invalidation{UserID: "u2", Reason: "refreshed", Origin: "other"})

	assert.Equal(t, []string{"u1", "u2"}, f.users)
}
