package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// Invalidation tells other instances that what they know about a user's
// connection is stale.
type Invalidation struct {
	UserID string    `json:"userId"`
	Reason string    `json:"reason"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Bus publishes and receives invalidations over a single topic. Each process
// has its own origin id and ignores what it published itself.
type Bus struct {
	client         *pubsub.Client
	topic          *pubsub.Topic
	subscriptionID string
	origin         string
	logger         *slog.Logger
	now            func() time.Time
}

// NewBus creates a new Pub/Sub invalidation bus
func NewBus(ctx context.Context, projectID, topicID, subscriptionID string, logger *slog.Logger) (*Bus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewBusWithClient(client, topicID, subscriptionID, logger), nil
}

func NewBusWithClient(client *pubsub.Client, topicID, subscriptionID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:         client,
		topic:          client.Topic(topicID),
		subscriptionID: subscriptionID,
		origin:         uuid.NewString(),
		logger:         logger,
		now:            time.Now,
	}
}

func (b *Bus) Origin() string { return b.origin }

// Invalidate publishes and waits for the server to accept the message.
func (b *Bus) Invalidate(ctx context.Context, userID, reason string) error {
	data, err := json.Marshal(Invalidation{
		UserID: userID,
		Reason: reason,
		Origin: b.origin,
		At:     b.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}

	res := b.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"reason": reason},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listen blocks, delivering invalidations from other instances to handler
// until ctx is cancelled.
func (b *Bus) Listen(ctx context.Context, handler func(ctx context.Context, inv Invalidation)) error {
	if b.subscriptionID == "" {
		<-ctx.Done()
		return nil
	}
	sub := b.client.Subscription(b.subscriptionID)

	b.logger.Info("invalidation listener started", "subscription", b.subscriptionID, "origin", b.origin)

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		defer m.Ack()

		inv, err := parseInvalidation(m.Data)
		if err != nil {
			b.logger.Warn("dropping unreadable invalidation", "message_id", m.ID, "error", err)
			return
		}
		if inv.Origin == b.origin {
			return
		}
		handler(ctx, inv)
	})
}

// Close closes the Pub/Sub client
func (b *Bus) Close() error {
	b.topic.Stop()
	return b.client.Close()
}

func parseInvalidation(data []byte) (Invalidation, error) {
	var inv Invalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invalidation{}, fmt.Errorf("unmarshal invalidation: %w", err)
	}
	if inv.UserID == "" {
		return Invalidation{}, fmt.Errorf("invalidation without user id")
	}
	return inv, nil
}
