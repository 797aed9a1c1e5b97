package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/markov-tower/internal/domain"
)

var errSubscriptionClosed = errors.New("ban subscription channel closed")

// NewClient builds a client from either a redis:// URL or a host:port
// address and checks that the server answers.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// BanBroadcaster implements domain.BanBroadcaster over Redis Pub/Sub.
type BanBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBanBroadcaster creates a broadcaster publishing on channel.
func NewBanBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *BanBroadcaster {
	return &BanBroadcaster{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "ban_broadcaster", "channel", channel),
	}
}

// Publish sends the event to every subscribed process, including this one.
func (b *BanBroadcaster) Publish(ctx context.Context, event domain.BanEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ban event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish ban event: %w", err)
	}
	return nil
}

// Subscribe delivers events to handler until ctx is done or the
// subscription breaks.
func (b *BanBroadcaster) Subscribe(ctx context.Context, handler func(domain.BanEvent)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("subscribed to ban events")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errSubscriptionClosed
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				b.logger.Warn("dropping undecodable ban event", "error", err)
				continue
			}
			handler(event)
		}
	}
}

func decodeEvent(payload string) (domain.BanEvent, error) {
	var event domain.BanEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return domain.BanEvent{}, fmt.Errorf("failed to unmarshal ban event: %w", err)
	}
	if !event.Valid() {
		return domain.BanEvent{}, fmt.Errorf("invalid ban event %q", payload)
	}
	return event, nil
}
