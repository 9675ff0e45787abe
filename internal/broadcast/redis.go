package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMedium broadcasts over a Redis pub/sub channel, one channel per
// logical client.
type RedisMedium struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
	subs    handlers

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ Medium = (*RedisMedium)(nil)

// ChannelFor returns the pub/sub channel name for a logical client.
func ChannelFor(clientID string) string {
	return fmt.Sprintf("tabsync:%s", clientID)
}

// NewRedisMedium subscribes to channel. The subscription is confirmed before
// returning so messages published right after are not missed.
func NewRedisMedium(ctx context.Context, client *redis.Client, channel, origin string, logger *slog.Logger) (*RedisMedium, error) {
	if origin == "" {
		return nil, fmt.Errorf("redis medium: origin is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis medium: subscribe %s: %w", channel, err)
	}

	r := &RedisMedium{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger,
		pubsub:  pubsub,
	}

	r.wg.Add(1)
	go r.receive(pubsub.Channel())
	return r, nil
}

// Publish sends msg on the channel.
func (r *RedisMedium) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.Origin = r.origin
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis medium: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis medium: publish: %w", err)
	}
	return nil
}

// Subscribe registers fn for messages from other processes.
func (r *RedisMedium) Subscribe(fn Handler) func() {
	return r.subs.add(fn)
}

// Close ends the subscription. The redis client is left open.
func (r *RedisMedium) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pubsub := r.pubsub
	r.mu.Unlock()

	err := pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *RedisMedium) receive(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for m := range ch {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			r.logger.Warn("broadcast decode failed", "channel", m.Channel, "error", err)
			continue
		}
		if msg.Origin == r.origin {
			continue
		}
		r.subs.deliver(msg)
	}
}
