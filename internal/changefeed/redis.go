package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"qline/internal/logger"
)

const DefaultRedisChannel = "qline:booking-changes"

// RedisRelay publishes changes to a Redis channel and replays everything
// received on that channel into a local broker, so every instance sees
// writes made by any other instance.
type RedisRelay struct {
	client  *redis.Client
	channel string
	broker  *Broker
	log     *slog.Logger
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, channel string, broker *Broker, log *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{client: client, channel: channel, broker: broker, log: log}
}

// Publish sends the change through Redis. When Redis refuses it the change is
// still delivered to local subscribers and the error is returned.
func (r *RedisRelay) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("redis publish failed, delivering locally",
			slog.String("booking_id", change.Booking.BookingID), logger.Err(err))
		_ = r.broker.Publish(ctx, change)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run forwards channel messages into the broker until ctx is done. A
// subscription confirmation after the first one means the connection was
// re-established, so subscribers are told to resync.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	messages := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.relay(ctx, msg)
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			r.log.Info("redis change feed resubscribed", slog.String("channel", m.Channel))
			r.broker.Resync()
		}
	case *redis.Message:
		change, err := decodeChange(m.Payload)
		if err != nil {
			r.log.Warn("decode change", logger.Err(err))
			return
		}
		_ = r.broker.Publish(ctx, change)
	}
}

func decodeChange(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, err
	}
	return change, nil
}
