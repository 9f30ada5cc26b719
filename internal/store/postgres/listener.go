package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"qline/internal/changefeed"
	"qline/internal/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	NotifyChannel      = "booking_changes"
	listenerRetryDelay = 2 * time.Second
)

// Listener relays booking row changes, raised by the bookings_notify trigger,
// into a local broker. Every process sharing the database sees every change.
type Listener struct {
	pool    *pgxpool.Pool
	broker  *changefeed.Broker
	channel string
	log     *slog.Logger
}

func NewListener(pool *pgxpool.Pool, broker *changefeed.Broker, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{pool: pool, broker: broker, channel: NotifyChannel, log: log}
}

// Run listens until ctx is done, reconnecting after failures. Subscribers are
// resynced after a reconnect since notifications sent meanwhile are lost.
func (l *Listener) Run(ctx context.Context) {
	reconnect := false
	for {
		err := l.listen(ctx, reconnect)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("booking change listener", logger.Err(err))
		reconnect = true
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenerRetryDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, resync bool) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	if resync {
		l.broker.Resync()
	}
	l.log.Info("listening for booking changes", slog.String("channel", l.channel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := decodeNotification(notification.Payload)
		if err != nil {
			l.log.Warn("decode booking change", logger.Err(err))
			continue
		}
		_ = l.broker.Publish(ctx, change)
	}
}

func decodeNotification(payload string) (changefeed.Change, error) {
	var change changefeed.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return changefeed.Change{}, err
	}
	return change, nil
}
