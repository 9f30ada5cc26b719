package events

import (
	"context"
	"time"

	"qline/internal/models"
)

const DefaultTopic = "qline.booking-events"

type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	Booking    models.Booking `json:"booking"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
