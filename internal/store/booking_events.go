package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qline/internal/models"
)

const (
	EventBookingCreated   = "booking.created"
	EventBookingServing   = "booking.serving"
	EventBookingCompleted = "booking.completed"
	EventBookingCancelled = "booking.cancelled"
)

type BookingEvent struct {
	BookingID  string          `json:"booking_id"`
	BookingSeq int             `json:"booking_seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

type eventPayload struct {
	BookingID   string     `json:"booking_id"`
	ShopID      string     `json:"shop_id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	Seq         int64      `json:"seq"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func EventTypeFor(status string) string {
	switch status {
	case models.StatusServing:
		return EventBookingServing
	case models.StatusCompleted:
		return EventBookingCompleted
	case models.StatusCancelled:
		return EventBookingCancelled
	default:
		return EventBookingCreated
	}
}

func EventPayload(booking models.Booking) ([]byte, error) {
	createdAt := booking.CreatedAt
	return json.Marshal(eventPayload{
		BookingID:   booking.BookingID,
		ShopID:      booking.ShopID,
		UserID:      booking.UserID,
		DisplayName: booking.DisplayName,
		Status:      booking.Status,
		Seq:         booking.Seq,
		CreatedAt:   &createdAt,
		ServedAt:    booking.ServedAt,
		FinishedAt:  booking.FinishedAt,
	})
}

func ComputeBookingEventHash(prevHash, bookingID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, bookingID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextBookingEvent chains a new event onto the history of one booking.
func NextBookingEvent(history []BookingEvent, booking models.Booking, createdAt time.Time) (BookingEvent, error) {
	payload, err := EventPayload(booking)
	if err != nil {
		return BookingEvent{}, err
	}
	seq := 1
	prev := ""
	if n := len(history); n > 0 {
		seq = history[n-1].BookingSeq + 1
		prev = history[n-1].Hash
	}
	eventType := EventTypeFor(booking.Status)
	return BookingEvent{
		BookingID:  booking.BookingID,
		BookingSeq: seq,
		Type:       eventType,
		Payload:    payload,
		CreatedAt:  createdAt,
		PrevHash:   prev,
		Hash:       ComputeBookingEventHash(prev, booking.BookingID, eventType, payload, createdAt, seq),
	}, nil
}

// VerifyBookingEvents checks sequence numbers and the hash chain.
func VerifyBookingEvents(events []BookingEvent) error {
	prev := ""
	for i, event := range events {
		if event.BookingSeq != i+1 {
			return fmt.Errorf("event %d: unexpected sequence %d", i, event.BookingSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: broken chain", event.BookingSeq)
		}
		want := ComputeBookingEventHash(prev, event.BookingID, event.Type, event.Payload, event.CreatedAt, event.BookingSeq)
		if want != event.Hash {
			return fmt.Errorf("event %d: hash mismatch", event.BookingSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateBooking(events []BookingEvent) (models.Booking, error) {
	var booking models.Booking
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Booking{}, err
		}
		if payload.BookingID != "" {
			booking.BookingID = payload.BookingID
		}
		if payload.ShopID != "" {
			booking.ShopID = payload.ShopID
		}
		if payload.UserID != "" {
			booking.UserID = payload.UserID
		}
		if payload.DisplayName != "" {
			booking.DisplayName = payload.DisplayName
		}
		if payload.Status != "" {
			booking.Status = payload.Status
		}
		if payload.Seq != 0 {
			booking.Seq = payload.Seq
		}
		if payload.CreatedAt != nil {
			booking.CreatedAt = *payload.CreatedAt
		}
		if payload.ServedAt != nil {
			booking.ServedAt = payload.ServedAt
		}
		if payload.FinishedAt != nil {
			booking.FinishedAt = payload.FinishedAt
		}
	}
	return booking, nil
}
