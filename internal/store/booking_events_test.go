package store

import (
	"testing"
	"time"

	"qline/internal/models"
)

func TestBookingEventChainRehydrates(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	served := created.Add(10 * time.Minute)
	finished := served.Add(15 * time.Minute)

	booking := models.Booking{
		BookingID:   "b1",
		Seq:         7,
		ShopID:      "s1",
		UserID:      "u1",
		DisplayName: "Ana",
		Status:      models.StatusWaiting,
		CreatedAt:   created,
	}

	var history []BookingEvent
	appendEvent := func(b models.Booking, at time.Time) {
		event, err := NextBookingEvent(history, b, at)
		if err != nil {
			t.Fatalf("next event: %v", err)
		}
		history = append(history, event)
	}

	appendEvent(booking, created)
	booking.Status = models.StatusServing
	booking.ServedAt = &served
	appendEvent(booking, served)
	booking.Status = models.StatusCompleted
	booking.FinishedAt = &finished
	appendEvent(booking, finished)

	if err := VerifyBookingEvents(history); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if history[0].Type != EventBookingCreated || history[2].Type != EventBookingCompleted {
		t.Fatalf("unexpected event types %s, %s", history[0].Type, history[2].Type)
	}

	got, err := RehydrateBooking(history)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got.Status != models.StatusCompleted || got.Seq != 7 || got.DisplayName != "Ana" {
		t.Fatalf("unexpected booking %+v", got)
	}
	if got.ServedAt == nil || !got.ServedAt.Equal(served) {
		t.Fatalf("expected served_at %v, got %v", served, got.ServedAt)
	}
}

func TestVerifyBookingEventsDetectsTampering(t *testing.T) {
	booking := models.Booking{BookingID: "b1", Status: models.StatusWaiting, CreatedAt: time.Now().UTC()}
	first, err := NextBookingEvent(nil, booking, booking.CreatedAt)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	booking.Status = models.StatusCancelled
	second, err := NextBookingEvent([]BookingEvent{first}, booking, booking.CreatedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("next event: %v", err)
	}

	second.Type = EventBookingCompleted
	if err := VerifyBookingEvents([]BookingEvent{first, second}); err == nil {
		t.Fatalf("expected hash mismatch")
	}
}
