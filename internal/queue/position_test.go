package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"qline/internal/models"
)

type countFunc func(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error)

func (f countFunc) CountWaitingBefore(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error) {
	return f(ctx, shopID, createdAt, seq)
}

func TestCalculatorAddsOne(t *testing.T) {
	calc := NewCalculator(countFunc(func(context.Context, string, time.Time, int64) (int, error) {
		return 2, nil
	}))
	got, err := calc.Position(context.Background(), "s1", time.Now(), 1)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestCalculatorPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	calc := NewCalculator(countFunc(func(context.Context, string, time.Time, int64) (int, error) {
		return 0, boom
	}))
	if _, err := calc.Position(context.Background(), "s1", time.Now(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRank(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	bookings := []models.Booking{
		{BookingID: "late", Seq: 4, Status: models.StatusWaiting, CreatedAt: t0.Add(time.Minute)},
		{BookingID: "tie-b", Seq: 3, Status: models.StatusWaiting, CreatedAt: t0},
		{BookingID: "serving", Seq: 1, Status: models.StatusServing, CreatedAt: t0.Add(-time.Minute)},
		{BookingID: "tie-a", Seq: 2, Status: models.StatusWaiting, CreatedAt: t0},
		{BookingID: "done", Seq: 0, Status: models.StatusCompleted, CreatedAt: t0.Add(-time.Hour)},
	}
	serving, waiting := Rank(bookings)
	if serving == nil || serving.BookingID != "serving" {
		t.Fatalf("unexpected serving %+v", serving)
	}
	want := []string{"tie-a", "tie-b", "late"}
	if len(waiting) != len(want) {
		t.Fatalf("expected %d waiting, got %d", len(want), len(waiting))
	}
	for i, id := range want {
		if waiting[i].Booking.BookingID != id || waiting[i].Position != i+1 {
			t.Fatalf("position %d: expected %s, got %s at %d", i+1, id, waiting[i].Booking.BookingID, waiting[i].Position)
		}
	}
}

func TestRankEmpty(t *testing.T) {
	serving, waiting := Rank(nil)
	if serving != nil || len(waiting) != 0 {
		t.Fatalf("expected empty rank, got %v %v", serving, waiting)
	}
}
