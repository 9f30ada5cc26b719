package queue

import (
	"context"
	"sort"
	"time"

	"qline/internal/models"
)

type WaitingCounter interface {
	CountWaitingBefore(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error)
}

type Calculator struct {
	counter WaitingCounter
}

func NewCalculator(counter WaitingCounter) Calculator {
	return Calculator{counter: counter}
}

// Position is the 1-based rank among waiting bookings of the shop. A booking
// that is not waiting still gets a rank from its join time.
func (c Calculator) Position(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error) {
	ahead, err := c.counter.CountWaitingBefore(ctx, shopID, createdAt, seq)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

type RankedBooking struct {
	Booking  models.Booking `json:"booking"`
	Position int            `json:"position"`
}

// Rank splits an active list of one shop into the serving booking and the
// waiting bookings in queue order with their positions.
func Rank(bookings []models.Booking) (*models.Booking, []RankedBooking) {
	var serving *models.Booking
	waiting := make([]models.Booking, 0, len(bookings))
	for i := range bookings {
		switch bookings[i].Status {
		case models.StatusServing:
			b := bookings[i]
			serving = &b
		case models.StatusWaiting:
			waiting = append(waiting, bookings[i])
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].Before(waiting[j])
	})
	ranked := make([]RankedBooking, len(waiting))
	for i, b := range waiting {
		ranked[i] = RankedBooking{Booking: b, Position: i + 1}
	}
	return serving, ranked
}
