package models

import "time"

type Booking struct {
	BookingID   string     `json:"booking_id"`
	Seq         int64      `json:"seq"`
	ShopID      string     `json:"shop_id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	ShopName     string `json:"shop_name,omitempty"`
	ShopLocation string `json:"shop_location,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

func (b Booking) Active() bool {
	return b.Status == StatusWaiting || b.Status == StatusServing
}

// Before orders bookings by join time, then by insertion sequence.
func (b Booking) Before(other Booking) bool {
	if b.CreatedAt.Equal(other.CreatedAt) {
		return b.Seq < other.Seq
	}
	return b.CreatedAt.Before(other.CreatedAt)
}
