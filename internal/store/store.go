package store

import (
	"context"
	"time"

	"qline/internal/changefeed"
	"qline/internal/models"
)

type InsertBookingInput struct {
	ShopID      string
	UserID      string
	DisplayName string
	CreatedAt   time.Time
}

type CreateShopInput struct {
	OwnerID           string
	Name              string
	Category          string
	Location          string
	Description       string
	ImageURL          string
	AvgServiceMinutes int
	CreatedAt         time.Time
}

type ShopFilter struct {
	Category string
	Query    string
}

type CallNextResult struct {
	Completed *models.Booking `json:"completed,omitempty"`
	Serving   models.Booking  `json:"serving"`
}

type TicketStore interface {
	Insert(ctx context.Context, input InsertBookingInput) (models.Booking, error)
	// UpdateStatus moves a booking out of fromStatus when CheckStatusUpdate
	// allows it. Serving is only reachable through CallNext.
	UpdateStatus(ctx context.Context, bookingID, fromStatus, toStatus string) (models.Booking, error)
	CountWaitingBefore(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error)
	QueryActiveByShop(ctx context.Context, shopID string) ([]models.Booking, error)
	QueryActiveByUser(ctx context.Context, userID string) ([]models.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (models.Booking, error)
	CallNext(ctx context.Context, shopID string, at time.Time) (CallNextResult, error)
	CountCompletedSince(ctx context.Context, shopID string, since time.Time) (int, error)
	ListBookingEvents(ctx context.Context, bookingID string) ([]BookingEvent, error)
	Subscribe(ctx context.Context, filter changefeed.Filter) (*changefeed.Subscription, error)
}

type ShopStore interface {
	CreateShop(ctx context.Context, input CreateShopInput) (models.Shop, error)
	GetShop(ctx context.Context, shopID string) (models.Shop, error)
	GetShopByOwner(ctx context.Context, ownerID string) (models.Shop, error)
	ListShops(ctx context.Context, filter ShopFilter) ([]models.Shop, error)
}

type Store interface {
	TicketStore
	ShopStore
}
