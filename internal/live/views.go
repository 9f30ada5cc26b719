package live

import (
	"context"
	"time"

	"qline/internal/models"
	"qline/internal/queue"
	"qline/internal/store"
)

type Counts struct {
	Waiting        int `json:"waiting"`
	EstWaitMinutes int `json:"est_wait_minutes"`
	ServedToday    int `json:"served_today"`
}

type ShopView struct {
	Shop    models.Shop           `json:"shop"`
	Serving *models.Booking       `json:"serving"`
	Waiting []queue.RankedBooking `json:"waiting"`
	Counts  Counts                `json:"counts"`
}

type UserEntry struct {
	Booking        models.Booking `json:"booking"`
	Position       int            `json:"position"`
	NowServing     bool           `json:"now_serving"`
	ShopName       string         `json:"shop_name"`
	ShopLocation   string         `json:"shop_location"`
	EstWaitMinutes int            `json:"est_wait_minutes"`
}

type UserView struct {
	Bookings []UserEntry `json:"bookings"`
}

// ShopIDs lists the shops the user holds an active booking at.
func (v UserView) ShopIDs() []string {
	seen := make(map[string]struct{}, len(v.Bookings))
	ids := make([]string, 0, len(v.Bookings))
	for _, entry := range v.Bookings {
		if _, ok := seen[entry.Booking.ShopID]; ok {
			continue
		}
		seen[entry.Booking.ShopID] = struct{}{}
		ids = append(ids, entry.Booking.ShopID)
	}
	return ids
}

// Views computes the derived owner and customer views from one round of reads.
type Views struct {
	store store.Store
	calc  queue.Calculator
	loc   *time.Location
	now   func() time.Time
}

func NewViews(st store.Store, loc *time.Location, now func() time.Time) *Views {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Views{store: st, calc: queue.NewCalculator(st), loc: loc, now: now}
}

func (v *Views) Shop(ctx context.Context, shopID string) (ShopView, error) {
	shop, err := v.store.GetShop(ctx, shopID)
	if err != nil {
		return ShopView{}, err
	}
	active, err := v.store.QueryActiveByShop(ctx, shopID)
	if err != nil {
		return ShopView{}, err
	}
	served, err := v.store.CountCompletedSince(ctx, shopID, v.startOfDay())
	if err != nil {
		return ShopView{}, err
	}
	serving, waiting := queue.Rank(active)
	shop.Waiting = len(waiting)
	return ShopView{
		Shop:    shop,
		Serving: serving,
		Waiting: waiting,
		Counts: Counts{
			Waiting:        len(waiting),
			EstWaitMinutes: len(waiting) * shop.ServiceMinutes(),
			ServedToday:    served,
		},
	}, nil
}

func (v *Views) User(ctx context.Context, userID string) (UserView, error) {
	bookings, err := v.store.QueryActiveByUser(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	view := UserView{Bookings: make([]UserEntry, 0, len(bookings))}
	minutes := make(map[string]int)
	for _, b := range bookings {
		entry := UserEntry{Booking: b, ShopName: b.ShopName, ShopLocation: b.ShopLocation}
		if b.Status == models.StatusServing {
			entry.NowServing = true
			view.Bookings = append(view.Bookings, entry)
			continue
		}
		position, err := v.calc.Position(ctx, b.ShopID, b.CreatedAt, b.Seq)
		if err != nil {
			return UserView{}, err
		}
		per, ok := minutes[b.ShopID]
		if !ok {
			shop, err := v.store.GetShop(ctx, b.ShopID)
			if err != nil {
				return UserView{}, err
			}
			per = shop.ServiceMinutes()
			minutes[b.ShopID] = per
		}
		entry.Position = position
		entry.EstWaitMinutes = position * per
		view.Bookings = append(view.Bookings, entry)
	}
	return view, nil
}

func (v *Views) startOfDay() time.Time {
	now := v.now().In(v.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, v.loc)
}
