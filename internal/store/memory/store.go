package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qline/internal/changefeed"
	"qline/internal/models"
	"qline/internal/store"

	"github.com/google/uuid"
)

// Store keeps shops and bookings in process memory. A single mutex makes
// every mutation, including CallNext, atomic with respect to the others.
type Store struct {
	mu          sync.Mutex
	seq         int64
	shops       map[string]models.Shop
	shopByOwner map[string]string
	bookings    map[string]*models.Booking
	events      map[string][]store.BookingEvent

	broker    *changefeed.Broker
	publisher changefeed.Publisher
	now       func() time.Time
	nextEvent func(history []store.BookingEvent, booking models.Booking, at time.Time) (store.BookingEvent, error)
}

type Options struct {
	Broker    *changefeed.Broker
	Publisher changefeed.Publisher
	Now       func() time.Time
}

func NewStore(options Options) *Store {
	broker := options.Broker
	if broker == nil {
		broker = changefeed.NewBroker(nil)
	}
	var publisher changefeed.Publisher = broker
	if options.Publisher != nil {
		publisher = options.Publisher
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		shops:       make(map[string]models.Shop),
		shopByOwner: make(map[string]string),
		bookings:    make(map[string]*models.Booking),
		events:      make(map[string][]store.BookingEvent),
		broker:      broker,
		publisher:   publisher,
		now:         now,
		nextEvent:   store.NextBookingEvent,
	}
}

func (s *Store) CreateShop(ctx context.Context, input store.CreateShopInput) (models.Shop, error) {
	if err := ctx.Err(); err != nil {
		return models.Shop{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shopByOwner[input.OwnerID]; ok {
		return models.Shop{}, store.ErrShopExists
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	minutes := input.AvgServiceMinutes
	if minutes <= 0 {
		minutes = models.DefaultServiceMinutes
	}
	shop := models.Shop{
		ShopID:            uuid.NewString(),
		OwnerID:           input.OwnerID,
		Name:              input.Name,
		Category:          input.Category,
		Location:          input.Location,
		Description:       input.Description,
		ImageURL:          input.ImageURL,
		AvgServiceMinutes: minutes,
		CreatedAt:         createdAt,
	}
	s.shops[shop.ShopID] = shop
	s.shopByOwner[shop.OwnerID] = shop.ShopID
	return shop, nil
}

func (s *Store) GetShop(ctx context.Context, shopID string) (models.Shop, error) {
	if err := ctx.Err(); err != nil {
		return models.Shop{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shop, ok := s.shops[shopID]
	if !ok {
		return models.Shop{}, store.ErrShopNotFound
	}
	shop.Waiting = s.countWaitingLocked(shopID)
	return shop, nil
}

func (s *Store) GetShopByOwner(ctx context.Context, ownerID string) (models.Shop, error) {
	if err := ctx.Err(); err != nil {
		return models.Shop{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shopID, ok := s.shopByOwner[ownerID]
	if !ok {
		return models.Shop{}, store.ErrShopNotFound
	}
	shop := s.shops[shopID]
	shop.Waiting = s.countWaitingLocked(shopID)
	return shop, nil
}

func (s *Store) ListShops(ctx context.Context, filter store.ShopFilter) ([]models.Shop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	var shops []models.Shop
	for _, shop := range s.shops {
		if filter.Category != "" && shop.Category != filter.Category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(shop.Name), query) && !strings.Contains(strings.ToLower(shop.Description), query) {
			continue
		}
		shop.Waiting = s.countWaitingLocked(shop.ShopID)
		shops = append(shops, shop)
	}
	sort.Slice(shops, func(i, j int) bool {
		if shops[i].CreatedAt.Equal(shops[j].CreatedAt) {
			return shops[i].ShopID < shops[j].ShopID
		}
		return shops[i].CreatedAt.After(shops[j].CreatedAt)
	})
	return shops, nil
}

func (s *Store) Insert(ctx context.Context, input store.InsertBookingInput) (models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return models.Booking{}, err
	}
	s.mu.Lock()
	if _, ok := s.shops[input.ShopID]; !ok {
		s.mu.Unlock()
		return models.Booking{}, store.ErrShopNotFound
	}
	for _, b := range s.bookings {
		if b.ShopID == input.ShopID && b.UserID == input.UserID && b.Active() {
			s.mu.Unlock()
			return models.Booking{}, store.ErrAlreadyQueued
		}
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	booking := models.Booking{
		BookingID:   uuid.NewString(),
		Seq:         s.seq + 1,
		ShopID:      input.ShopID,
		UserID:      input.UserID,
		DisplayName: input.DisplayName,
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt,
	}
	event, err := s.stageLocked(booking, createdAt)
	if err != nil {
		s.mu.Unlock()
		return models.Booking{}, err
	}
	s.seq = booking.Seq
	s.commitLocked(booking, event)
	out := booking
	s.mu.Unlock()

	s.publish(ctx, changefeed.OpInsert, out)
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, bookingID, fromStatus, toStatus string) (models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return models.Booking{}, err
	}
	if err := store.CheckStatusUpdate(fromStatus, toStatus); err != nil {
		return models.Booking{}, err
	}
	s.mu.Lock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		s.mu.Unlock()
		return models.Booking{}, store.ErrBookingNotFound
	}
	if booking.Status != fromStatus {
		s.mu.Unlock()
		return models.Booking{}, store.ErrInvalidState
	}
	now := s.now()
	out := withStatus(*booking, toStatus, now)
	event, err := s.stageLocked(out, now)
	if err != nil {
		s.mu.Unlock()
		return models.Booking{}, err
	}
	s.commitLocked(out, event)
	s.mu.Unlock()

	s.publish(ctx, changefeed.OpUpdate, out)
	return out, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pivot := models.Booking{CreatedAt: createdAt, Seq: seq}
	count := 0
	for _, b := range s.bookings {
		if b.ShopID == shopID && b.Status == models.StatusWaiting && b.Before(pivot) {
			count++
		}
	}
	return count, nil
}

func (s *Store) QueryActiveByShop(ctx context.Context, shopID string) ([]models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if b.ShopID == shopID && b.Active() {
			out = append(out, *b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) QueryActiveByUser(ctx context.Context, userID string) ([]models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if b.UserID != userID || !b.Active() {
			continue
		}
		booking := *b
		if shop, ok := s.shops[b.ShopID]; ok {
			booking.ShopName = shop.Name
			booking.ShopLocation = shop.Location
		}
		out = append(out, booking)
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) GetBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return models.Booking{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return models.Booking{}, store.ErrBookingNotFound
	}
	booking := *b
	if shop, ok := s.shops[b.ShopID]; ok {
		booking.ShopName = shop.Name
		booking.ShopLocation = shop.Location
	}
	return booking, nil
}

func (s *Store) CallNext(ctx context.Context, shopID string, at time.Time) (store.CallNextResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CallNextResult{}, err
	}
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	if _, ok := s.shops[shopID]; !ok {
		s.mu.Unlock()
		return store.CallNextResult{}, store.ErrShopNotFound
	}
	var serving, next *models.Booking
	for _, b := range s.bookings {
		if b.ShopID != shopID {
			continue
		}
		switch b.Status {
		case models.StatusServing:
			serving = b
		case models.StatusWaiting:
			if next == nil || b.Before(*next) {
				next = b
			}
		}
	}
	if next == nil {
		s.mu.Unlock()
		return store.CallNextResult{}, store.ErrNothingToCall
	}

	var changed []models.Booking
	var events []store.BookingEvent
	if serving != nil {
		changed = append(changed, withStatus(*serving, models.StatusCompleted, at))
	}
	changed = append(changed, withStatus(*next, models.StatusServing, at))
	for _, b := range changed {
		event, err := s.stageLocked(b, at)
		if err != nil {
			s.mu.Unlock()
			return store.CallNextResult{}, err
		}
		events = append(events, event)
	}

	var result store.CallNextResult
	for i, b := range changed {
		s.commitLocked(b, events[i])
		if b.Status == models.StatusCompleted {
			completed := b
			result.Completed = &completed
		} else {
			result.Serving = b
		}
	}
	s.mu.Unlock()

	for _, b := range changed {
		s.publish(ctx, changefeed.OpUpdate, b)
	}
	return result, nil
}

func (s *Store) CountCompletedSince(ctx context.Context, shopID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, b := range s.bookings {
		if b.ShopID != shopID || b.Status != models.StatusCompleted || b.FinishedAt == nil {
			continue
		}
		if !b.FinishedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListBookingEvents(ctx context.Context, bookingID string) ([]store.BookingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[bookingID]; !ok {
		return nil, store.ErrBookingNotFound
	}
	events := s.events[bookingID]
	out := make([]store.BookingEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, filter changefeed.Filter) (*changefeed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(filter), nil
}

func (s *Store) countWaitingLocked(shopID string) int {
	count := 0
	for _, b := range s.bookings {
		if b.ShopID == shopID && b.Status == models.StatusWaiting {
			count++
		}
	}
	return count
}

func withStatus(booking models.Booking, status string, at time.Time) models.Booking {
	booking.Status = status
	ts := at
	switch status {
	case models.StatusServing:
		booking.ServedAt = &ts
	case models.StatusCompleted, models.StatusCancelled:
		booking.FinishedAt = &ts
	}
	return booking
}

// stageLocked builds the next audit event for booking without touching state,
// so a failure leaves the store as it was.
func (s *Store) stageLocked(booking models.Booking, at time.Time) (store.BookingEvent, error) {
	event, err := s.nextEvent(s.events[booking.BookingID], booking, at)
	if err != nil {
		return store.BookingEvent{}, fmt.Errorf("record booking event: %w", err)
	}
	return event, nil
}

func (s *Store) commitLocked(booking models.Booking, event store.BookingEvent) {
	if current, ok := s.bookings[booking.BookingID]; ok {
		*current = booking
	} else {
		b := booking
		s.bookings[booking.BookingID] = &b
	}
	s.events[booking.BookingID] = append(s.events[booking.BookingID], event)
}

func (s *Store) publish(ctx context.Context, op string, booking models.Booking) {
	_ = s.publisher.Publish(context.WithoutCancel(ctx), changefeed.Change{Op: op, Booking: booking})
}

func sortBookings(bookings []models.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		return bookings[i].Before(bookings[j])
	})
}
