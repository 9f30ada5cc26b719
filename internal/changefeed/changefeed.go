package changefeed

import (
	"context"
	"log/slog"
	"sync"

	"qline/internal/models"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	// OpResync carries no booking. It wakes every subscriber after the
	// upstream feed may have lost changes.
	OpResync = "resync"
)

const subscriptionBuffer = 32

type Change struct {
	Op      string         `json:"op"`
	Booking models.Booking `json:"booking"`
}

// Filter scopes a subscription to one shop or one user. Empty fields match
// anything. AlsoShops widens the filter to every change in the listed shops.
type Filter struct {
	ShopID    string
	UserID    string
	AlsoShops []string
}

func (f Filter) Match(change Change) bool {
	for _, id := range f.AlsoShops {
		if change.Booking.ShopID == id {
			return true
		}
	}
	if f.ShopID != "" && change.Booking.ShopID != f.ShopID {
		return false
	}
	if f.UserID != "" && change.Booking.UserID != f.UserID {
		return false
	}
	return true
}

type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

type Discard struct{}

func (Discard) Publish(context.Context, Change) error { return nil }

type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	log    *slog.Logger
}

type Subscription struct {
	C <-chan Change

	id     uint64
	ch     chan Change
	filter Filter
	broker *Broker
	once   sync.Once
}

func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{subs: make(map[uint64]*Subscription), log: log}
}

func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Change, subscriptionBuffer)
	sub := &Subscription{C: ch, id: b.nextID, ch: ch, filter: filter, broker: b}
	b.subs[sub.id] = sub
	return sub
}

// Publish fans the change out to every matching subscription without blocking.
// A full subscriber buffer already holds a pending wake-up, so the change is dropped.
func (b *Broker) Publish(_ context.Context, change Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.Match(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.log.Debug("drop change for subscription", slog.Uint64("subscription", sub.id), slog.String("booking_id", change.Booking.BookingID))
		}
	}
	return nil
}

func (b *Broker) Resync() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- Change{Op: OpResync}:
		default:
		}
	}
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

func (s *Subscription) Filter() Filter {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	return s.filter
}

func (s *Subscription) SetFilter(filter Filter) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.filter = filter
}
