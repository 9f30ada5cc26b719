package changefeed

import (
	"context"
	"testing"
	"time"

	"qline/internal/models"
)

func TestFilterMatch(t *testing.T) {
	change := Change{Op: OpInsert, Booking: models.Booking{ShopID: "s1", UserID: "u1"}}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"shop match", Filter{ShopID: "s1"}, true},
		{"shop mismatch", Filter{ShopID: "s2"}, false},
		{"user match", Filter{UserID: "u1"}, true},
		{"user mismatch", Filter{UserID: "u2"}, false},
		{"both match", Filter{ShopID: "s1", UserID: "u1"}, true},
		{"other user in watched shop", Filter{UserID: "u2", AlsoShops: []string{"s1"}}, true},
		{"other user elsewhere", Filter{UserID: "u2", AlsoShops: []string{"s9"}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Match(change); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestBrokerDeliversOnlyMatchingChanges(t *testing.T) {
	b := NewBroker(nil)
	shopSub := b.Subscribe(Filter{ShopID: "s1"})
	defer shopSub.Close()
	otherSub := b.Subscribe(Filter{ShopID: "s2"})
	defer otherSub.Close()

	_ = b.Publish(context.Background(), Change{Op: OpInsert, Booking: models.Booking{BookingID: "b1", ShopID: "s1"}})

	select {
	case change := <-shopSub.C:
		if change.Booking.BookingID != "b1" {
			t.Fatalf("expected b1, got %s", change.Booking.BookingID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected change for shop subscription")
	}

	select {
	case change := <-otherSub.C:
		t.Fatalf("unexpected change %v", change)
	default:
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*4; i++ {
			_ = b.Publish(context.Background(), Change{Op: OpUpdate})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(sub.C) != subscriptionBuffer {
		t.Fatalf("expected full buffer of %d, got %d", subscriptionBuffer, len(sub.C))
	}
}

func TestSubscriptionCloseReleases(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(Filter{ShopID: "s1"})
	if b.Len() != 1 {
		t.Fatalf("expected 1 subscription, got %d", b.Len())
	}
	sub.Close()
	sub.Close()
	if b.Len() != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", b.Len())
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	_ = b.Publish(context.Background(), Change{Booking: models.Booking{ShopID: "s1"}})
}

func TestSubscriptionSetFilter(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(Filter{UserID: "u1"})
	defer sub.Close()

	change := Change{Op: OpUpdate, Booking: models.Booking{ShopID: "s1", UserID: "u2"}}
	_ = b.Publish(context.Background(), change)
	if len(sub.C) != 0 {
		t.Fatalf("expected no delivery before widening")
	}

	sub.SetFilter(Filter{UserID: "u1", AlsoShops: []string{"s1"}})
	_ = b.Publish(context.Background(), change)
	if len(sub.C) != 1 {
		t.Fatalf("expected delivery after widening, got %d", len(sub.C))
	}
	if got := sub.Filter(); len(got.AlsoShops) != 1 {
		t.Fatalf("unexpected filter %+v", got)
	}
}

func TestBrokerResyncWakesEverySubscription(t *testing.T) {
	b := NewBroker(nil)
	shopSub := b.Subscribe(Filter{ShopID: "s1"})
	defer shopSub.Close()
	userSub := b.Subscribe(Filter{UserID: "u1"})
	defer userSub.Close()

	b.Resync()
	for _, sub := range []*Subscription{shopSub, userSub} {
		select {
		case change := <-sub.C:
			if change.Op != OpResync {
				t.Fatalf("expected resync, got %s", change.Op)
			}
		default:
			t.Fatalf("expected resync delivery")
		}
	}
}
