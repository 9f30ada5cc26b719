package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qline/internal/changefeed"
	"qline/internal/logger"
	"qline/internal/queue"
	"qline/internal/store"
	"qline/internal/telemetry"
)

const (
	ScopeShop = "shop"
	ScopeUser = "user"
)

// Snapshot is one published state of a watched view. Version increases by one
// per recomputation; a failed read keeps the previous view and sets Stale.
type Snapshot struct {
	Scope     string    `json:"scope"`
	Version   uint64    `json:"version"`
	Stale     bool      `json:"stale"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Shop      *ShopView `json:"shop,omitempty"`
	User      *UserView `json:"user,omitempty"`
}

type Synchronizer struct {
	store   store.Store
	views   *Views
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func NewSynchronizer(st store.Store, options Options) *Synchronizer {
	log := options.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		store:   st,
		views:   NewViews(st, options.Location, options.Now),
		metrics: options.Metrics,
		log:     log,
	}
}

func (s *Synchronizer) Views() *Views {
	return s.views
}

func (s *Synchronizer) WatchShop(ctx context.Context, shopID string) (*Watch, error) {
	return s.watch(ctx, ScopeShop, changefeed.Filter{ShopID: shopID}, func(ctx context.Context, _ *changefeed.Subscription, snap *Snapshot) error {
		view, err := s.views.Shop(ctx, shopID)
		if err != nil {
			return err
		}
		snap.Shop = &view
		return nil
	})
}

// WatchUser follows the user's own bookings and every shop they are queued
// at, since other customers moving changes the user's position.
func (s *Synchronizer) WatchUser(ctx context.Context, userID string) (*Watch, error) {
	return s.watch(ctx, ScopeUser, changefeed.Filter{UserID: userID}, func(ctx context.Context, sub *changefeed.Subscription, snap *Snapshot) error {
		for attempt := 0; ; attempt++ {
			view, err := s.views.User(ctx, userID)
			if err != nil {
				return err
			}
			snap.User = &view
			shops := view.ShopIDs()
			covered := containsAll(sub.Filter().AlsoShops, shops)
			sub.SetFilter(changefeed.Filter{UserID: userID, AlsoShops: shops})
			// A shop added to the filter after the read may have changed in
			// between, so read once more.
			if covered || attempt >= maxWidenRounds {
				return nil
			}
		}
	})
}

const maxWidenRounds = 2

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, id := range have {
		set[id] = struct{}{}
	}
	for _, id := range want {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// watch subscribes before the first fetch so no change between the two is lost.
func (s *Synchronizer) watch(ctx context.Context, scope string, filter changefeed.Filter, compute computeFunc) (*Watch, error) {
	sub, err := s.store.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &Watch{
		scope:   scope,
		sub:     sub,
		compute: compute,
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		metrics: s.metrics,
		log:     s.log,
	}
	w.latest.Scope = scope

	if err := w.recompute(runCtx); err != nil && queue.KindOf(err) == queue.KindNotFound {
		cancel()
		sub.Close()
		return nil, err
	}
	s.metrics.WatchOpened(scope)
	go w.run(runCtx)
	return w, nil
}

type computeFunc func(ctx context.Context, sub *changefeed.Subscription, snap *Snapshot) error

type Watch struct {
	scope   string
	sub     *changefeed.Subscription
	compute computeFunc
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
	metrics *telemetry.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	latest Snapshot
}

// Updates delivers the newest snapshot. A slow reader skips intermediate
// versions but never sees an older version after a newer one.
func (w *Watch) Updates() <-chan Snapshot {
	return w.updates
}

func (w *Watch) Latest() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Close stops recomputation and releases the change subscription. No
// snapshot is published after Close returns.
func (w *Watch) Close() {
	w.cancel()
	<-w.done
}

func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.updates)
	defer w.metrics.WatchClosed(w.scope)
	defer w.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.sub.C:
			if !ok {
				return
			}
			if !w.drain() {
				return
			}
			_ = w.recompute(ctx)
		}
	}
}

// drain coalesces a burst of pending changes into one recomputation.
func (w *Watch) drain() bool {
	for {
		select {
		case _, ok := <-w.sub.C:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (w *Watch) recompute(ctx context.Context) error {
	next := Snapshot{Scope: w.scope}
	err := w.compute(ctx, w.sub, &next)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	if err != nil {
		next = w.latest
		next.Stale = true
		next.Error = err.Error()
		w.log.Warn("live view recompute", slog.String("scope", w.scope), logger.Err(err))
	}
	next.Version = w.latest.Version + 1
	next.UpdatedAt = time.Now().UTC()
	w.latest = next
	w.mu.Unlock()

	w.metrics.ObserveRecompute(w.scope, err == nil)
	w.publish(next)
	return err
}

func (w *Watch) publish(snap Snapshot) {
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- snap:
	default:
	}
}
