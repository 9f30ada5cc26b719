package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qline/internal/events"
	"qline/internal/identity"
	"qline/internal/logger"
	"qline/internal/media"
	"qline/internal/models"
	"qline/internal/store"
	"qline/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	actionJoin     = "join"
	maxLeaveRounds = 2
)

type Service struct {
	store          store.Store
	calc           Calculator
	publisher      events.Publisher
	media          media.Store
	serviceMinutes int
	metrics        *telemetry.Metrics
	log            *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

type Options struct {
	Publisher events.Publisher
	// Media stores shop images. Uploads are rejected when it is nil.
	Media media.Store
	// DefaultServiceMinutes applies to shops opened without their own estimate.
	DefaultServiceMinutes int
	Metrics               *telemetry.Metrics
	Logger                *slog.Logger
	Now                   func() time.Time
}

type PositionResult struct {
	Booking        models.Booking `json:"booking"`
	Position       int            `json:"position"`
	NowServing     bool           `json:"now_serving"`
	EstWaitMinutes int            `json:"est_wait_minutes"`
}

func NewService(st store.Store, options Options) *Service {
	publisher := options.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	log := options.Logger
	if log == nil {
		log = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	minutes := options.DefaultServiceMinutes
	if minutes <= 0 {
		minutes = models.DefaultServiceMinutes
	}
	return &Service{
		store:          st,
		calc:           NewCalculator(st),
		publisher:      publisher,
		media:          options.Media,
		serviceMinutes: minutes,
		metrics:        options.Metrics,
		log:            log,
		tracer:         otel.Tracer("qline/queue"),
		now:            now,
	}
}

func (s *Service) Calculator() Calculator {
	return s.calc
}

func (s *Service) Join(ctx context.Context, session identity.Session, shopID, displayName string) (booking models.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Join", trace.WithAttributes(attribute.String("shop_id", shopID)))
	defer func() { s.finish(span, actionJoin, err) }()

	if !session.Authenticated() {
		return models.Booking{}, ErrUnauthenticated
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = session.DisplayName
	}
	if displayName == "" {
		displayName = "Guest"
	}

	booking, err = s.store.Insert(ctx, store.InsertBookingInput{
		ShopID:      shopID,
		UserID:      session.UserID,
		DisplayName: displayName,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return models.Booking{}, err
	}
	s.emit(ctx, booking)
	return booking, nil
}

// Leave cancels the caller's booking. A guard that fails because the booking
// moved on concurrently is re-evaluated once against fresh state.
func (s *Service) Leave(ctx context.Context, session identity.Session, bookingID string) (booking models.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Leave", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { s.finish(span, store.ActionLeave, err) }()

	if !session.Authenticated() {
		return models.Booking{}, ErrUnauthenticated
	}
	for round := 0; round < maxLeaveRounds; round++ {
		current, err := s.store.GetBooking(ctx, bookingID)
		if err != nil {
			return models.Booking{}, err
		}
		if current.UserID != session.UserID {
			return models.Booking{}, ErrForbidden
		}
		if !store.ValidTransition(store.ActionLeave, current.Status) {
			return models.Booking{}, store.ErrInvalidState
		}
		booking, err = s.store.UpdateStatus(ctx, bookingID, current.Status, models.StatusCancelled)
		if errors.Is(err, store.ErrInvalidState) {
			continue
		}
		if err != nil {
			return models.Booking{}, err
		}
		s.emit(ctx, booking)
		return booking, nil
	}
	return models.Booking{}, store.ErrInvalidState
}

func (s *Service) CallNext(ctx context.Context, session identity.Session, shopID string) (result store.CallNextResult, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(attribute.String("shop_id", shopID)))
	defer func() { s.finish(span, store.ActionCallNext, err) }()

	if _, err = s.requireOwner(ctx, session, shopID); err != nil {
		return store.CallNextResult{}, err
	}
	result, err = s.store.CallNext(ctx, shopID, s.now())
	if err != nil {
		return store.CallNextResult{}, err
	}
	if result.Completed != nil {
		s.emit(ctx, *result.Completed)
	}
	s.emit(ctx, result.Serving)
	return result, nil
}

func (s *Service) Finish(ctx context.Context, session identity.Session, shopID string) (booking models.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Finish", trace.WithAttributes(attribute.String("shop_id", shopID)))
	defer func() { s.finish(span, store.ActionFinish, err) }()

	if _, err = s.requireOwner(ctx, session, shopID); err != nil {
		return models.Booking{}, err
	}
	active, err := s.store.QueryActiveByShop(ctx, shopID)
	if err != nil {
		return models.Booking{}, err
	}
	serving, _ := Rank(active)
	if serving == nil {
		return models.Booking{}, store.ErrNothingServing
	}
	booking, err = s.store.UpdateStatus(ctx, serving.BookingID, models.StatusServing, models.StatusCompleted)
	if err != nil {
		return models.Booking{}, err
	}
	s.emit(ctx, booking)
	return booking, nil
}

func (s *Service) Position(ctx context.Context, session identity.Session, bookingID string) (PositionResult, error) {
	if !session.Authenticated() {
		return PositionResult{}, ErrUnauthenticated
	}
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return PositionResult{}, err
	}
	shop, err := s.store.GetShop(ctx, booking.ShopID)
	if err != nil {
		return PositionResult{}, err
	}
	if booking.UserID != session.UserID && shop.OwnerID != session.UserID {
		return PositionResult{}, ErrForbidden
	}

	result := PositionResult{Booking: booking}
	switch booking.Status {
	case models.StatusServing:
		result.NowServing = true
	case models.StatusWaiting:
		position, err := s.calc.Position(ctx, booking.ShopID, booking.CreatedAt, booking.Seq)
		if err != nil {
			return PositionResult{}, err
		}
		result.Position = position
		result.EstWaitMinutes = position * shop.ServiceMinutes()
	}
	return result, nil
}

func (s *Service) History(ctx context.Context, session identity.Session, bookingID string) ([]store.BookingEvent, error) {
	if !session.Authenticated() {
		return nil, ErrUnauthenticated
	}
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != session.UserID {
		shop, err := s.store.GetShop(ctx, booking.ShopID)
		if err != nil {
			return nil, err
		}
		if shop.OwnerID != session.UserID {
			return nil, ErrForbidden
		}
	}
	return s.store.ListBookingEvents(ctx, bookingID)
}

func (s *Service) requireOwner(ctx context.Context, session identity.Session, shopID string) (models.Shop, error) {
	if !session.Authenticated() {
		return models.Shop{}, ErrUnauthenticated
	}
	shop, err := s.store.GetShop(ctx, shopID)
	if err != nil {
		return models.Shop{}, err
	}
	if shop.OwnerID != session.UserID {
		return models.Shop{}, ErrForbidden
	}
	return shop, nil
}

func (s *Service) emit(ctx context.Context, booking models.Booking) {
	event := events.Event{
		EventID:    uuid.NewString(),
		Type:       store.EventTypeFor(booking.Status),
		Booking:    booking,
		OccurredAt: s.now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("publish booking event",
			slog.String("type", event.Type),
			slog.String("booking_id", booking.BookingID),
			logger.Err(err))
	}
}

func (s *Service) finish(span trace.Span, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%s: %s", action, outcome))
	}
	s.metrics.ObserveTransition(action, outcome)
	span.End()
}
