package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qline/internal/changefeed"
	"qline/internal/models"
	"qline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const bookingColumns = `b.booking_id, b.seq, b.shop_id, b.user_id, b.display_name, b.status, b.created_at, b.served_at, b.finished_at`

const shopColumns = `s.shop_id, s.owner_id, s.name, s.category, s.location, s.description, s.image_url, s.avg_service_minutes, s.created_at,
	(SELECT COUNT(*) FROM bookings w WHERE w.shop_id = s.shop_id AND w.status = 'waiting')`

type Store struct {
	pool      *pgxpool.Pool
	broker    *changefeed.Broker
	publisher changefeed.Publisher
}

type Options struct {
	// Broker serves Subscribe. Publisher receives every committed change; it
	// defaults to the broker and is changefeed.Discard when a NOTIFY listener
	// feeds the broker instead.
	Broker    *changefeed.Broker
	Publisher changefeed.Publisher
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	broker := options.Broker
	if broker == nil {
		broker = changefeed.NewBroker(nil)
	}
	var publisher changefeed.Publisher = broker
	if options.Publisher != nil {
		publisher = options.Publisher
	}
	return &Store{pool: pool, broker: broker, publisher: publisher}
}

func (s *Store) CreateShop(ctx context.Context, input store.CreateShopInput) (models.Shop, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	minutes := input.AvgServiceMinutes
	if minutes <= 0 {
		minutes = models.DefaultServiceMinutes
	}

	var shop models.Shop
	row := s.pool.QueryRow(ctx, `
		INSERT INTO shops (shop_id, owner_id, name, category, location, description, image_url, avg_service_minutes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING shop_id, owner_id, name, category, location, description, image_url, avg_service_minutes, created_at
	`, uuid.NewString(), input.OwnerID, input.Name, input.Category, input.Location, input.Description, input.ImageURL, minutes, dbTime(createdAt))
	if err := row.Scan(&shop.ShopID, &shop.OwnerID, &shop.Name, &shop.Category, &shop.Location, &shop.Description, &shop.ImageURL, &shop.AvgServiceMinutes, &shop.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Shop{}, store.ErrShopExists
		}
		return models.Shop{}, unavailable(err)
	}
	return shop, nil
}

func (s *Store) GetShop(ctx context.Context, shopID string) (models.Shop, error) {
	if !isUUID(shopID) {
		return models.Shop{}, store.ErrShopNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops s WHERE s.shop_id = $1`, shopID)
	return scanShopRow(row)
}

func (s *Store) GetShopByOwner(ctx context.Context, ownerID string) (models.Shop, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops s WHERE s.owner_id = $1`, ownerID)
	return scanShopRow(row)
}

func (s *Store) ListShops(ctx context.Context, filter store.ShopFilter) ([]models.Shop, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+shopColumns+`
		FROM shops s
		WHERE ($1::text = '' OR s.category = $1::text)
		  AND ($2::text = '' OR s.name ILIKE '%' || $2::text || '%' OR s.description ILIKE '%' || $2::text || '%')
		ORDER BY s.created_at DESC, s.shop_id
	`, filter.Category, filter.Query)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var shops []models.Shop
	for rows.Next() {
		shop, err := scanShop(rows)
		if err != nil {
			return nil, err
		}
		shops = append(shops, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return shops, nil
}

func (s *Store) Insert(ctx context.Context, input store.InsertBookingInput) (booking models.Booking, err error) {
	if !isUUID(input.ShopID) {
		return models.Booking{}, store.ErrShopNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shops WHERE shop_id = $1)`, input.ShopID).Scan(&exists); err != nil {
		return models.Booking{}, unavailable(err)
	}
	if !exists {
		return models.Booking{}, store.ErrShopNotFound
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO bookings (booking_id, shop_id, user_id, display_name, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING booking_id, seq, shop_id, user_id, display_name, status, created_at, served_at, finished_at
	`, uuid.NewString(), input.ShopID, input.UserID, input.DisplayName, models.StatusWaiting, dbTime(createdAt))
	booking, err = scanBooking(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Booking{}, store.ErrAlreadyQueued
		}
		return models.Booking{}, err
	}

	if err = insertBookingEvent(ctx, tx, booking, booking.CreatedAt); err != nil {
		return models.Booking{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, unavailable(err)
	}
	s.publish(ctx, changefeed.OpInsert, booking)
	return booking, nil
}

// UpdateStatus applies the transition only while the booking still holds
// fromStatus. A lost race surfaces as store.ErrInvalidState.
func (s *Store) UpdateStatus(ctx context.Context, bookingID, fromStatus, toStatus string) (booking models.Booking, err error) {
	if err := store.CheckStatusUpdate(fromStatus, toStatus); err != nil {
		return models.Booking{}, err
	}
	if !isUUID(bookingID) {
		return models.Booking{}, store.ErrBookingNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	at := dbTime(time.Now())
	row := tx.QueryRow(ctx, `
		UPDATE bookings b
		SET status = $3::text,
		    finished_at = $4::timestamptz
		WHERE b.booking_id = $1 AND b.status = $2
		RETURNING `+bookingColumns+`
	`, bookingID, fromStatus, toStatus, at)
	booking, err = scanBooking(row)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			status, found, loadErr := loadBookingStatus(ctx, tx, bookingID)
			if loadErr != nil {
				return models.Booking{}, loadErr
			}
			if !found {
				return models.Booking{}, store.ErrBookingNotFound
			}
			err = fmt.Errorf("%w: booking is %s", store.ErrInvalidState, status)
		}
		return models.Booking{}, err
	}

	if err = insertBookingEvent(ctx, tx, booking, at); err != nil {
		return models.Booking{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, unavailable(err)
	}
	s.publish(ctx, changefeed.OpUpdate, booking)
	return booking, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, shopID string, createdAt time.Time, seq int64) (int, error) {
	if !isUUID(shopID) {
		return 0, nil
	}
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bookings
		WHERE shop_id = $1 AND status = 'waiting'
		  AND (created_at < $2 OR (created_at = $2 AND seq < $3))
	`, shopID, createdAt, seq)
	if err := row.Scan(&count); err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (s *Store) QueryActiveByShop(ctx context.Context, shopID string) ([]models.Booking, error) {
	if !isUUID(shopID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings b
		WHERE b.shop_id = $1 AND b.status IN ('waiting', 'serving')
		ORDER BY b.created_at ASC, b.seq ASC
	`, shopID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return bookings, nil
}

func (s *Store) QueryActiveByUser(ctx context.Context, userID string) ([]models.Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookingColumns+`, s.name, s.location
		FROM bookings b
		JOIN shops s ON s.shop_id = b.shop_id
		WHERE b.user_id = $1 AND b.status IN ('waiting', 'serving')
		ORDER BY b.created_at ASC, b.seq ASC
	`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		booking, err := scanBookingWithShop(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return bookings, nil
}

func (s *Store) GetBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	if !isUUID(bookingID) {
		return models.Booking{}, store.ErrBookingNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`, s.name, s.location
		FROM bookings b
		JOIN shops s ON s.shop_id = b.shop_id
		WHERE b.booking_id = $1
	`, bookingID)
	return scanBookingWithShop(row)
}

// CallNext completes the serving booking and promotes the earliest waiting one
// in a single transaction. The shop row lock serializes concurrent callers.
func (s *Store) CallNext(ctx context.Context, shopID string, at time.Time) (result store.CallNextResult, err error) {
	if !isUUID(shopID) {
		return store.CallNextResult{}, store.ErrShopNotFound
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = dbTime(at)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallNextResult{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var locked string
	if err = tx.QueryRow(ctx, `SELECT shop_id FROM shops WHERE shop_id = $1 FOR UPDATE`, shopID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallNextResult{}, store.ErrShopNotFound
		}
		return store.CallNextResult{}, unavailable(err)
	}

	var nextID string
	row := tx.QueryRow(ctx, `
		SELECT booking_id
		FROM bookings
		WHERE shop_id = $1 AND status = 'waiting'
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, shopID)
	if err = row.Scan(&nextID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallNextResult{}, store.ErrNothingToCall
		}
		return store.CallNextResult{}, unavailable(err)
	}

	row = tx.QueryRow(ctx, `
		UPDATE bookings b
		SET status = 'completed', finished_at = $2
		WHERE b.shop_id = $1 AND b.status = 'serving'
		RETURNING `+bookingColumns+`
	`, shopID, at)
	completed, err := scanBooking(row)
	switch {
	case err == nil:
		if err = insertBookingEvent(ctx, tx, completed, at); err != nil {
			return store.CallNextResult{}, err
		}
		result.Completed = &completed
	case errors.Is(err, store.ErrBookingNotFound):
		err = nil
	default:
		return store.CallNextResult{}, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE bookings b
		SET status = 'serving', served_at = $2
		WHERE b.booking_id = $1 AND b.status = 'waiting'
		RETURNING `+bookingColumns+`
	`, nextID, at)
	result.Serving, err = scanBooking(row)
	if err != nil {
		return store.CallNextResult{}, err
	}
	if err = insertBookingEvent(ctx, tx, result.Serving, at); err != nil {
		return store.CallNextResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.CallNextResult{}, unavailable(err)
	}
	if result.Completed != nil {
		s.publish(ctx, changefeed.OpUpdate, *result.Completed)
	}
	s.publish(ctx, changefeed.OpUpdate, result.Serving)
	return result, nil
}

func (s *Store) CountCompletedSince(ctx context.Context, shopID string, since time.Time) (int, error) {
	if !isUUID(shopID) {
		return 0, nil
	}
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bookings
		WHERE shop_id = $1 AND status = 'completed' AND finished_at >= $2
	`, shopID, since)
	if err := row.Scan(&count); err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (s *Store) ListBookingEvents(ctx context.Context, bookingID string) ([]store.BookingEvent, error) {
	if !isUUID(bookingID) {
		return nil, store.ErrBookingNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT booking_id, booking_seq, type, payload::text, created_at, prev_hash, hash
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY booking_seq ASC
	`, bookingID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var events []store.BookingEvent
	for rows.Next() {
		var event store.BookingEvent
		var payload string
		if err := rows.Scan(&event.BookingID, &event.BookingSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	if len(events) == 0 {
		if _, err := s.GetBooking(ctx, bookingID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) Subscribe(ctx context.Context, filter changefeed.Filter) (*changefeed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(filter), nil
}

func (s *Store) publish(ctx context.Context, op string, booking models.Booking) {
	_ = s.publisher.Publish(context.WithoutCancel(ctx), changefeed.Change{Op: op, Booking: booking})
}

// insertBookingEvent appends to the per-booking hash chain. The advisory lock
// keeps concurrent writers from claiming the same sequence number.
func insertBookingEvent(ctx context.Context, tx pgx.Tx, booking models.Booking, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, booking.BookingID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT booking_seq, hash
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY booking_seq DESC
		LIMIT 1
		FOR UPDATE
	`, booking.BookingID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}

	payload, err := store.EventPayload(booking)
	if err != nil {
		return err
	}
	eventType := store.EventTypeFor(booking.Status)
	createdAt := dbTime(at)
	hash := store.ComputeBookingEventHash(prev, booking.BookingID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_events (booking_id, booking_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4::json, $5, $6, $7)
	`, booking.BookingID, nextSeq, eventType, string(payload), createdAt, prev, hash)
	return err
}

func loadBookingStatus(ctx context.Context, tx pgx.Tx, bookingID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE booking_id = $1`, bookingID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, unavailable(err)
	}
	return status, true, nil
}

func scanBooking(row pgx.Row) (models.Booking, error) {
	var booking models.Booking
	var servedAt, finishedAt sql.NullTime
	if err := row.Scan(&booking.BookingID, &booking.Seq, &booking.ShopID, &booking.UserID, &booking.DisplayName, &booking.Status, &booking.CreatedAt, &servedAt, &finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, unavailable(err)
	}
	booking.ServedAt = nullTimePtr(servedAt)
	booking.FinishedAt = nullTimePtr(finishedAt)
	return booking, nil
}

func scanBookingWithShop(row pgx.Row) (models.Booking, error) {
	var booking models.Booking
	var servedAt, finishedAt sql.NullTime
	if err := row.Scan(&booking.BookingID, &booking.Seq, &booking.ShopID, &booking.UserID, &booking.DisplayName, &booking.Status, &booking.CreatedAt, &servedAt, &finishedAt, &booking.ShopName, &booking.ShopLocation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, unavailable(err)
	}
	booking.ServedAt = nullTimePtr(servedAt)
	booking.FinishedAt = nullTimePtr(finishedAt)
	return booking, nil
}

func scanShopRow(row pgx.Row) (models.Shop, error) {
	shop, err := scanShop(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shop{}, store.ErrShopNotFound
	}
	return shop, err
}

func scanShop(row pgx.Row) (models.Shop, error) {
	var shop models.Shop
	if err := row.Scan(&shop.ShopID, &shop.OwnerID, &shop.Name, &shop.Category, &shop.Location, &shop.Description, &shop.ImageURL, &shop.AvgServiceMinutes, &shop.CreatedAt, &shop.Waiting); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Shop{}, err
		}
		return models.Shop{}, unavailable(err)
	}
	return shop, nil
}

// unavailable marks connection-level failures so callers can tell them apart
// from rejected writes. Server-side errors and cancellations pass through.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// dbTime matches the microsecond precision of timestamptz so values read back
// compare equal to the ones written.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
