package queue

import (
	"context"
	"errors"

	"qline/internal/store"
)

type Kind string

const (
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindInvalid         Kind = "invalid"
	KindInternal        Kind = "internal"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not allowed for this user")
	ErrInvalidInput    = errors.New("invalid input")
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidInput):
		return KindInvalid
	case errors.Is(err, store.ErrAlreadyQueued),
		errors.Is(err, store.ErrNothingToCall),
		errors.Is(err, store.ErrNothingServing),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrShopExists):
		return KindConflict
	case errors.Is(err, store.ErrShopNotFound), errors.Is(err, store.ErrBookingNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}
