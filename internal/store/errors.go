package store

import "errors"

var (
	ErrShopNotFound    = errors.New("shop not found")
	ErrShopExists      = errors.New("owner already has a shop")
	ErrBookingNotFound = errors.New("booking not found")
	ErrAlreadyQueued   = errors.New("already in queue")
	ErrNothingToCall   = errors.New("nothing to call")
	ErrNothingServing  = errors.New("nothing is being served")
	ErrInvalidState    = errors.New("invalid booking state")
	ErrUnavailable     = errors.New("store unavailable")
)
