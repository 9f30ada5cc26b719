package store

import (
	"fmt"

	"qline/internal/models"
)

const (
	ActionCallNext = "call_next"
	ActionFinish   = "finish"
	ActionLeave    = "leave"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionFinish:   {models.StatusServing},
	ActionLeave:    {models.StatusWaiting, models.StatusServing},
}

var actionTarget = map[string]string{
	ActionCallNext: models.StatusServing,
	ActionFinish:   models.StatusCompleted,
	ActionLeave:    models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus reports the status an action moves a booking into.
func TargetStatus(action string) (string, bool) {
	status, ok := actionTarget[action]
	return status, ok
}

// ValidEdge reports whether a booking may move directly from one status to another.
func ValidEdge(from, to string) bool {
	for action, target := range actionTarget {
		if target == to && ValidTransition(action, from) {
			return true
		}
	}
	return false
}

// CheckStatusUpdate guards direct status writes. Promotion to serving is
// refused here because only CallNext picks the earliest waiting booking.
func CheckStatusUpdate(from, to string) error {
	if to == models.StatusServing {
		return fmt.Errorf("%w: promote bookings with call next", ErrInvalidState)
	}
	if !ValidEdge(from, to) {
		return ErrInvalidState
	}
	return nil
}

func IsTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusCancelled
}
