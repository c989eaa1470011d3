package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the delivery lifecycle states.
type Status string

const (
	// StatusCreated is the initial state of a freshly placed order.
	StatusCreated Status = "CREATED"
	// StatusAssigned means a courier has claimed or been given the order.
	StatusAssigned Status = "ASSIGNED"
	// StatusPickedUp means the courier has collected the package.
	StatusPickedUp Status = "PICKED_UP"
	// StatusInTransit means the package is on its way.
	StatusInTransit Status = "IN_TRANSIT"
	// StatusDelivered is the successful terminal state.
	StatusDelivered Status = "DELIVERED"
	// StatusCancelled is the terminal state reachable from any state before delivery.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidStatus indicates that a raw status value is not part of the lifecycle.
var ErrInvalidStatus = errors.New("orders: invalid status")

// statusTransitions is the forward-only lifecycle table. Cancellation is
// handled separately in CanTransitionTo: every non-terminal state may fall
// out to Cancelled.
var statusTransitions = map[Status][]Status{
	StatusCreated:   {StatusAssigned},
	StatusAssigned:  {StatusPickedUp},
	StatusPickedUp:  {StatusInTransit},
	StatusInTransit: {StatusDelivered},
}

// ParseStatus validates a raw status value.
func ParseStatus(rawInput string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(rawInput)))
	switch candidate {
	case StatusCreated, StatusAssigned, StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// String returns the underlying status value.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transition is legal from this status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
