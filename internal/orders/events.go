package orders

import "context"

// EventKind enumerates the order lifecycle events fanned out to sinks.
type EventKind string

const (
	// EventKindOrderCreated fires once when an order is placed.
	EventKindOrderCreated EventKind = "order-created"
	// EventKindCourierAssigned fires when a courier claims or is given an order.
	EventKindCourierAssigned EventKind = "courier-assigned"
	// EventKindStatusChanged fires on every other successful status transition.
	EventKindStatusChanged EventKind = "status-changed"
)

// Event describes a committed order mutation. Events are emitted only after
// the transaction has committed; consumers treat them as best-effort hints
// and must never influence the order mutation itself.
type Event struct {
	Kind           EventKind
	Order          Order
	PreviousStatus Status
	// PreviousCourierID names the courier displaced by a reassignment; empty
	// when the order had no courier before the mutation.
	PreviousCourierID string
	ActorID           string
}

// EventSink consumes committed order events. Implementations handle their own
// failures; a sink cannot veto or roll back the mutation that produced the event.
type EventSink interface {
	OrderEvent(ctx context.Context, event Event)
}

type fanOutSink []EventSink

func (s fanOutSink) OrderEvent(ctx context.Context, event Event) {
	for _, sink := range s {
		if sink != nil {
			sink.OrderEvent(ctx, event)
		}
	}
}

// FanOutSink combines multiple sinks into one; events are delivered in order.
func FanOutSink(sinks ...EventSink) EventSink {
	return fanOutSink(sinks)
}
