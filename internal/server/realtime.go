package server

import (
	"context"
	"sync"
	"time"

	"github.com/parcelpulse/backend/internal/orders"
)

const (
	// UpdateEventOrderChanged hints that an order in the user's scope changed.
	UpdateEventOrderChanged = "order-change"
	updateEventHeartbeat    = "heartbeat"
)

// UpdateHint is the lightweight push message fanned out to a user's open
// streams. It never carries authoritative state; clients poll the update
// endpoint for the real delta.
type UpdateHint struct {
	UserID    string
	EventType string
	OrderID   string
	Status    string
	Timestamp time.Time
}

// UpdateDispatcher is the in-memory per-user hint fan-out. Slow subscribers
// are skipped rather than blocked; a dropped hint is recovered by the next
// poll tick.
type UpdateDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*updateSubscriber
	nextID      int64
	bufferSize  int
}

type updateSubscriber struct {
	id     int64
	stream chan UpdateHint
}

// NewUpdateDispatcher constructs an empty dispatcher.
func NewUpdateDispatcher() *UpdateDispatcher {
	return &UpdateDispatcher{
		subscribers: make(map[string]map[int64]*updateSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user; the stream closes its delivery
// when ctx is done or the returned cleanup runs.
func (d *UpdateDispatcher) Subscribe(ctx context.Context, userID string) (<-chan UpdateHint, func()) {
	if userID == "" {
		ch := make(chan UpdateHint)
		close(ch)
		return ch, func() {}
	}
	subscriber := &updateSubscriber{
		id:     d.nextSequence(),
		stream: make(chan UpdateHint, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the hint out to every stream the user currently holds open.
func (d *UpdateDispatcher) Publish(hint UpdateHint) {
	if hint.UserID == "" || hint.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[hint.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*updateSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- hint:
		default:
		}
	}
}

// OrderEvent implements orders.EventSink: every committed order mutation
// pokes the customer, the courier holding the order, and any courier a
// reassignment just displaced.
func (d *UpdateDispatcher) OrderEvent(_ context.Context, event orders.Event) {
	timestamp := time.Now().UTC()
	recipients := []string{event.Order.CustomerID}
	if event.Order.CourierID != "" && event.Order.CourierID != event.Order.CustomerID {
		recipients = append(recipients, event.Order.CourierID)
	}
	if displaced := event.PreviousCourierID; displaced != "" && displaced != event.Order.CourierID {
		recipients = append(recipients, displaced)
	}
	for _, recipient := range recipients {
		d.Publish(UpdateHint{
			UserID:    recipient,
			EventType: UpdateEventOrderChanged,
			OrderID:   event.Order.OrderID,
			Status:    event.Order.Status.String(),
			Timestamp: timestamp,
		})
	}
}

func (d *UpdateDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *UpdateDispatcher) registerSubscriber(userID string, subscriber *updateSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*updateSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *UpdateDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
