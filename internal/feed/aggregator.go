package feed

import (
	"context"
	"errors"

	"github.com/parcelpulse/backend/internal/notifications"
	"github.com/parcelpulse/backend/internal/orders"
)

var (
	errMissingOrderSource        = errors.New("feed: order source is required")
	errMissingNotificationSource = errors.New("feed: notification source is required")
)

// OrderSource supplies the orders visible to a viewer's scope.
type OrderSource interface {
	ListVisible(ctx context.Context, viewer orders.Actor) ([]orders.Order, error)
}

// NotificationSource supplies notifications past a sequence watermark.
type NotificationSource interface {
	ListSince(ctx context.Context, userID string, afterSequence int64) ([]notifications.Notification, error)
}

// Delta is the batch of changes observed since a pair of watermarks. Orders
// carry only their final state, never intermediate versions; the watermark
// maps in the delta are what the caller should persist once the batch is
// delivered.
type Delta struct {
	Orders                []orders.Order
	Notifications         []notifications.Notification
	OrderWatermarks       map[string]int64
	NotificationWatermark int64
	HasUpdates            bool
}

// Aggregator merges order-state deltas and notification deltas into a single
// batch for one viewer scope. It holds no state of its own; every call is an
// independent read.
type Aggregator struct {
	orders        OrderSource
	notifications NotificationSource
}

// NewAggregator constructs an Aggregator over the two sources.
func NewAggregator(orderSource OrderSource, notificationSource NotificationSource) (*Aggregator, error) {
	if orderSource == nil {
		return nil, errMissingOrderSource
	}
	if notificationSource == nil {
		return nil, errMissingNotificationSource
	}
	return &Aggregator{orders: orderSource, notifications: notificationSource}, nil
}

// ComputeDelta returns everything the viewer has not seen yet. An order is
// part of the delta when its current version exceeds the session's recorded
// version for that specific order; an order with no recorded version (newly
// entered the scope) is delivered at its full current version. The returned
// watermark map covers every currently visible order so that replaying the
// same watermarks yields an empty delta.
func (a *Aggregator) ComputeDelta(ctx context.Context, viewer orders.Actor, orderWatermarks map[string]int64, notificationWatermark int64) (Delta, error) {
	visible, err := a.orders.ListVisible(ctx, viewer)
	if err != nil {
		return Delta{}, err
	}

	changed := make([]orders.Order, 0)
	nextWatermarks := make(map[string]int64, len(visible))
	for _, order := range visible {
		nextWatermarks[order.OrderID] = order.Version
		if order.Version > orderWatermarks[order.OrderID] {
			changed = append(changed, order)
		}
	}

	newNotifications, err := a.notifications.ListSince(ctx, viewer.UserID, notificationWatermark)
	if err != nil {
		return Delta{}, err
	}

	nextNotificationWatermark := notificationWatermark
	for _, record := range newNotifications {
		if record.Sequence > nextNotificationWatermark {
			nextNotificationWatermark = record.Sequence
		}
	}

	return Delta{
		Orders:                changed,
		Notifications:         newNotifications,
		OrderWatermarks:       nextWatermarks,
		NotificationWatermark: nextNotificationWatermark,
		HasUpdates:            len(changed) > 0 || len(newNotifications) > 0,
	}, nil
}
