package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/parcelpulse/backend/internal/orders"
	"go.uber.org/zap"
)

var errMissingLedger = errors.New("notification ledger is required")

// AdminDirectory lists the admin users that receive platform-wide alerts.
type AdminDirectory interface {
	ListAdminIDs(ctx context.Context) ([]string, error)
}

// NotifierConfig describes the dependencies of the order event notifier.
type NotifierConfig struct {
	Ledger *Ledger
	Admins AdminDirectory
	Logger *zap.Logger
}

// Notifier turns committed order events into ledger appends. Appends are
// best-effort: a failure is logged and swallowed, the order mutation that
// produced the event is already committed and stays authoritative.
type Notifier struct {
	ledger *Ledger
	admins AdminDirectory
	logger *zap.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Notifier{
		ledger: cfg.Ledger,
		admins: cfg.Admins,
		logger: logger,
	}, nil
}

// OrderEvent implements orders.EventSink.
func (n *Notifier) OrderEvent(ctx context.Context, event orders.Event) {
	switch event.Kind {
	case orders.EventKindOrderCreated:
		n.append(ctx, AppendInput{
			UserID:  event.Order.CustomerID,
			Kind:    KindOrderCreated,
			Title:   fmt.Sprintf("Order %s created", shortID(event.Order.OrderID)),
			Message: fmt.Sprintf("Your order from %s to %s has been created. We'll notify you when a courier is assigned.", event.Order.PickupAddress, event.Order.DeliveryAddress),
			OrderID: event.Order.OrderID,
		})
		n.notifyAdmins(ctx, AppendInput{
			Kind:    KindOrderCreated,
			Title:   fmt.Sprintf("New order %s placed", shortID(event.Order.OrderID)),
			Message: fmt.Sprintf("A new order was placed from %s to %s (%.1f km, price %.2f).", event.Order.PickupAddress, event.Order.DeliveryAddress, event.Order.DistanceKM, event.Order.Price),
			OrderID: event.Order.OrderID,
		})
	case orders.EventKindCourierAssigned:
		n.append(ctx, AppendInput{
			UserID:  event.Order.CustomerID,
			Kind:    KindOrderAssigned,
			Title:   fmt.Sprintf("Courier assigned to order %s", shortID(event.Order.OrderID)),
			Message: "A courier has been assigned to your order and will pick it up soon.",
			OrderID: event.Order.OrderID,
		})
		if event.Order.CourierID != "" {
			n.append(ctx, AppendInput{
				UserID:  event.Order.CourierID,
				Kind:    KindOrderAssigned,
				Title:   fmt.Sprintf("Order %s assigned to you", shortID(event.Order.OrderID)),
				Message: fmt.Sprintf("Pick up at %s, deliver to %s.", event.Order.PickupAddress, event.Order.DeliveryAddress),
				OrderID: event.Order.OrderID,
			})
		}
	case orders.EventKindStatusChanged:
		n.append(ctx, n.statusUpdate(event))
	}
}

func (n *Notifier) statusUpdate(event orders.Event) AppendInput {
	input := AppendInput{
		UserID:  event.Order.CustomerID,
		OrderID: event.Order.OrderID,
	}
	switch event.Order.Status {
	case orders.StatusDelivered:
		input.Kind = KindOrderDelivered
		input.Title = fmt.Sprintf("Order %s delivered", shortID(event.Order.OrderID))
		input.Message = "Your order has been delivered. Thank you for using ParcelPulse."
	case orders.StatusCancelled:
		input.Kind = KindOrderCancelled
		input.Title = fmt.Sprintf("Order %s cancelled", shortID(event.Order.OrderID))
		input.Message = "Your order has been cancelled."
	default:
		input.Kind = KindStatusUpdate
		input.Title = fmt.Sprintf("Order %s update", shortID(event.Order.OrderID))
		input.Message = fmt.Sprintf("Your order status changed from %s to %s.", event.PreviousStatus, event.Order.Status)
	}
	return input
}

func (n *Notifier) notifyAdmins(ctx context.Context, template AppendInput) {
	if n.admins == nil {
		return
	}
	adminIDs, err := n.admins.ListAdminIDs(ctx)
	if err != nil {
		n.logger.Warn("admin directory lookup failed", zap.Error(err))
		return
	}
	for _, adminID := range adminIDs {
		input := template
		input.UserID = adminID
		n.append(ctx, input)
	}
}

func (n *Notifier) append(ctx context.Context, input AppendInput) {
	if _, err := n.ledger.Append(ctx, input); err != nil {
		n.logger.Warn("notification append failed",
			zap.String("user_id", input.UserID),
			zap.String("order_id", input.OrderID),
			zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
