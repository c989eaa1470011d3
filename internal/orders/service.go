package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrOrderNotFound indicates the referenced order does not exist.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrUnauthorized indicates the actor lacks permission for the requested mutation.
	ErrUnauthorized = errors.New("orders: actor not authorized")
	// ErrInvalidTransition indicates the target status is not reachable from the
	// current one, including the case where a concurrent mutation won the race.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrStoreFailure marks a transient persistence failure; callers may retry.
	ErrStoreFailure = errors.New("orders: store failure")
	// ErrInvalidOrderInput indicates an order placement payload failed validation.
	ErrInvalidOrderInput = errors.New("orders: invalid order input")
)

// ServiceError wraps a failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "orders.service.new"
	opCreateOrder   = "orders.create"
	opAssignCourier = "orders.assign_courier"
	opAdvanceStatus = "orders.advance_status"
	opGetOrder      = "orders.get"
	opListVisible   = "orders.list_visible"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Pricing holds the flat pricing model applied at order placement.
type Pricing struct {
	BaseFee   float64
	PerKMRate float64
}

// DefaultPricing mirrors the platform's stock rates.
var DefaultPricing = Pricing{BaseFee: 50, PerKMRate: 20}

// Quote computes the order price for the given distance.
func (p Pricing) Quote(distanceKM float64) float64 {
	return p.BaseFee + p.PerKMRate*distanceKM
}

// ServiceConfig describes the dependencies of the order state store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Policy     TransitionPolicy
	Sink       EventSink
	Pricing    Pricing
}

// Service is the order state store. Every status mutation bumps the order
// version exactly once; concurrent writers are serialized by a row lock plus
// a version-guarded update, and the loser surfaces ErrInvalidTransition.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	policy     TransitionPolicy
	sink       EventSink
	pricing    Pricing
}

// NewService constructs the order state store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	policy := cfg.Policy
	if policy == nil {
		policy = RolePolicy{}
	}

	pricing := cfg.Pricing
	if pricing.BaseFee == 0 && pricing.PerKMRate == 0 {
		pricing = DefaultPricing
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		policy:     policy,
		sink:       cfg.Sink,
		pricing:    pricing,
	}, nil
}

// CreateOrderInput describes an order placement request.
type CreateOrderInput struct {
	CustomerID      UserID
	PickupAddress   string
	DeliveryAddress string
	DistanceKM      float64
}

func (in CreateOrderInput) validate() error {
	if strings.TrimSpace(in.PickupAddress) == "" {
		return fmt.Errorf("%w: pickup address required", ErrInvalidOrderInput)
	}
	if strings.TrimSpace(in.DeliveryAddress) == "" {
		return fmt.Errorf("%w: delivery address required", ErrInvalidOrderInput)
	}
	if in.DistanceKM <= 0 {
		return fmt.Errorf("%w: distance must be positive", ErrInvalidOrderInput)
	}
	return nil
}

// CreateOrder places a new order at version 1 with status Created.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	if err := input.validate(); err != nil {
		return Order{}, newServiceError(opCreateOrder, "invalid_input", err)
	}

	orderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateOrder, "id_generation_failed", err)
		return Order{}, newServiceError(opCreateOrder, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	order := Order{
		OrderID:          orderID,
		CustomerID:       input.CustomerID.String(),
		PickupAddress:    strings.TrimSpace(input.PickupAddress),
		DeliveryAddress:  strings.TrimSpace(input.DeliveryAddress),
		DistanceKM:       input.DistanceKM,
		Price:            s.pricing.Quote(input.DistanceKM),
		Status:           StatusCreated,
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		s.logError(opCreateOrder, "order_insert_failed", err, zap.String("customer_id", order.CustomerID))
		return Order{}, newServiceError(opCreateOrder, "order_insert_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}

	s.emit(ctx, Event{Kind: EventKindOrderCreated, Order: order, ActorID: order.CustomerID})
	return order, nil
}

// AdvanceStatus drives the order to the next status on behalf of the actor.
// A courier advancing to Assigned claims the order for themselves; admin
// assignment with an explicit courier goes through AssignCourier. The check
// and mutation are atomic: on any failure the order is left untouched.
func (s *Service) AdvanceStatus(ctx context.Context, orderID OrderID, next Status, actor Actor) (Order, error) {
	courierID := ""
	if next == StatusAssigned {
		courierID = actor.UserID
	}
	return s.applyTransition(ctx, opAdvanceStatus, orderID, actor, next, courierID, false)
}

// AssignCourier hands the order to the given courier. Admin only. An order
// that is already Assigned may be retargeted to a different courier; the
// displaced courier is reported on the emitted event.
func (s *Service) AssignCourier(ctx context.Context, orderID OrderID, courierID UserID, actor Actor) (Order, error) {
	if actor.Role != RoleAdmin {
		return Order{}, newServiceError(opAssignCourier, "not_authorized", ErrUnauthorized)
	}
	return s.applyTransition(ctx, opAssignCourier, orderID, actor, StatusAssigned, courierID.String(), true)
}

func (s *Service) applyTransition(ctx context.Context, operation string, orderID OrderID, actor Actor, next Status, courierID string, allowReassign bool) (Order, error) {
	var updated Order
	var previous Status
	var previousCourier string

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", orderID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "order_not_found", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID.String()))
		}
		if err != nil {
			s.logError(operation, "order_select_failed", err, zap.String("order_id", orderID.String()))
			return newServiceError(operation, "order_select_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}

		legal := existing.Status.CanTransitionTo(next)
		if !legal && allowReassign && existing.Status == StatusAssigned && next == StatusAssigned && existing.CourierID != courierID {
			// Reassignment: the status stays Assigned but the order changes hands.
			legal = true
		}
		if !legal {
			return newServiceError(operation, "invalid_transition",
				fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, next))
		}
		if !s.policy.CanTransition(existing, actor, next) {
			return newServiceError(operation, "not_authorized", ErrUnauthorized)
		}

		now := s.clock().UTC().Unix()
		previous = existing.Status
		previousCourier = existing.CourierID
		updated = existing
		updated.Status = next
		updated.Version = existing.Version + 1
		updated.UpdatedAtSeconds = now
		if courierID != "" {
			updated.CourierID = courierID
		}
		stampStatusTime(&updated, next, now)

		result := tx.Model(&Order{}).
			Where("order_id = ? AND version = ?", existing.OrderID, existing.Version).
			Updates(map[string]interface{}{
				"status":           updated.Status,
				"version":          updated.Version,
				"courier_id":       updated.CourierID,
				"updated_at_s":     updated.UpdatedAtSeconds,
				statusColumn(next): now,
			})
		if result.Error != nil {
			s.logError(operation, "order_update_failed", result.Error, zap.String("order_id", orderID.String()))
			return newServiceError(operation, "order_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, result.Error))
		}
		if result.RowsAffected == 0 {
			// Version guard lost the race; the caller must re-read and re-validate.
			return newServiceError(operation, "lost_update_race",
				fmt.Errorf("%w: version %d superseded", ErrInvalidTransition, existing.Version))
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.String("order_id", orderID.String()))
			return newServiceError(operation, "id_generation_failed", err)
		}
		audit := OrderChange{
			ChangeID:         changeID,
			OrderID:          updated.OrderID,
			ActorID:          actor.UserID,
			PreviousStatus:   previous,
			NewStatus:        next,
			PreviousVersion:  existing.Version,
			NewVersion:       updated.Version,
			AppliedAtSeconds: now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(operation, "audit_insert_failed", err, zap.String("order_id", orderID.String()))
			return newServiceError(operation, "audit_insert_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
	if txErr != nil {
		return Order{}, txErr
	}

	kind := EventKindStatusChanged
	if next == StatusAssigned {
		kind = EventKindCourierAssigned
	}
	s.emit(ctx, Event{Kind: kind, Order: updated, PreviousStatus: previous, PreviousCourierID: previousCourier, ActorID: actor.UserID})
	return updated, nil
}

// GetOrder loads a single order by identifier.
func (s *Service) GetOrder(ctx context.Context, orderID OrderID) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID.String()).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, newServiceError(opGetOrder, "order_not_found", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID.String()))
	}
	if err != nil {
		s.logError(opGetOrder, "order_select_failed", err, zap.String("order_id", orderID.String()))
		return Order{}, newServiceError(opGetOrder, "order_select_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	return order, nil
}

// ListVisible returns every order inside the viewer's dashboard scope,
// most recently updated first.
func (s *Service) ListVisible(ctx context.Context, viewer Actor) ([]Order, error) {
	query := s.db.WithContext(ctx).Model(&Order{})
	switch viewer.Role {
	case RoleCustomer:
		query = query.Where("customer_id = ?", viewer.UserID)
	case RoleCourier:
		query = query.Where("courier_id = ? OR status = ?", viewer.UserID, StatusCreated)
	case RoleAdmin:
		// admins see everything
	default:
		return []Order{}, nil
	}

	var visible []Order
	if err := query.Order("updated_at_s DESC, order_id ASC").Find(&visible).Error; err != nil {
		s.logError(opListVisible, "query_failed", err, zap.String("user_id", viewer.UserID))
		return nil, newServiceError(opListVisible, "query_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	return visible, nil
}

func (s *Service) emit(ctx context.Context, event Event) {
	if s.sink == nil {
		return
	}
	s.sink.OrderEvent(ctx, event)
}

func stampStatusTime(order *Order, status Status, now int64) {
	switch status {
	case StatusAssigned:
		order.AssignedAtSeconds = now
	case StatusPickedUp:
		order.PickedUpAtSeconds = now
	case StatusInTransit:
		order.InTransitAtSeconds = now
	case StatusDelivered:
		order.DeliveredAtSeconds = now
	case StatusCancelled:
		order.CancelledAtSeconds = now
	}
}

func statusColumn(status Status) string {
	switch status {
	case StatusAssigned:
		return "assigned_at_s"
	case StatusPickedUp:
		return "picked_up_at_s"
	case StatusInTransit:
		return "in_transit_at_s"
	case StatusDelivered:
		return "delivered_at_s"
	default:
		return "cancelled_at_s"
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("orders service error", attrs...)
}
