package orders

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOrderID indicates that an order identifier is empty or exceeds storage bounds.
	ErrInvalidOrderID = errors.New("orders: invalid order id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("orders: invalid user id")
	// ErrInvalidRole indicates that a role value is not one of the supported dashboard roles.
	ErrInvalidRole = errors.New("orders: invalid role")
)

// OrderID represents a validated order identifier.
type OrderID string

// NewOrderID validates raw input and returns an OrderID.
func NewOrderID(rawInput string) (OrderID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrderID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOrderID, maxIdentifierLength)
	}
	return OrderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OrderID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates the dashboard roles recognized by the platform.
type Role string

const (
	// RoleCustomer places orders and tracks their own deliveries.
	RoleCustomer Role = "CUSTOMER"
	// RoleCourier accepts available orders and advances assigned deliveries.
	RoleCourier Role = "COURIER"
	// RoleAdmin oversees all orders and may assign couriers.
	RoleAdmin Role = "ADMIN"
)

// ParseRole validates a raw role value.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleCourier:
		return RoleCourier, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the underlying role value.
func (r Role) String() string {
	return string(r)
}

// Actor identifies the authenticated user performing an operation.
type Actor struct {
	UserID string
	Role   Role
}

// Order models a delivery order with optimistic-concurrency metadata.
type Order struct {
	OrderID            string  `gorm:"column:order_id;primaryKey;size:190;not null"`
	CustomerID         string  `gorm:"column:customer_id;size:190;not null;index:idx_orders_customer"`
	CourierID          string  `gorm:"column:courier_id;size:190;default:'';index:idx_orders_courier"`
	PickupAddress      string  `gorm:"column:pickup_address;type:text;not null"`
	DeliveryAddress    string  `gorm:"column:delivery_address;type:text;not null"`
	DistanceKM         float64 `gorm:"column:distance_km;not null"`
	Price              float64 `gorm:"column:price;not null"`
	Status             Status  `gorm:"column:status;size:20;not null"`
	Version            int64   `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64   `gorm:"column:updated_at_s;not null;index:idx_orders_updated"`
	AssignedAtSeconds  int64   `gorm:"column:assigned_at_s;not null;default:0"`
	PickedUpAtSeconds  int64   `gorm:"column:picked_up_at_s;not null;default:0"`
	InTransitAtSeconds int64   `gorm:"column:in_transit_at_s;not null;default:0"`
	DeliveredAtSeconds int64   `gorm:"column:delivered_at_s;not null;default:0"`
	CancelledAtSeconds int64   `gorm:"column:cancelled_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}

// VisibleTo reports whether the order falls inside the viewer's dashboard scope.
// Customers see their own orders, couriers see assigned plus still-unclaimed
// orders, admins see everything.
func (o Order) VisibleTo(viewer Actor) bool {
	switch viewer.Role {
	case RoleCustomer:
		return o.CustomerID == viewer.UserID
	case RoleCourier:
		return o.CourierID == viewer.UserID || o.Status == StatusCreated
	case RoleAdmin:
		return true
	default:
		return false
	}
}

// OrderChange captures an append-only audit trail for status transitions.
type OrderChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	OrderID          string `gorm:"column:order_id;size:190;not null;index:idx_order_changes_order"`
	ActorID          string `gorm:"column:actor_id;size:190;not null"`
	PreviousStatus   Status `gorm:"column:prev_status;size:20;not null"`
	NewStatus        Status `gorm:"column:new_status;size:20;not null"`
	PreviousVersion  int64  `gorm:"column:prev_version;not null"`
	NewVersion       int64  `gorm:"column:new_version;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OrderChange) TableName() string {
	return "order_changes"
}
