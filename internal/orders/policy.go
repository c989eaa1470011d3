package orders

// TransitionPolicy decides whether an actor may drive an order to the next
// status. The status machine itself is validated separately; the policy only
// answers the permission question.
type TransitionPolicy interface {
	CanTransition(order Order, actor Actor, next Status) bool
}

// RolePolicy is the default dashboard permission model: customers may cancel
// their own orders, couriers may claim unassigned orders and advance their
// assigned ones, admins may perform any transition.
type RolePolicy struct{}

// CanTransition implements TransitionPolicy.
func (RolePolicy) CanTransition(order Order, actor Actor, next Status) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return next == StatusCancelled && order.CustomerID == actor.UserID
	case RoleCourier:
		if next == StatusAssigned {
			return order.CourierID == ""
		}
		if order.CourierID != actor.UserID {
			return false
		}
		switch next {
		case StatusPickedUp, StatusInTransit, StatusDelivered:
			return true
		default:
			return false
		}
	default:
		return false
	}
}
