package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCreateOrderStartsAtVersionOne(t *testing.T) {
	service, _, sink := newTestService(t)

	order := mustCreateOrder(t, service, "customer-1")

	if order.Version != 1 {
		t.Fatalf("expected version 1, got %d", order.Version)
	}
	if order.Status != StatusCreated {
		t.Fatalf("expected status %s, got %s", StatusCreated, order.Status)
	}
	if order.CourierID != "" {
		t.Fatalf("expected no courier, got %q", order.CourierID)
	}
	if expected := DefaultPricing.Quote(4); order.Price != expected {
		t.Fatalf("expected price %.2f, got %.2f", expected, order.Price)
	}

	events := sink.recorded()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventKindOrderCreated {
		t.Fatalf("expected %s event, got %s", EventKindOrderCreated, events[0].Kind)
	}
	if events[0].ActorID != "customer-1" {
		t.Fatalf("expected actor customer-1, got %s", events[0].ActorID)
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID:      "customer-1",
		PickupAddress:   "  ",
		DeliveryAddress: "9 Harbor Lane",
		DistanceKM:      4,
	})
	if !errors.Is(err, ErrInvalidOrderInput) {
		t.Fatalf("expected ErrInvalidOrderInput, got %v", err)
	}

	_, err = service.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID:      "customer-1",
		PickupAddress:   "12 Dock Street",
		DeliveryAddress: "9 Harbor Lane",
		DistanceKM:      -1,
	})
	if !errors.Is(err, ErrInvalidOrderInput) {
		t.Fatalf("expected ErrInvalidOrderInput for negative distance, got %v", err)
	}
}

func TestAdvanceStatusIncrementsVersionAndAudits(t *testing.T) {
	service, db, sink := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	courier := Actor{UserID: "courier-1", Role: RoleCourier}

	accepted := mustAdvance(t, service, order.OrderID, StatusAssigned, courier)

	if accepted.Version != 2 {
		t.Fatalf("expected version 2, got %d", accepted.Version)
	}
	if accepted.Status != StatusAssigned {
		t.Fatalf("expected status %s, got %s", StatusAssigned, accepted.Status)
	}
	if accepted.CourierID != "courier-1" {
		t.Fatalf("expected courier-1 to hold the order, got %q", accepted.CourierID)
	}
	if accepted.AssignedAtSeconds == 0 {
		t.Fatal("expected assignment timestamp to be stamped")
	}

	var changes []OrderChange
	if err := db.Where("order_id = ?", order.OrderID).Find(&changes).Error; err != nil {
		t.Fatalf("load audit trail: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(changes))
	}
	change := changes[0]
	if change.PreviousStatus != StatusCreated || change.NewStatus != StatusAssigned {
		t.Fatalf("unexpected audit statuses: %s -> %s", change.PreviousStatus, change.NewStatus)
	}
	if change.PreviousVersion != 1 || change.NewVersion != 2 {
		t.Fatalf("unexpected audit versions: %d -> %d", change.PreviousVersion, change.NewVersion)
	}
	if change.ActorID != "courier-1" {
		t.Fatalf("expected audit actor courier-1, got %s", change.ActorID)
	}

	events := sink.recorded()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Kind != EventKindCourierAssigned {
		t.Fatalf("expected %s event, got %s", EventKindCourierAssigned, events[1].Kind)
	}
	if events[1].PreviousStatus != StatusCreated {
		t.Fatalf("expected previous status %s, got %s", StatusCreated, events[1].PreviousStatus)
	}
}

func TestAdvanceStatusRejectsInvalidTransition(t *testing.T) {
	service, _, sink := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")

	_, err := service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusDelivered, Actor{UserID: "admin-1", Role: RoleAdmin})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	reloaded, err := service.GetOrder(context.Background(), OrderID(order.OrderID))
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Version != 1 || reloaded.Status != StatusCreated {
		t.Fatalf("expected order untouched at version 1 %s, got version %d %s", StatusCreated, reloaded.Version, reloaded.Status)
	}
	if got := len(sink.recorded()); got != 1 {
		t.Fatalf("expected no event for the failed transition, got %d total", got)
	}
}

func TestAdvanceStatusRejectsUnauthorizedActor(t *testing.T) {
	service, _, _ := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	mustAdvance(t, service, order.OrderID, StatusAssigned, Actor{UserID: "courier-1", Role: RoleCourier})

	_, err := service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusPickedUp, Actor{UserID: "courier-2", Role: RoleCourier})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	reloaded, err := service.GetOrder(context.Background(), OrderID(order.OrderID))
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Version != 2 {
		t.Fatalf("expected version unchanged at 2, got %d", reloaded.Version)
	}
}

func TestAdvanceStatusUnknownOrder(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.AdvanceStatus(context.Background(), "missing-order", StatusAssigned, Actor{UserID: "courier-1", Role: RoleCourier})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCustomerCancelsAfterPickup(t *testing.T) {
	service, _, sink := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	courier := Actor{UserID: "courier-1", Role: RoleCourier}
	mustAdvance(t, service, order.OrderID, StatusAssigned, courier)
	mustAdvance(t, service, order.OrderID, StatusPickedUp, courier)

	cancelled, err := service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusCancelled, Actor{UserID: "customer-1", Role: RoleCustomer})
	if err != nil {
		t.Fatalf("cancel after pickup: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected status %s, got %s", StatusCancelled, cancelled.Status)
	}
	if cancelled.Version != 4 {
		t.Fatalf("expected version 4 after cancellation, got %d", cancelled.Version)
	}
	if cancelled.CancelledAtSeconds == 0 {
		t.Fatal("expected cancellation timestamp to be stamped")
	}

	events := sink.recorded()
	last := events[len(events)-1]
	if last.Kind != EventKindStatusChanged || last.Order.Status != StatusCancelled {
		t.Fatalf("expected a cancellation event, got kind %s status %s", last.Kind, last.Order.Status)
	}

	_, err = service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusInTransit, Actor{UserID: "admin-1", Role: RoleAdmin})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after cancellation, got %v", err)
	}
}

func TestCancelAfterDeliveryRejected(t *testing.T) {
	service, _, _ := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	courier := Actor{UserID: "courier-1", Role: RoleCourier}
	mustAdvance(t, service, order.OrderID, StatusAssigned, courier)
	mustAdvance(t, service, order.OrderID, StatusPickedUp, courier)
	mustAdvance(t, service, order.OrderID, StatusInTransit, courier)
	mustAdvance(t, service, order.OrderID, StatusDelivered, courier)

	_, err := service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusCancelled, Actor{UserID: "customer-1", Role: RoleCustomer})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after delivery, got %v", err)
	}
}

func TestAssignCourierRequiresAdmin(t *testing.T) {
	service, _, _ := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")

	_, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-1", Actor{UserID: "customer-1", Role: RoleCustomer})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	assigned, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-1", Actor{UserID: "admin-1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("admin assignment failed: %v", err)
	}
	if assigned.CourierID != "courier-1" {
		t.Fatalf("expected courier-1 assigned, got %q", assigned.CourierID)
	}
	if assigned.Version != 2 {
		t.Fatalf("expected version 2 after assignment, got %d", assigned.Version)
	}
}

func TestAssignCourierReassignsAssignedOrder(t *testing.T) {
	service, db, sink := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	admin := Actor{UserID: "admin-1", Role: RoleAdmin}

	first, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-1", admin)
	if err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2 after first assignment, got %d", first.Version)
	}

	second, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-2", admin)
	if err != nil {
		t.Fatalf("reassignment: %v", err)
	}
	if second.CourierID != "courier-2" {
		t.Fatalf("expected courier-2 to hold the order, got %q", second.CourierID)
	}
	if second.Status != StatusAssigned {
		t.Fatalf("expected status %s, got %s", StatusAssigned, second.Status)
	}
	if second.Version != 3 {
		t.Fatalf("expected version 3 after reassignment, got %d", second.Version)
	}

	var changes []OrderChange
	if err := db.Where("order_id = ?", order.OrderID).Order("new_version ASC").Find(&changes).Error; err != nil {
		t.Fatalf("load audit trail: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(changes))
	}
	if changes[1].PreviousStatus != StatusAssigned || changes[1].NewStatus != StatusAssigned {
		t.Fatalf("unexpected reassignment audit statuses: %s -> %s", changes[1].PreviousStatus, changes[1].NewStatus)
	}
	if changes[1].PreviousVersion != 2 || changes[1].NewVersion != 3 {
		t.Fatalf("unexpected reassignment audit versions: %d -> %d", changes[1].PreviousVersion, changes[1].NewVersion)
	}

	events := sink.recorded()
	last := events[len(events)-1]
	if last.Kind != EventKindCourierAssigned {
		t.Fatalf("expected %s event, got %s", EventKindCourierAssigned, last.Kind)
	}
	if last.PreviousCourierID != "courier-1" {
		t.Fatalf("expected displaced courier-1 on the event, got %q", last.PreviousCourierID)
	}
}

func TestAssignCourierRejectsSameCourierAndLaterStages(t *testing.T) {
	service, _, _ := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	admin := Actor{UserID: "admin-1", Role: RoleAdmin}

	if _, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-1", admin); err != nil {
		t.Fatalf("first assignment: %v", err)
	}

	_, err := service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-1", admin)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a no-op reassignment, got %v", err)
	}

	mustAdvance(t, service, order.OrderID, StatusPickedUp, Actor{UserID: "courier-1", Role: RoleCourier})
	_, err = service.AssignCourier(context.Background(), OrderID(order.OrderID), "courier-2", admin)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after pickup, got %v", err)
	}
}

func TestConcurrentAdvanceHasSingleWinner(t *testing.T) {
	service, _, _ := newTestService(t)
	order := mustCreateOrder(t, service, "customer-1")
	courier := Actor{UserID: "courier-1", Role: RoleCourier}
	mustAdvance(t, service, order.OrderID, StatusAssigned, courier)

	actors := []Actor{courier, {UserID: "admin-1", Role: RoleAdmin}}
	results := make([]error, len(actors))
	var wg sync.WaitGroup
	for index, actor := range actors {
		wg.Add(1)
		go func(index int, actor Actor) {
			defer wg.Done()
			_, err := service.AdvanceStatus(context.Background(), OrderID(order.OrderID), StatusPickedUp, actor)
			results[index] = err
		}(index, actor)
	}
	wg.Wait()

	successes := 0
	conflicts := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidTransition):
			conflicts++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d winners and %d conflicts", successes, conflicts)
	}

	final, err := service.GetOrder(context.Background(), OrderID(order.OrderID))
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if final.Version != 3 {
		t.Fatalf("expected the version to advance exactly once to 3, got %d", final.Version)
	}
	if final.Status != StatusPickedUp {
		t.Fatalf("expected final status %s, got %s", StatusPickedUp, final.Status)
	}
}

func TestListVisibleScopesByRole(t *testing.T) {
	service, _, _ := newTestService(t)
	first := mustCreateOrder(t, service, "customer-1")
	second := mustCreateOrder(t, service, "customer-2")
	mustAdvance(t, service, first.OrderID, StatusAssigned, Actor{UserID: "courier-1", Role: RoleCourier})

	customerOrders, err := service.ListVisible(context.Background(), Actor{UserID: "customer-1", Role: RoleCustomer})
	if err != nil {
		t.Fatalf("list customer orders: %v", err)
	}
	if len(customerOrders) != 1 || customerOrders[0].OrderID != first.OrderID {
		t.Fatalf("expected customer-1 to see exactly their order, got %d orders", len(customerOrders))
	}

	courierOrders, err := service.ListVisible(context.Background(), Actor{UserID: "courier-1", Role: RoleCourier})
	if err != nil {
		t.Fatalf("list courier orders: %v", err)
	}
	if len(courierOrders) != 2 {
		t.Fatalf("expected courier to see assigned plus unclaimed orders, got %d", len(courierOrders))
	}

	otherCourier, err := service.ListVisible(context.Background(), Actor{UserID: "courier-2", Role: RoleCourier})
	if err != nil {
		t.Fatalf("list other courier orders: %v", err)
	}
	if len(otherCourier) != 1 || otherCourier[0].OrderID != second.OrderID {
		t.Fatalf("expected courier-2 to see only the unclaimed order, got %d orders", len(otherCourier))
	}

	adminOrders, err := service.ListVisible(context.Background(), Actor{UserID: "admin-1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("list admin orders: %v", err)
	}
	if len(adminOrders) != 2 {
		t.Fatalf("expected admin to see all orders, got %d", len(adminOrders))
	}
}
