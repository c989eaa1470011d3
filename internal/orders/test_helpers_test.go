package orders

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseCounter int64

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:orders_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&Order{}, &OrderChange{}); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

type sequentialIDProvider struct {
	prefix string
	next   int64
}

func (p *sequentialIDProvider) NewID() (string, error) {
	value := atomic.AddInt64(&p.next, 1)
	return fmt.Sprintf("%s-%d", p.prefix, value), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) OrderEvent(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Event, len(s.events))
	copy(copied, s.events)
	return copied
}

func fixedClock(seconds int64) func() time.Time {
	return func() time.Time {
		return time.Unix(seconds, 0).UTC()
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingSink) {
	t.Helper()
	db := newTestDatabase(t)
	sink := &recordingSink{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      fixedClock(1_750_000_000),
		IDProvider: &sequentialIDProvider{prefix: "id"},
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service, db, sink
}

func mustCreateOrder(t *testing.T, service *Service, customerID string) Order {
	t.Helper()
	order, err := service.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID:      UserID(customerID),
		PickupAddress:   "12 Dock Street",
		DeliveryAddress: "9 Harbor Lane",
		DistanceKM:      4,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func mustAdvance(t *testing.T, service *Service, orderID string, next Status, actor Actor) Order {
	t.Helper()
	order, err := service.AdvanceStatus(context.Background(), OrderID(orderID), next, actor)
	if err != nil {
		t.Fatalf("advance %s to %s: %v", orderID, next, err)
	}
	return order
}
