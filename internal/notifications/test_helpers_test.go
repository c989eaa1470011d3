package notifications

import (
	"context"
	"fmt"
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
	dsn := fmt.Sprintf("file:notifications_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseCounter, 1))
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
	if err := db.AutoMigrate(&Notification{}, &Counter{}); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

type sequentialIDProvider struct {
	next int64
}

func (p *sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("notif-%d", atomic.AddInt64(&p.next, 1)), nil
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	ledger, err := NewLedger(LedgerConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1_750_000_000, 0).UTC() },
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("construct ledger: %v", err)
	}
	return ledger, db
}

func mustAppend(t *testing.T, ledger *Ledger, userID string, kind Kind) Notification {
	t.Helper()
	record, err := ledger.Append(context.Background(), AppendInput{
		UserID:  userID,
		Kind:    kind,
		Title:   "test notification",
		Message: "something happened",
		OrderID: "order-1",
	})
	if err != nil {
		t.Fatalf("append notification: %v", err)
	}
	return record
}

func mustUnreadCount(t *testing.T, ledger *Ledger, userID string) int64 {
	t.Helper()
	count, err := ledger.UnreadCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	return count
}
