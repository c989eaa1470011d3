package notifications

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
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()

	// ErrNotificationNotFound indicates the notification does not exist or does
	// not belong to the requesting user.
	ErrNotificationNotFound = errors.New("notifications: notification not found")
	// ErrStoreFailure marks a transient persistence failure; callers may retry.
	ErrStoreFailure = errors.New("notifications: store failure")
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
	opLedgerNew     = "notifications.ledger.new"
	opAppend        = "notifications.append"
	opMarkRead      = "notifications.mark_read"
	opMarkAllRead   = "notifications.mark_all_read"
	opListSince     = "notifications.list_since"
	opListRecent    = "notifications.list_recent"
	opUnreadCount   = "notifications.unread_count"
	opRecountUnread = "notifications.recount_unread"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new notifications.
type IDProvider interface {
	NewID() (string, error)
}

// LedgerConfig describes the dependencies of the notification ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Ledger is the append-only notification store with its transactional unread
// counter.
type Ledger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewLedger constructs the notification ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLedgerNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Ledger{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendInput describes a notification to record.
type AppendInput struct {
	UserID  string
	Kind    Kind
	Title   string
	Message string
	OrderID string
}

// Append records a notification and bumps the user's unread counter in the
// same transaction. The caller that triggered the append treats it as
// best-effort; Append itself is atomic.
func (l *Ledger) Append(ctx context.Context, input AppendInput) (Notification, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return Notification{}, newServiceError(opAppend, "missing_user_id", errMissingUserID)
	}

	notificationID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opAppend, "id_generation_failed", err)
		return Notification{}, newServiceError(opAppend, "id_generation_failed", err)
	}

	record := Notification{
		NotificationID:   notificationID,
		UserID:           input.UserID,
		Kind:             input.Kind,
		Title:            input.Title,
		Message:          input.Message,
		OrderID:          input.OrderID,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			l.logError(opAppend, "notification_insert_failed", err, zap.String("user_id", input.UserID))
			return newServiceError(opAppend, "notification_insert_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		if err := l.adjustCounter(tx, input.UserID, 1); err != nil {
			l.logError(opAppend, "counter_update_failed", err, zap.String("user_id", input.UserID))
			return newServiceError(opAppend, "counter_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
	if txErr != nil {
		return Notification{}, txErr
	}

	return record, nil
}

// MarkRead flips a single notification to read for its owning user. Marking
// an already-read notification is a no-op; the unread counter only moves when
// the row actually changes.
func (l *Ledger) MarkRead(ctx context.Context, notificationID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opMarkRead, "missing_user_id", errMissingUserID)
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Notification
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("notification_id = ?", notificationID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && record.UserID != userID) {
			return newServiceError(opMarkRead, "notification_not_found",
				fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID))
		}
		if err != nil {
			l.logError(opMarkRead, "notification_select_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opMarkRead, "notification_select_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}

		if record.Read {
			return nil
		}

		if err := tx.Model(&Notification{}).
			Where("sequence = ?", record.Sequence).
			Update("is_read", true).Error; err != nil {
			l.logError(opMarkRead, "notification_update_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opMarkRead, "notification_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		if err := l.adjustCounter(tx, userID, -1); err != nil {
			l.logError(opMarkRead, "counter_update_failed", err, zap.String("user_id", userID))
			return newServiceError(opMarkRead, "counter_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
}

// MarkAllRead flips every unread notification for the user and zeroes the
// counter. Returns the number of rows changed.
func (l *Ledger) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opMarkAllRead, "missing_user_id", errMissingUserID)
	}

	var updated int64
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Notification{}).
			Where("user_id = ? AND is_read = ?", userID, false).
			Update("is_read", true)
		if result.Error != nil {
			l.logError(opMarkAllRead, "notification_update_failed", result.Error, zap.String("user_id", userID))
			return newServiceError(opMarkAllRead, "notification_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, result.Error))
		}
		updated = result.RowsAffected

		if err := l.setCounter(tx, userID, 0); err != nil {
			l.logError(opMarkAllRead, "counter_update_failed", err, zap.String("user_id", userID))
			return newServiceError(opMarkAllRead, "counter_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return updated, nil
}

// ListSince returns the user's notifications with sequence greater than the
// watermark, ascending. Re-reading the same watermark yields the same set.
func (l *Ledger) ListSince(ctx context.Context, userID string, afterSequence int64) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opListSince, "missing_user_id", errMissingUserID)
	}

	var records []Notification
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND sequence > ?", userID, afterSequence).
		Order("sequence ASC").
		Find(&records).Error; err != nil {
		l.logError(opListSince, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSince, "query_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	return records, nil
}

// ListRecent returns the user's newest notifications, capped at limit.
func (l *Ledger) ListRecent(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opListRecent, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = 50
	}

	var records []Notification
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("sequence DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		l.logError(opListRecent, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListRecent, "query_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	return records, nil
}

// UnreadCount returns the maintained unread counter. A user with no
// notifications reads as zero; the value is never negative.
func (l *Ledger) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opUnreadCount, "missing_user_id", errMissingUserID)
	}

	var counter Counter
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		l.logError(opUnreadCount, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opUnreadCount, "query_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	if counter.Unread < 0 {
		return 0, nil
	}
	return counter.Unread, nil
}

// RecountUnread recomputes the counter from the ledger and stores it. This is
// the reconciliation pass; under normal operation it never changes the value.
func (l *Ledger) RecountUnread(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opRecountUnread, "missing_user_id", errMissingUserID)
	}

	var count int64
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Notification{}).
			Where("user_id = ? AND is_read = ?", userID, false).
			Count(&count).Error; err != nil {
			return newServiceError(opRecountUnread, "count_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		if err := l.setCounter(tx, userID, count); err != nil {
			return newServiceError(opRecountUnread, "counter_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
	if txErr != nil {
		l.logError(opRecountUnread, "reconcile_failed", txErr, zap.String("user_id", userID))
		return 0, txErr
	}
	return count, nil
}

func (l *Ledger) adjustCounter(tx *gorm.DB, userID string, delta int64) error {
	var counter Counter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		next := delta
		if next < 0 {
			next = 0
		}
		return tx.Create(&Counter{UserID: userID, Unread: next}).Error
	}
	if err != nil {
		return err
	}

	next := counter.Unread + delta
	if next < 0 {
		l.loggerOrDefault().Warn("unread counter floor reached",
			zap.String("user_id", userID),
			zap.Int64("stored", counter.Unread),
			zap.Int64("delta", delta))
		next = 0
	}
	return tx.Model(&Counter{}).
		Where("user_id = ?", userID).
		Update("unread", next).Error
}

func (l *Ledger) setCounter(tx *gorm.DB, userID string, value int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"unread": value}),
	}).Create(&Counter{UserID: userID, Unread: value}).Error
}

func (l *Ledger) loggerOrDefault() *zap.Logger {
	if l == nil || l.logger == nil {
		return noOpLogger
	}
	return l.logger
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.loggerOrDefault().Error("notification ledger error", attrs...)
}
