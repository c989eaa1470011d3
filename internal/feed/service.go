package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parcelpulse/backend/internal/orders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingAggregator = errors.New("aggregator is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()

	// ErrSessionNotFound indicates the session does not exist or belongs to a
	// different user. Foreign sessions are indistinguishable from absent ones.
	ErrSessionNotFound = errors.New("feed: session not found")
	// ErrStoreFailure marks a transient persistence failure; callers may retry.
	ErrStoreFailure = errors.New("feed: store failure")
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
	opServiceNew   = "feed.service.new"
	opStartSession = "feed.start_session"
	opPoll         = "feed.poll"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new sessions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the update delivery service.
type ServiceConfig struct {
	Database   *gorm.DB
	Aggregator *Aggregator
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns update-delivery sessions and answers polls. A poll is a pure
// read except for advancing the session's watermarks, and the watermark write
// is skipped entirely when nothing changed, so re-polling a quiet session is
// deterministic and free of side effects. Concurrent polls on the same
// session serialize on the session row lock.
type Service struct {
	db         *gorm.DB
	aggregator *Aggregator
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the update delivery service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Aggregator == nil {
		return nil, newServiceError(opServiceNew, "missing_aggregator", errMissingAggregator)
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

	return &Service{
		db:         cfg.Database,
		aggregator: cfg.Aggregator,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// StartSession creates a fresh session with zero watermarks for the viewer.
func (s *Service) StartSession(ctx context.Context, viewer orders.Actor) (Session, error) {
	if strings.TrimSpace(viewer.UserID) == "" {
		return Session{}, newServiceError(opStartSession, "missing_user_id", errMissingUserID)
	}

	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStartSession, "id_generation_failed", err)
		return Session{}, newServiceError(opStartSession, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	session := Session{
		SessionID:             sessionID,
		UserID:                viewer.UserID,
		Role:                  viewer.Role,
		OrderWatermarksJSON:   "{}",
		NotificationWatermark: 0,
		CreatedAtSeconds:      now,
		UpdatedAtSeconds:      now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opStartSession, "session_insert_failed", err, zap.String("user_id", viewer.UserID))
		return Session{}, newServiceError(opStartSession, "session_insert_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
	}
	return session, nil
}

// Poll answers "what changed since this session's watermarks" and advances
// the watermarks when the delta is non-empty. The viewer must own the
// session; a foreign session reads as not found.
func (s *Service) Poll(ctx context.Context, sessionID string, viewer orders.Actor) (Delta, error) {
	var delta Delta

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && session.UserID != viewer.UserID) {
			return newServiceError(opPoll, "session_not_found",
				fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
		}
		if err != nil {
			s.logError(opPoll, "session_select_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opPoll, "session_select_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}

		orderWatermarks, err := session.OrderWatermarks()
		if err != nil {
			s.logError(opPoll, "watermark_decode_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opPoll, "watermark_decode_failed", err)
		}

		delta, err = s.aggregator.ComputeDelta(ctx, session.Viewer(), orderWatermarks, session.NotificationWatermark)
		if err != nil {
			s.logError(opPoll, "delta_compute_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opPoll, "delta_compute_failed", err)
		}

		if !delta.HasUpdates {
			return nil
		}

		encoded, err := encodeOrderWatermarks(delta.OrderWatermarks)
		if err != nil {
			s.logError(opPoll, "watermark_encode_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opPoll, "watermark_encode_failed", err)
		}
		if err := tx.Model(&Session{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"order_watermarks":       encoded,
				"notification_watermark": delta.NotificationWatermark,
				"updated_at_s":           s.clock().UTC().Unix(),
			}).Error; err != nil {
			s.logError(opPoll, "watermark_update_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opPoll, "watermark_update_failed", fmt.Errorf("%w: %w", ErrStoreFailure, err))
		}
		return nil
	})
	if txErr != nil {
		return Delta{}, txErr
	}
	return delta, nil
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
	s.loggerOrDefault().Error("feed service error", attrs...)
}
