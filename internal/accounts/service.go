package accounts

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
	errMissingDatabase = errors.New("accounts: database connection required")
	noOpLogger         = zap.NewNop()

	// ErrInvalidProfile indicates the profile input lacked a usable identifier.
	ErrInvalidProfile = errors.New("accounts: invalid profile")
)

// ServiceConfig describes the dependencies required for account tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages user profiles and courier availability/workload.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the accounts service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// EnsureProfile records the subject/role pair on first sight and refreshes
// last-seen on every later call. The external identity service remains the
// authority on who the user is; this row only anchors role lookups and admin
// fan-out locally.
func (s *Service) EnsureProfile(ctx context.Context, userID string, role orders.Role, displayName string) (Profile, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return Profile{}, ErrInvalidProfile
	}

	now := s.now().UTC().Unix()
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", trimmed).
		First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:           trimmed,
			Role:             role,
			DisplayName:      strings.TrimSpace(displayName),
			CreatedAtSeconds: now,
			LastSeenSeconds:  now,
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{"last_seen_s": now}
	if role != "" && role != profile.Role {
		updates["role"] = role
		profile.Role = role
	}
	if name := strings.TrimSpace(displayName); name != "" && name != profile.DisplayName {
		updates["display_name"] = name
		profile.DisplayName = name
	}
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", trimmed).
		Updates(updates).Error; err != nil {
		return Profile{}, err
	}
	profile.LastSeenSeconds = now
	return profile, nil
}

// ListAdminIDs returns the user ids of all known admins.
func (s *Service) ListAdminIDs(ctx context.Context) ([]string, error) {
	var adminIDs []string
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("role = ?", orders.RoleAdmin).
		Order("user_id ASC").
		Pluck("user_id", &adminIDs).Error; err != nil {
		return nil, err
	}
	return adminIDs, nil
}

// CourierAvailable reports whether the courier can take new orders. Unknown
// couriers get a status row created on first lookup, defaulting to available.
func (s *Service) CourierAvailable(ctx context.Context, courierID string) (bool, error) {
	status, err := s.ensureCourierStatus(ctx, courierID)
	if err != nil {
		return false, err
	}
	return status.IsAvailable, nil
}

// SetCourierAvailability toggles whether the courier accepts new orders.
func (s *Service) SetCourierAvailability(ctx context.Context, courierID string, available bool) error {
	if _, err := s.ensureCourierStatus(ctx, courierID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&CourierStatus{}).
		Where("courier_id = ?", courierID).
		Updates(map[string]interface{}{
			"is_available":    available,
			"last_activity_s": s.now().UTC().Unix(),
		}).Error
}

// CourierWorkload returns the courier's active order count.
func (s *Service) CourierWorkload(ctx context.Context, courierID string) (int64, error) {
	status, err := s.ensureCourierStatus(ctx, courierID)
	if err != nil {
		return 0, err
	}
	return status.ActiveOrders, nil
}

// OrderEvent implements orders.EventSink: assignments add to the courier's
// workload, reassignments hand it over, terminal transitions release it.
func (s *Service) OrderEvent(ctx context.Context, event orders.Event) {
	switch event.Kind {
	case orders.EventKindCourierAssigned:
		if event.Order.CourierID == "" {
			return
		}
		if displaced := event.PreviousCourierID; displaced != "" && displaced != event.Order.CourierID {
			if err := s.adjustWorkload(ctx, displaced, -1); err != nil {
				s.logger.Warn("courier workload handover failed",
					zap.String("courier_id", displaced),
					zap.Error(err))
			}
		}
		if err := s.adjustWorkload(ctx, event.Order.CourierID, 1); err != nil {
			s.logger.Warn("courier workload increment failed",
				zap.String("courier_id", event.Order.CourierID),
				zap.Error(err))
		}
	case orders.EventKindStatusChanged:
		if !event.Order.Status.Terminal() || event.Order.CourierID == "" {
			return
		}
		if err := s.adjustWorkload(ctx, event.Order.CourierID, -1); err != nil {
			s.logger.Warn("courier workload decrement failed",
				zap.String("courier_id", event.Order.CourierID),
				zap.Error(err))
		}
	}
}

func (s *Service) ensureCourierStatus(ctx context.Context, courierID string) (CourierStatus, error) {
	trimmed := strings.TrimSpace(courierID)
	if trimmed == "" {
		return CourierStatus{}, fmt.Errorf("%w: courier id required", ErrInvalidProfile)
	}

	var status CourierStatus
	err := s.db.WithContext(ctx).
		Where("courier_id = ?", trimmed).
		First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = CourierStatus{
			CourierID:           trimmed,
			IsAvailable:         true,
			ActiveOrders:        0,
			LastActivitySeconds: s.now().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).Create(&status).Error; err != nil {
			return CourierStatus{}, err
		}
		return status, nil
	}
	if err != nil {
		return CourierStatus{}, err
	}
	return status, nil
}

func (s *Service) adjustWorkload(ctx context.Context, courierID string, delta int64) error {
	if _, err := s.ensureCourierStatus(ctx, courierID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var status CourierStatus
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("courier_id = ?", courierID).
			Take(&status).Error; err != nil {
			return err
		}
		next := status.ActiveOrders + delta
		if next < 0 {
			next = 0
		}
		return tx.Model(&CourierStatus{}).
			Where("courier_id = ?", courierID).
			Updates(map[string]interface{}{
				"active_orders":   next,
				"last_activity_s": s.now().UTC().Unix(),
			}).Error
	})
}
