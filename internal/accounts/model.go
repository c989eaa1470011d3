package accounts

import (
	"github.com/parcelpulse/backend/internal/orders"
)

// Profile captures the locally known facts about a platform user. Identity
// federation and credentials live in an external identity service; a profile
// row is created the first time a subject is seen.
type Profile struct {
	UserID           string      `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role             orders.Role `gorm:"column:role;size:20;not null;index:idx_profiles_role"`
	DisplayName      string      `gorm:"column:display_name;size:320;default:''"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null"`
	LastSeenSeconds  int64       `gorm:"column:last_seen_s;not null"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// CourierStatus tracks courier availability and active workload.
type CourierStatus struct {
	CourierID           string `gorm:"column:courier_id;primaryKey;size:190;not null"`
	IsAvailable         bool   `gorm:"column:is_available;not null;default:true"`
	ActiveOrders        int64  `gorm:"column:active_orders;not null;default:0"`
	LastActivitySeconds int64  `gorm:"column:last_activity_s;not null"`
}

// TableName exposes the table backing courier statuses.
func (CourierStatus) TableName() string {
	return "courier_statuses"
}
