package feed

import (
	"encoding/json"
	"fmt"

	"github.com/parcelpulse/backend/internal/orders"
)

// Session is a per-client update-delivery session. Each device holds its own
// session and therefore its own watermarks; nothing here is shared between a
// user's devices. Watermarks only ever advance.
type Session struct {
	SessionID             string      `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID                string      `gorm:"column:user_id;size:190;not null;index:idx_sessions_user"`
	Role                  orders.Role `gorm:"column:role;size:20;not null"`
	OrderWatermarksJSON   string      `gorm:"column:order_watermarks;type:text;not null;default:'{}'"`
	NotificationWatermark int64       `gorm:"column:notification_watermark;not null;default:0"`
	CreatedAtSeconds      int64       `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds      int64       `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "update_sessions"
}

// Viewer returns the actor whose visibility scope this session polls under.
func (s Session) Viewer() orders.Actor {
	return orders.Actor{UserID: s.UserID, Role: s.Role}
}

// OrderWatermarks decodes the per-order seen-version map.
func (s Session) OrderWatermarks() (map[string]int64, error) {
	if s.OrderWatermarksJSON == "" || s.OrderWatermarksJSON == "{}" {
		return map[string]int64{}, nil
	}
	watermarks := map[string]int64{}
	if err := json.Unmarshal([]byte(s.OrderWatermarksJSON), &watermarks); err != nil {
		return nil, fmt.Errorf("feed: corrupt order watermarks for session %s: %w", s.SessionID, err)
	}
	return watermarks, nil
}

func encodeOrderWatermarks(watermarks map[string]int64) (string, error) {
	if len(watermarks) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(watermarks)
	if err != nil {
		return "", fmt.Errorf("feed: encode order watermarks: %w", err)
	}
	return string(encoded), nil
}
