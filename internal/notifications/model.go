package notifications

// Kind enumerates the notification categories emitted by order events.
type Kind string

const (
	// KindOrderCreated confirms placement to the customer and alerts admins.
	KindOrderCreated Kind = "order-created"
	// KindOrderAssigned announces a courier assignment.
	KindOrderAssigned Kind = "order-assigned"
	// KindStatusUpdate reports an intermediate delivery status change.
	KindStatusUpdate Kind = "status-update"
	// KindOrderDelivered reports successful completion.
	KindOrderDelivered Kind = "order-delivered"
	// KindOrderCancelled reports cancellation.
	KindOrderCancelled Kind = "order-cancelled"
)

// Notification is an append-only per-user record. Sequence is the globally
// monotonic counter that watermark-based delta reads key on; the UUID exists
// only for external reference. Rows are never deleted, only flipped to read.
type Notification struct {
	Sequence         int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	NotificationID   string `gorm:"column:notification_id;size:190;not null;uniqueIndex:idx_notifications_nid"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_read,priority:1"`
	Kind             Kind   `gorm:"column:kind;size:40;not null"`
	Title            string `gorm:"column:title;size:200;not null"`
	Message          string `gorm:"column:message;type:text;not null"`
	OrderID          string `gorm:"column:order_id;size:190;default:''"`
	Read             bool   `gorm:"column:is_read;not null;default:false;index:idx_notifications_user_read,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Counter is the transactionally maintained unread count per user. It is
// mutated in the same transaction as the ledger write it reflects, so it can
// never drift from the literal count of unread rows.
type Counter struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Unread int64  `gorm:"column:unread;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "notification_counters"
}
