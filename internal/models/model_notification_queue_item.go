package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationQueueItem is one pending user notification. Delivery workers flip Sent.
type NotificationQueueItem struct {
	ID        string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID    string            `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Type      string            `gorm:"column:type;type:varchar(64);not null" json:"type"`
	Title     string            `gorm:"column:title;type:varchar(255);not null" json:"title"`
	Message   string            `gorm:"column:message;type:text;not null" json:"message"`
	Metadata  datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Sent      bool              `gorm:"column:sent;not null;index" json:"sent"`
	SentAt    *time.Time        `gorm:"column:sent_at" json:"sent_at"`
	EventID   string            `gorm:"column:event_id;type:varchar(255);index" json:"event_id"`
	CreatedAt time.Time         `json:"created_at"`
}

func (NotificationQueueItem) TableName() string { return "notification_queue_item" }
