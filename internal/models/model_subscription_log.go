package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionLog records every applied subscription transition.
// Use case: troubleshooting and replay audits.
type SubscriptionLog struct {
	ID                     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID                 string `gorm:"column:user_id;type:varchar(64);index:idx_subscription_log_user,priority:1;not null" json:"user_id"`
	ProviderSubscriptionID string `gorm:"column:provider_subscription_id;type:varchar(64);index;not null" json:"provider_subscription_id"`
	// Reason is the provider event type that caused the change.
	Reason  string                            `gorm:"column:reason;type:varchar(128);not null" json:"reason"`
	EventID string                            `gorm:"column:event_id;type:varchar(255)" json:"event_id"`
	Before  datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb" json:"before"`
	After   datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb" json:"after"`
	// Extra stores additional context such as resolved user or plan fallbacks.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscription_log_user,priority:2" json:"created_at"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
