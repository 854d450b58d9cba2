package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the durable record of one inbound provider notification, keyed by the
// provider's event id. Payload is stored verbatim for audit and replay.
type WebhookEvent struct {
	ID           string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID      string         `gorm:"column:event_id;type:varchar(255);not null;uniqueIndex" json:"event_id"`
	EventType    string         `gorm:"column:event_type;type:varchar(128);not null;index" json:"event_type"`
	ResourceType string         `gorm:"column:resource_type;type:varchar(64)" json:"resource_type"`
	ResourceID   string         `gorm:"column:resource_id;type:varchar(128);index" json:"resource_id"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Processed    bool           `gorm:"column:processed;not null;index" json:"processed"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at;default:null" json:"processed_at"`
	// ProcessingError is set when the last run failed; a later delivery may retry.
	ProcessingError *string `gorm:"column:processing_error;type:text;default:null" json:"processing_error"`
	// SignatureValid is nil until verification ran for this event.
	SignatureValid *bool `gorm:"column:signature_valid;default:null" json:"signature_valid"`
	// PolicyNote records an explicit override of a failed signature check.
	PolicyNote *string `gorm:"column:policy_note;type:text;default:null" json:"policy_note"`
	// Attempts counts processing claims and doubles as the compare-and-set version.
	Attempts  int        `gorm:"column:attempts;not null" json:"attempts"`
	ClaimedAt *time.Time `gorm:"column:claimed_at;default:null" json:"claimed_at"`
	TraceID   string     `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }

// Succeeded reports whether the event finished without a processing error.
func (e *WebhookEvent) Succeeded() bool {
	return e != nil && e.Processed && e.ProcessingError == nil
}
