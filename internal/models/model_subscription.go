package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billingsync/pkg/types"
)

// BillingCycle is the provider-reported cycle metadata kept for audit only.
type BillingCycle struct {
	TenureType      string `json:"tenure_type"`
	Sequence        int    `json:"sequence"`
	CyclesCompleted int    `json:"cycles_completed"`
	CyclesRemaining int    `json:"cycles_remaining"`
	TotalCycles     int    `json:"total_cycles"`
}

// Subscription is the authoritative state of one provider subscription.
// Use Entitled() to determine whether it currently grants access.
type Subscription struct {
	ID                     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID                 string                   `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;type:varchar(64);not null;uniqueIndex" json:"provider_subscription_id"`
	ProviderPlanID         string                   `gorm:"column:provider_plan_id;type:varchar(64)" json:"provider_plan_id"`
	Status                 types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// PlanType is resolved from ProviderPlanID through the billing plan table.
	PlanType           types.PlanType `gorm:"column:plan_type;type:varchar(16);not null" json:"plan_type"`
	StartTime          *time.Time     `gorm:"column:start_time" json:"start_time"`
	CurrentPeriodStart *time.Time     `gorm:"column:current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time     `gorm:"column:current_period_end" json:"current_period_end"`
	NextBillingTime    *time.Time     `gorm:"column:next_billing_time" json:"next_billing_time"`
	CancelAtPeriodEnd  bool           `gorm:"column:cancel_at_period_end;not null" json:"cancel_at_period_end"`
	CancelledAt        *time.Time     `gorm:"column:cancelled_at" json:"cancelled_at"`
	CancellationReason *string        `gorm:"column:cancellation_reason;type:text" json:"cancellation_reason"`
	FailedPaymentCount int            `gorm:"column:failed_payment_count;not null" json:"failed_payment_count"`
	// LastPaymentAmount is in the subscription currency.
	LastPaymentAmount *decimal.Decimal                   `gorm:"column:last_payment_amount;type:numeric(12,2)" json:"last_payment_amount"`
	LastPaymentDate   *time.Time                         `gorm:"column:last_payment_date" json:"last_payment_date"`
	CycleCount        int                                `gorm:"column:cycle_count;not null" json:"cycle_count"`
	BillingCycles     datatypes.JSONType[[]BillingCycle] `gorm:"column:billing_cycles;type:jsonb" json:"billing_cycles"`
	LastEventID       string                             `gorm:"column:last_event_id;type:varchar(255)" json:"last_event_id"`
	CreatedAt         time.Time                          `json:"created_at"`
	UpdatedAt         time.Time                          `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) Entitled(now time.Time) bool {
	if s == nil || s.CurrentPeriodEnd == nil || !s.CurrentPeriodEnd.After(now) {
		return false
	}
	// a cancelled subscription keeps access until the paid period runs out
	return s.Status == types.SubscriptionStatusActive || s.Status == types.SubscriptionStatusCancelled
}
