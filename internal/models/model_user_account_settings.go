package models

import (
	"time"

	"github.com/fatflowers/billingsync/pkg/types"
)

// UserAccountSettings is the per-user projection of the subscription the rest of the
// application reads. Subscription stays authoritative.
type UserAccountSettings struct {
	ID                 string                          `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID             string                          `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Plan               types.PlanType                  `gorm:"column:plan;type:varchar(16);not null" json:"plan"`
	SubscriptionStatus types.AccountSubscriptionStatus `gorm:"column:subscription_status;type:varchar(32);not null" json:"subscription_status"`
	PaymentStatus      types.PaymentStatus             `gorm:"column:payment_status;type:varchar(32);not null" json:"payment_status"`
	AutoRenew          bool                            `gorm:"column:auto_renew;not null" json:"auto_renew"`
	IsInTrial          bool                            `gorm:"column:is_in_trial;not null" json:"is_in_trial"`
	SubscriptionExpiry *time.Time                      `gorm:"column:subscription_expiry" json:"subscription_expiry"`
	CancellationReason *string                         `gorm:"column:cancellation_reason;type:text" json:"cancellation_reason"`
	// ProviderSubscriptionID is the subscription currently mirrored, if any.
	ProviderSubscriptionID *string `gorm:"column:provider_subscription_id;type:varchar(64);index" json:"provider_subscription_id"`
	// BillingEmail correlates one-off payments that carry no user id.
	BillingEmail *string   `gorm:"column:billing_email;type:varchar(255);index" json:"billing_email"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UserAccountSettings) TableName() string {
	return "user_account_settings"
}

// Info returns the user-facing subscription summary.
func (u *UserAccountSettings) Info() *UserSubscriptionInfo {
	return &UserSubscriptionInfo{
		Plan:      u.Plan,
		Status:    u.SubscriptionStatus,
		AutoRenew: u.AutoRenew,
		ExpireAt:  u.SubscriptionExpiry,
	}
}

type UserSubscriptionInfo = types.UserSubscriptionInfo
