package types

import "time"

// SubscriptionStatus mirrors the provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusApprovalPending SubscriptionStatus = "APPROVAL_PENDING"
	SubscriptionStatusApproved        SubscriptionStatus = "APPROVED"
	SubscriptionStatusCreated         SubscriptionStatus = "CREATED"
	SubscriptionStatusActive          SubscriptionStatus = "ACTIVE"
	SubscriptionStatusSuspended       SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusCancelled       SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired         SubscriptionStatus = "EXPIRED"
)

// Terminal reports whether only a reactivation can move the subscription out of s.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Pending reports whether the subscription has not been activated yet.
func (s SubscriptionStatus) Pending() bool {
	switch s {
	case "", SubscriptionStatusCreated, SubscriptionStatusApprovalPending, SubscriptionStatusApproved:
		return true
	}
	return false
}

// AccountSubscriptionStatus is the user-facing subscription status kept on account settings.
type AccountSubscriptionStatus string

const (
	AccountSubscriptionStatusNone      AccountSubscriptionStatus = "none"
	AccountSubscriptionStatusActive    AccountSubscriptionStatus = "active"
	AccountSubscriptionStatusCancelled AccountSubscriptionStatus = "cancelled"
	AccountSubscriptionStatusSuspended AccountSubscriptionStatus = "suspended"
	AccountSubscriptionStatusExpired   AccountSubscriptionStatus = "expired"
)

type PaymentStatus string

const (
	PaymentStatusNone     PaymentStatus = "none"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type UserSubscriptionInfo struct {
	Plan      PlanType                  `json:"plan"`
	Status    AccountSubscriptionStatus `json:"status"`
	AutoRenew bool                      `json:"auto_renew"`
	ExpireAt  *time.Time                `json:"expire_at"`
}
