package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentTransactionKind string

const (
	PaymentTransactionKindActivation PaymentTransactionKind = "activation"
	PaymentTransactionKindRenewal    PaymentTransactionKind = "renewal"
	PaymentTransactionKindPayment    PaymentTransactionKind = "payment"
	PaymentTransactionKindRefund     PaymentTransactionKind = "refund"
	PaymentTransactionKindDispute    PaymentTransactionKind = "dispute"
)

type PaymentTransactionStatus string

const (
	PaymentTransactionStatusCompleted PaymentTransactionStatus = "completed"
	PaymentTransactionStatusDenied    PaymentTransactionStatus = "denied"
	PaymentTransactionStatusRefunded  PaymentTransactionStatus = "refunded"
	PaymentTransactionStatusDisputed  PaymentTransactionStatus = "disputed"
)

// PaymentTransaction is an append-only ledger entry for money movement.
// Rows are never updated after insert; (kind, provider_transaction_id) is unique so
// redelivered events cannot add a second entry.
type PaymentTransaction struct {
	ID string `gorm:"column:id;primary_key;type:uuid" json:"id"`
	// UserID is nil for payments that could not be attributed to a user.
	UserID                 *string                  `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	ProviderSubscriptionID *string                  `gorm:"column:provider_subscription_id;type:varchar(64);index" json:"provider_subscription_id"`
	Kind                   PaymentTransactionKind   `gorm:"column:kind;type:varchar(32);not null;uniqueIndex:unique_kind_provider_transaction_id,priority:1" json:"kind"`
	ProviderTransactionID  string                   `gorm:"column:provider_transaction_id;type:varchar(128);not null;uniqueIndex:unique_kind_provider_transaction_id,priority:2" json:"provider_transaction_id"`
	Status                 PaymentTransactionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// Amount is negative for refunds.
	Amount   decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency string          `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	// RelatedTransactionID points at the original payment for refunds and disputes.
	RelatedTransactionID *string           `gorm:"column:related_transaction_id;type:varchar(128);index" json:"related_transaction_id"`
	EventID              string            `gorm:"column:event_id;type:varchar(255);not null" json:"event_id"`
	Metadata             datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt            time.Time         `gorm:"index" json:"created_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}
