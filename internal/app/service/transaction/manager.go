package transaction

import (
	"context"
	"errors"

	models "github.com/fatflowers/billingsync/internal/models"
	types "github.com/fatflowers/billingsync/pkg/types"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionManager is the append-only payment ledger.
type TransactionManager interface {
	// Record inserts tx unless an entry with the same kind and provider transaction id
	// exists. created is false for the duplicate.
	Record(ctx context.Context, tx *models.PaymentTransaction) (created bool, err error)
	// FindByProviderTransactionID returns the original (non refund/dispute) entry.
	FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error)
	// Scan transactions (used by admin list pages).
	ScanTransactions(ctx context.Context, req *types.ScanRequest) (*ScanTransactionsResponse, error)
}

type ScanTransactionsResponse struct {
	Items []*models.PaymentTransaction `json:"items"`
	Total int64                        `json:"total"`
}
