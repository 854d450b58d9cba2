package transaction

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/internal/platform/db"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/tool"
	types "github.com/fatflowers/billingsync/pkg/types"
)

type Service struct {
	log *zap.SugaredLogger
	db  *gorm.DB
}

func NewService(log *zap.SugaredLogger, db *gorm.DB) *Service {
	return &Service{log: log, db: db}
}

// WithTx returns a ledger that writes on tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	return &cp
}

func (s *Service) Record(ctx context.Context, tx *models.PaymentTransaction) (bool, error) {
	if tx.ProviderTransactionID == "" {
		return false, fmt.Errorf("provider transaction id is required")
	}
	if tx.ID == "" {
		tx.ID = tool.GenerateUUIDV7()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "provider_transaction_id"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logctx.FromCtx(ctx, s.log).Infow("transaction_already_recorded", "kind", tx.Kind, "provider_transaction_id", tx.ProviderTransactionID)
		return false, nil
	}
	return true, nil
}

// originalKinds are the ledger kinds a refund or dispute can point at.
var originalKinds = []models.PaymentTransactionKind{
	models.PaymentTransactionKindActivation,
	models.PaymentTransactionKindRenewal,
	models.PaymentTransactionKindPayment,
}

func (s *Service) FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error) {
	if providerTransactionID == "" {
		return nil, ErrTransactionNotFound
	}
	var row models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("provider_transaction_id = ? AND kind IN ?", providerTransactionID, originalKinds).
		Order("created_at asc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, providerTransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return &row, nil
}

var scanColumns = mapset.NewSet(
	"user_id", "provider_subscription_id", "kind", "provider_transaction_id", "status",
	"amount", "currency", "related_transaction_id", "event_id", "created_at",
)

// ScanTransactions implements paginated/admin listing with filters
func (s *Service) ScanTransactions(ctx context.Context, req *types.ScanRequest) (*ScanTransactionsResponse, error) {
	rows, total, err := db.Scan[models.PaymentTransaction](ctx, s.db, req, scanColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}
