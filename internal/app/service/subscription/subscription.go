package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/tool"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Service reads and merges Subscription and UserAccountSettings rows. Every write is a
// last-write-wins merge on the natural key, so callers must be convergent under replays.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log}
}

// WithTx returns a service that runs every statement on tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	return &cp
}

// GetByProviderSubscriptionID returns ErrSubscriptionNotFound when no row exists.
func (s *Service) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, providerSubscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// Change describes one transition applied to a subscription, for the change log.
type Change struct {
	Reason  string
	EventID string
	Extra   map[string]any
}

// UpsertSubscription merges m by provider subscription id and writes a change log entry.
// The stored user id never changes once set.
func (s *Service) UpsertSubscription(ctx context.Context, m *models.Subscription, change Change) error {
	if m.ProviderSubscriptionID == "" {
		return fmt.Errorf("provider subscription id is required")
	}
	var original models.Subscription
	err := s.db.WithContext(ctx).Where("provider_subscription_id = ?", m.ProviderSubscriptionID).First(&original).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to get original subscription: %w", err)
	}

	var before *models.Subscription
	if original.ID != "" {
		m.ID = original.ID
		m.CreatedAt = original.CreatedAt
		if original.UserID != "" && m.UserID != original.UserID {
			if m.UserID != "" {
				logctx.FromCtx(ctx, s.log).Warnw("subscription_user_id_immutable",
					"provider_subscription_id", m.ProviderSubscriptionID,
					"stored_user_id", original.UserID, "incoming_user_id", m.UserID)
			}
			m.UserID = original.UserID
		}
		cp := original
		before = &cp
	} else if m.ID == "" {
		m.ID = tool.GenerateUUIDV7()
	}
	if m.UserID == "" {
		return fmt.Errorf("subscription %s has no user id", m.ProviderSubscriptionID)
	}
	m.LastEventID = change.EventID

	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	entry := &models.SubscriptionLog{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 m.UserID,
		ProviderSubscriptionID: m.ProviderSubscriptionID,
		Reason:                 change.Reason,
		EventID:                change.EventID,
		Before:                 datatypes.NewJSONType(before),
		After:                  datatypes.NewJSONType(m),
		Extra:                  datatypes.JSONMap(change.Extra),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}
	return nil
}

// ListLogs returns the change log of a subscription, oldest first.
func (s *Service) ListLogs(ctx context.Context, providerSubscriptionID string) ([]*models.SubscriptionLog, error) {
	var rows []*models.SubscriptionLog
	if err := s.db.WithContext(ctx).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscription logs: %w", err)
	}
	return rows, nil
}
