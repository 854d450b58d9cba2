package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/tool"
	"github.com/fatflowers/billingsync/pkg/types"
)

var ErrUserNotFound = errors.New("user not found")

// SettingsEffect is one named change to a user's account settings.
type SettingsEffect struct {
	Name  string
	apply func(u *models.UserAccountSettings)
}

// laterOf keeps the expiry monotonic: an older period never overwrites a newer one.
func laterOf(current *time.Time, next time.Time) *time.Time {
	if current != nil && !next.After(*current) {
		return current
	}
	return &next
}

// Activated mirrors a freshly activated subscription.
func Activated(plan types.PlanType, providerSubscriptionID string, expiry *time.Time) SettingsEffect {
	return SettingsEffect{Name: "activated", apply: func(u *models.UserAccountSettings) {
		u.Plan = plan
		u.SubscriptionStatus = types.AccountSubscriptionStatusActive
		u.PaymentStatus = types.PaymentStatusPaid
		u.AutoRenew = true
		u.IsInTrial = false
		u.CancellationReason = nil
		u.ProviderSubscriptionID = lo.ToPtr(providerSubscriptionID)
		if expiry != nil {
			u.SubscriptionExpiry = laterOf(u.SubscriptionExpiry, *expiry)
		}
	}}
}

// Cancelled keeps the plan until the paid period ends but stops renewal.
func Cancelled(reason *string) SettingsEffect {
	return SettingsEffect{Name: "cancelled", apply: func(u *models.UserAccountSettings) {
		u.SubscriptionStatus = types.AccountSubscriptionStatusCancelled
		u.AutoRenew = false
		u.CancellationReason = reason
	}}
}

// Expired downgrades the user to the free plan.
func Expired() SettingsEffect {
	return SettingsEffect{Name: "expired", apply: func(u *models.UserAccountSettings) {
		u.Plan = types.PlanTypeFree
		u.SubscriptionStatus = types.AccountSubscriptionStatusExpired
		u.AutoRenew = false
		u.IsInTrial = false
	}}
}

// Renewed extends the expiry after a successful recurring payment.
func Renewed(expiry time.Time) SettingsEffect {
	return SettingsEffect{Name: "renewed", apply: func(u *models.UserAccountSettings) {
		u.SubscriptionExpiry = laterOf(u.SubscriptionExpiry, expiry)
		u.PaymentStatus = types.PaymentStatusPaid
		if u.SubscriptionStatus != types.AccountSubscriptionStatusCancelled && u.SubscriptionStatus != types.AccountSubscriptionStatusExpired {
			u.SubscriptionStatus = types.AccountSubscriptionStatusActive
		}
	}}
}

// PaymentSuspended marks the account after too many failed payments.
func PaymentSuspended() SettingsEffect {
	return SettingsEffect{Name: "payment_suspended", apply: func(u *models.UserAccountSettings) {
		u.SubscriptionStatus = types.AccountSubscriptionStatusSuspended
		u.PaymentStatus = types.PaymentStatusFailed
	}}
}

// Reactivated restores an active, auto-renewing subscription.
func Reactivated(plan types.PlanType) SettingsEffect {
	return SettingsEffect{Name: "reactivated", apply: func(u *models.UserAccountSettings) {
		u.Plan = plan
		u.SubscriptionStatus = types.AccountSubscriptionStatusActive
		u.PaymentStatus = types.PaymentStatusPaid
		u.AutoRenew = true
		u.CancellationReason = nil
	}}
}

func PlanChanged(plan types.PlanType) SettingsEffect {
	return SettingsEffect{Name: "plan_changed", apply: func(u *models.UserAccountSettings) {
		u.Plan = plan
	}}
}

// OneOffPurchase grants a plan bought outside a subscription until expiry.
func OneOffPurchase(plan types.PlanType, expiry time.Time) SettingsEffect {
	return SettingsEffect{Name: "one_off_purchase", apply: func(u *models.UserAccountSettings) {
		u.Plan = plan
		u.PaymentStatus = types.PaymentStatusPaid
		u.IsInTrial = false
		u.SubscriptionExpiry = laterOf(u.SubscriptionExpiry, expiry)
		if u.SubscriptionStatus == types.AccountSubscriptionStatusNone || u.SubscriptionStatus == types.AccountSubscriptionStatusExpired {
			u.SubscriptionStatus = types.AccountSubscriptionStatusActive
		}
	}}
}

// BillingEmail remembers the payer email so later one-off payments can be attributed.
func BillingEmail(email string) SettingsEffect {
	return SettingsEffect{Name: "billing_email", apply: func(u *models.UserAccountSettings) {
		if e := strings.TrimSpace(strings.ToLower(email)); e != "" {
			u.BillingEmail = lo.ToPtr(e)
		}
	}}
}

// Refunded downgrades to free after money was returned.
func Refunded() SettingsEffect {
	return SettingsEffect{Name: "refunded", apply: func(u *models.UserAccountSettings) {
		u.Plan = types.PlanTypeFree
		u.PaymentStatus = types.PaymentStatusRefunded
		u.AutoRenew = false
	}}
}

func effectNames(effects []SettingsEffect) string {
	return strings.Join(lo.Map(effects, func(e SettingsEffect, _ int) string { return e.Name }), ",")
}

// UpdateUserSettings is the single merge primitive for account settings: it creates the
// row on first use, then applies effects in order and saves.
func (s *Service) UpdateUserSettings(ctx context.Context, userID string, effects ...SettingsEffect) (*models.UserAccountSettings, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	seed := &models.UserAccountSettings{
		ID:                 tool.GenerateUUIDV7(),
		UserID:             userID,
		Plan:               types.PlanTypeFree,
		SubscriptionStatus: types.AccountSubscriptionStatusNone,
		PaymentStatus:      types.PaymentStatusNone,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(seed).Error; err != nil {
		return nil, fmt.Errorf("failed to init user settings: %w", err)
	}

	settings, err := s.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range effects {
		e.apply(settings)
	}
	if err := s.db.WithContext(ctx).Save(settings).Error; err != nil {
		return nil, fmt.Errorf("failed to save user settings: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("user_settings_updated",
		"user_id", userID, "effects", effectNames(effects),
		"plan", settings.Plan, "subscription_status", settings.SubscriptionStatus)
	return settings, nil
}

func (s *Service) GetUserSettings(ctx context.Context, userID string) (*models.UserAccountSettings, error) {
	var u models.UserAccountSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return &u, nil
}

// Correlation carries the identifiers a one-off payment may use to name its buyer.
type Correlation struct {
	UserID string
	Email  string
}

// ResolveUserID finds a known user from payment correlation data. It returns
// ErrUserNotFound when nothing matches.
func (s *Service) ResolveUserID(ctx context.Context, c Correlation) (string, error) {
	if c.UserID != "" {
		u, err := s.GetUserSettings(ctx, c.UserID)
		if err == nil {
			return u.UserID, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return "", err
		}
		// a subscription row also proves the user exists
		var sub models.Subscription
		err = s.db.WithContext(ctx).Where("user_id = ?", c.UserID).First(&sub).Error
		if err == nil {
			return sub.UserID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to resolve user: %w", err)
		}
	}
	if email := strings.TrimSpace(strings.ToLower(c.Email)); email != "" {
		var u models.UserAccountSettings
		err := s.db.WithContext(ctx).Where("billing_email = ?", email).First(&u).Error
		if err == nil {
			return u.UserID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to resolve user: %w", err)
		}
	}
	return "", ErrUserNotFound
}
