package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/logctx"
)

// oneOffPayment records a capture outside any subscription. The payer is resolved from
// custom_id or billing email; an unknown payer still gets an unattributed ledger entry.
func (m *Machine) oneOffPayment(ctx context.Context, env *Envelope, ev *OneOffPayment) error {
	log := logctx.FromCtx(ctx, m.log)
	userID, err := m.subs.ResolveUserID(ctx, subscription.Correlation{UserID: ev.CustomID, Email: ev.PayerEmail})
	if err != nil && !errors.Is(err, subscription.ErrUserNotFound) {
		return err
	}
	if userID == "" {
		log.Warnw("payment_unattributed", "provider_transaction_id", ev.TransactionID, "custom_id", ev.CustomID)
	}

	status := models.PaymentTransactionStatusCompleted
	if ev.Denied {
		status = models.PaymentTransactionStatusDenied
	}
	tier, hasTier := m.cfg.Pricing.TierForAmount(ev.Amount)
	meta := datatypes.JSONMap{"event_type": env.EventType}
	if ev.OrderID != "" {
		meta["order_id"] = ev.OrderID
	}
	if hasTier && !ev.Denied {
		meta["plan_type"] = tier
	}
	created, err := m.ledger.Record(ctx, &models.PaymentTransaction{
		UserID:                lo.EmptyableToPtr(userID),
		Kind:                  models.PaymentTransactionKindPayment,
		ProviderTransactionID: ev.TransactionID,
		Status:                status,
		Amount:                ev.Amount,
		Currency:              ev.Currency,
		EventID:               env.ID,
		Metadata:              meta,
	})
	if err != nil {
		return err
	}
	if !created || userID == "" {
		return nil
	}

	amount := ev.Amount.StringFixed(2)
	if ev.Denied {
		return m.notify(ctx, env, userID, notification.TypePaymentDenied, "Payment denied",
			fmt.Sprintf("Your payment of %s %s was denied.", amount, ev.Currency),
			map[string]any{"provider_transaction_id": ev.TransactionID, "amount": amount, "currency": ev.Currency})
	}
	if !hasTier {
		log.Infow("payment_below_plan_price", "provider_transaction_id", ev.TransactionID, "amount", amount)
		return m.notify(ctx, env, userID, notification.TypePaymentReceived, "Payment received",
			fmt.Sprintf("We received your payment of %s %s.", amount, ev.Currency),
			map[string]any{"provider_transaction_id": ev.TransactionID, "amount": amount, "currency": ev.Currency})
	}

	expiry := addPeriod(m.eventTime(env))
	if _, err := m.subs.UpdateUserSettings(ctx, userID,
		subscription.OneOffPurchase(tier, expiry),
		subscription.BillingEmail(ev.PayerEmail),
	); err != nil {
		return err
	}
	return m.notify(ctx, env, userID, notification.TypePaymentReceived, "Payment received",
		fmt.Sprintf("We received your payment of %s %s. Your %s plan is active until %s.", amount, ev.Currency, tier, expiry.Format(time.DateOnly)),
		map[string]any{"provider_transaction_id": ev.TransactionID, "amount": amount, "currency": ev.Currency, "plan_type": tier})
}

func (m *Machine) original(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error) {
	if providerTransactionID == "" {
		return nil, fmt.Errorf("%w: event does not reference the original transaction", ErrResourceNotFound)
	}
	orig, err := m.ledger.FindByProviderTransactionID(ctx, providerTransactionID)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		return nil, errors.Join(ErrResourceNotFound, err)
	}
	return orig, err
}

// paymentRefunded appends a negative entry against the original payment and downgrades the payer.
func (m *Machine) paymentRefunded(ctx context.Context, env *Envelope, ev *PaymentRefunded) error {
	orig, err := m.original(ctx, ev.OriginalTransactionID)
	if err != nil {
		return err
	}
	currency := lo.CoalesceOrEmpty(ev.Currency, orig.Currency)
	created, err := m.ledger.Record(ctx, &models.PaymentTransaction{
		UserID:                 orig.UserID,
		ProviderSubscriptionID: orig.ProviderSubscriptionID,
		Kind:                   models.PaymentTransactionKindRefund,
		ProviderTransactionID:  ev.RefundID,
		Status:                 models.PaymentTransactionStatusRefunded,
		Amount:                 ev.Amount.Neg(),
		Currency:               currency,
		RelatedTransactionID:   lo.ToPtr(orig.ProviderTransactionID),
		EventID:                env.ID,
		Metadata:               datatypes.JSONMap{"event_type": env.EventType},
	})
	if err != nil {
		return err
	}
	userID := lo.FromPtr(orig.UserID)
	if !created || userID == "" {
		return nil
	}
	if _, err := m.subs.UpdateUserSettings(ctx, userID, subscription.Refunded()); err != nil {
		return err
	}
	amount := ev.Amount.StringFixed(2)
	return m.notify(ctx, env, userID, notification.TypePaymentRefunded, "Payment refunded",
		fmt.Sprintf("Your payment of %s %s was refunded and your account moved to the free plan.", amount, currency),
		map[string]any{"provider_transaction_id": orig.ProviderTransactionID, "refund_id": ev.RefundID, "amount": amount, "currency": currency})
}

// paymentDisputed records the disputed amount as a negative hold. Entitlements stay
// untouched until the dispute resolves into a refund.
func (m *Machine) paymentDisputed(ctx context.Context, env *Envelope, ev *PaymentDisputed) error {
	orig, err := m.original(ctx, ev.OriginalTransactionID)
	if err != nil {
		return err
	}
	amount := ev.Amount
	if amount.IsZero() {
		amount = orig.Amount.Abs()
	}
	currency := lo.CoalesceOrEmpty(ev.Currency, orig.Currency)
	created, err := m.ledger.Record(ctx, &models.PaymentTransaction{
		UserID:                 orig.UserID,
		ProviderSubscriptionID: orig.ProviderSubscriptionID,
		Kind:                   models.PaymentTransactionKindDispute,
		ProviderTransactionID:  ev.DisputeID,
		Status:                 models.PaymentTransactionStatusDisputed,
		Amount:                 amount.Neg(),
		Currency:               currency,
		RelatedTransactionID:   lo.ToPtr(orig.ProviderTransactionID),
		EventID:                env.ID,
		Metadata:               datatypes.JSONMap{"reason": ev.Reason},
	})
	if err != nil {
		return err
	}
	userID := lo.FromPtr(orig.UserID)
	if !created || userID == "" {
		return nil
	}
	return m.notify(ctx, env, userID, notification.TypePaymentDisputed, "Payment disputed",
		fmt.Sprintf("A dispute was opened for your payment of %s %s.", amount.StringFixed(2), currency),
		map[string]any{"provider_transaction_id": orig.ProviderTransactionID, "dispute_id": ev.DisputeID, "reason": ev.Reason})
}
