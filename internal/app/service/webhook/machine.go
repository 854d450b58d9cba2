package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/types"
)

// Machine applies provider events to subscriptions, the ledger, account settings and
// the notification outbox. Every transition is a merge keyed by provider ids, so
// replaying an event converges to the same state.
type Machine struct {
	cfg    *config.Config
	subs   *subscription.Service
	ledger *transaction.Service
	queue  *notification.Queue
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewMachine(cfg *config.Config, subs *subscription.Service, ledger *transaction.Service, queue *notification.Queue, log *zap.SugaredLogger) *Machine {
	return &Machine{cfg: cfg, subs: subs, ledger: ledger, queue: queue, log: log, now: time.Now}
}

// WithTx binds every collaborator to tx.
func (m *Machine) WithTx(tx *gorm.DB) *Machine {
	cp := *m
	cp.subs = m.subs.WithTx(tx)
	cp.ledger = m.ledger.WithTx(tx)
	cp.queue = m.queue.WithTx(tx)
	return &cp
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	cp := *m
	cp.now = now
	return &cp
}

func (m *Machine) eventTime(env *Envelope) time.Time {
	if env.CreateTime != nil && !env.CreateTime.IsZero() {
		return env.CreateTime.UTC()
	}
	return m.now().UTC()
}

func addPeriod(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}

func (m *Machine) load(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	sub, err := m.subs.GetByProviderSubscriptionID(ctx, providerSubscriptionID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, errors.Join(ErrResourceNotFound, err)
	}
	return sub, err
}

func (m *Machine) loadOptional(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	sub, err := m.subs.GetByProviderSubscriptionID(ctx, providerSubscriptionID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, nil
	}
	return sub, err
}

func (m *Machine) notify(ctx context.Context, env *Envelope, userID, typ, title, message string, meta map[string]any) error {
	if userID == "" {
		return nil
	}
	_, err := m.queue.Enqueue(ctx, notification.Item{
		UserID:   userID,
		Type:     typ,
		Title:    title,
		Message:  message,
		Metadata: meta,
		EventID:  env.ID,
	})
	return err
}

func change(env *Envelope, extra map[string]any) subscription.Change {
	return subscription.Change{Reason: env.EventType, EventID: env.ID, Extra: extra}
}

func (m *Machine) subscriptionCreated(ctx context.Context, env *Envelope, ev *SubscriptionCreated) error {
	sub, err := m.loadOptional(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		if ev.UserID == "" {
			return fmt.Errorf("%w: subscription %s carries no user id", ErrResourceNotFound, ev.ProviderSubscriptionID)
		}
		sub = &models.Subscription{ProviderSubscriptionID: ev.ProviderSubscriptionID, UserID: ev.UserID}
	}
	plan, err := m.subs.ResolvePlanType(ctx, ev.PlanID)
	if err != nil {
		return err
	}
	if ev.PlanID != "" || sub.PlanType == "" {
		sub.ProviderPlanID = lo.CoalesceOrEmpty(ev.PlanID, sub.ProviderPlanID)
		sub.PlanType = plan
	}
	// a late CREATED never pulls an activated subscription back to pending
	if sub.Status.Pending() {
		sub.Status = ev.Status
	}
	if sub.StartTime == nil {
		sub.StartTime = ev.StartTime
	}
	return m.subs.UpsertSubscription(ctx, sub, change(env, nil))
}

func (m *Machine) subscriptionActivated(ctx context.Context, env *Envelope, ev *SubscriptionActivated) error {
	log := logctx.FromCtx(ctx, m.log)
	sub, err := m.loadOptional(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	at := m.eventTime(env)
	if sub == nil {
		if ev.UserID == "" {
			return fmt.Errorf("%w: subscription %s carries no user id", ErrResourceNotFound, ev.ProviderSubscriptionID)
		}
		sub = &models.Subscription{ProviderSubscriptionID: ev.ProviderSubscriptionID, UserID: ev.UserID}
	} else if sub.Status.Terminal() && sub.CancelledAt != nil && at.Before(*sub.CancelledAt) {
		log.Warnw("webhook_stale_activation_skipped",
			"provider_subscription_id", sub.ProviderSubscriptionID, "status", sub.Status, "cancelled_at", sub.CancelledAt)
		return nil
	}

	plan, err := m.subs.ResolvePlanType(ctx, ev.PlanID)
	if err != nil {
		return err
	}
	start := at
	if ev.StartTime != nil {
		start = ev.StartTime.UTC()
	}
	periodEnd := addPeriod(start)

	sub.Status = types.SubscriptionStatusActive
	sub.PlanType = plan
	sub.ProviderPlanID = lo.CoalesceOrEmpty(ev.PlanID, sub.ProviderPlanID)
	if sub.StartTime == nil {
		sub.StartTime = &start
	}
	// the period only moves forward, start and end together
	if sub.CurrentPeriodEnd == nil || periodEnd.After(*sub.CurrentPeriodEnd) {
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &periodEnd
	}
	if ev.NextBillingTime != nil {
		sub.NextBillingTime = ev.NextBillingTime
	}
	sub.FailedPaymentCount = 0
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.CancellationReason = nil
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, nil)); err != nil {
		return err
	}

	price := m.cfg.Pricing.PriceFor(plan)
	if _, err := m.ledger.Record(ctx, &models.PaymentTransaction{
		UserID:                 lo.ToPtr(sub.UserID),
		ProviderSubscriptionID: lo.ToPtr(sub.ProviderSubscriptionID),
		Kind:                   models.PaymentTransactionKindActivation,
		ProviderTransactionID:  sub.ProviderSubscriptionID + ":activation",
		Status:                 models.PaymentTransactionStatusCompleted,
		Amount:                 price,
		Currency:               m.cfg.Pricing.Currency,
		EventID:                env.ID,
		Metadata:               datatypes.JSONMap{"plan_type": plan, "provider_plan_id": ev.PlanID},
	}); err != nil {
		return err
	}

	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID,
		subscription.Activated(plan, sub.ProviderSubscriptionID, sub.CurrentPeriodEnd),
		subscription.BillingEmail(ev.Email),
	); err != nil {
		return err
	}
	return m.notify(ctx, env, sub.UserID, notification.TypeSubscriptionActivated,
		"Subscription activated",
		fmt.Sprintf("Your %s subscription is active until %s.", plan, sub.CurrentPeriodEnd.Format(time.DateOnly)),
		map[string]any{"plan_type": plan, "provider_subscription_id": sub.ProviderSubscriptionID, "amount": price.StringFixed(2), "currency": m.cfg.Pricing.Currency})
}

func (m *Machine) subscriptionCancelled(ctx context.Context, env *Envelope, ev *SubscriptionCancelled) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == types.SubscriptionStatusExpired {
		logctx.FromCtx(ctx, m.log).Infow("webhook_cancel_after_expiry_ignored", "provider_subscription_id", sub.ProviderSubscriptionID)
		return nil
	}
	reason := lo.CoalesceOrEmpty(ev.Reason, "cancelled by provider")
	sub.Status = ev.Status
	sub.CancelAtPeriodEnd = true
	if sub.CancelledAt == nil {
		sub.CancelledAt = lo.ToPtr(m.eventTime(env))
	}
	sub.CancellationReason = &reason
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, map[string]any{"reason": reason})); err != nil {
		return err
	}
	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.Cancelled(&reason)); err != nil {
		return err
	}
	msg := "Your subscription was cancelled and will not renew."
	if sub.CurrentPeriodEnd != nil {
		msg = fmt.Sprintf("Your subscription was cancelled. You keep access until %s.", sub.CurrentPeriodEnd.Format(time.DateOnly))
	}
	return m.notify(ctx, env, sub.UserID, notification.TypeSubscriptionCancelled, "Subscription cancelled", msg,
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID, "status": ev.Status, "reason": reason})
}

func (m *Machine) subscriptionExpired(ctx context.Context, env *Envelope, ev *SubscriptionExpired) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	sub.Status = types.SubscriptionStatusExpired
	sub.CancelAtPeriodEnd = false
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, nil)); err != nil {
		return err
	}
	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.Expired()); err != nil {
		return err
	}
	return m.notify(ctx, env, sub.UserID, notification.TypeSubscriptionExpired, "Subscription expired",
		"Your subscription has expired and your account is back on the free plan.",
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID})
}

func (m *Machine) subscriptionPaymentCompleted(ctx context.Context, env *Envelope, ev *SubscriptionPaymentCompleted) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	paidAt := m.eventTime(env)
	if ev.PaidAt != nil {
		paidAt = ev.PaidAt.UTC()
	}
	periodEnd := addPeriod(paidAt)

	if !sub.Status.Terminal() {
		sub.Status = types.SubscriptionStatusActive
	}
	if sub.CurrentPeriodEnd == nil || periodEnd.After(*sub.CurrentPeriodEnd) {
		sub.CurrentPeriodStart = &paidAt
		sub.CurrentPeriodEnd = &periodEnd
	}
	if ev.NextBillingTime != nil {
		sub.NextBillingTime = ev.NextBillingTime
	}
	sub.FailedPaymentCount = 0
	if sub.LastPaymentDate == nil || !paidAt.Before(*sub.LastPaymentDate) {
		sub.LastPaymentAmount = lo.ToPtr(ev.Amount)
		sub.LastPaymentDate = &paidAt
	}
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, map[string]any{"amount": ev.Amount.StringFixed(2), "currency": ev.Currency})); err != nil {
		return err
	}

	created, err := m.ledger.Record(ctx, &models.PaymentTransaction{
		UserID:                 lo.ToPtr(sub.UserID),
		ProviderSubscriptionID: lo.ToPtr(sub.ProviderSubscriptionID),
		Kind:                   models.PaymentTransactionKindRenewal,
		ProviderTransactionID:  fmt.Sprintf("%s:%s", sub.ProviderSubscriptionID, paidAt.Format(time.RFC3339)),
		Status:                 models.PaymentTransactionStatusCompleted,
		Amount:                 ev.Amount,
		Currency:               ev.Currency,
		EventID:                env.ID,
	})
	if err != nil {
		return err
	}
	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.Renewed(*sub.CurrentPeriodEnd)); err != nil {
		return err
	}
	if !created {
		return nil
	}
	return m.notify(ctx, env, sub.UserID, notification.TypeSubscriptionRenewed, "Subscription renewed",
		fmt.Sprintf("We received your payment of %s %s. Your subscription runs until %s.",
			ev.Amount.StringFixed(2), ev.Currency, sub.CurrentPeriodEnd.Format(time.DateOnly)),
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID, "amount": ev.Amount.StringFixed(2), "currency": ev.Currency})
}

func (m *Machine) subscriptionPaymentFailed(ctx context.Context, env *Envelope, ev *SubscriptionPaymentFailed) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	sub.FailedPaymentCount = max(sub.FailedPaymentCount+1, ev.ReportedFailures)
	threshold := m.cfg.Webhook.FailedPaymentThreshold
	suspend := threshold > 0 && sub.FailedPaymentCount >= threshold && !sub.Status.Terminal()
	if suspend {
		sub.Status = types.SubscriptionStatusSuspended
	}
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, map[string]any{"failed_payment_count": sub.FailedPaymentCount})); err != nil {
		return err
	}

	msg := fmt.Sprintf("Your subscription payment failed (attempt %d of %d).", sub.FailedPaymentCount, threshold)
	if suspend {
		logctx.FromCtx(ctx, m.log).Warnw("subscription_suspended_for_failed_payments",
			"provider_subscription_id", sub.ProviderSubscriptionID, "failed_payment_count", sub.FailedPaymentCount)
		if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.PaymentSuspended()); err != nil {
			return err
		}
		msg = fmt.Sprintf("Your subscription payment failed %d times and the subscription has been suspended.", sub.FailedPaymentCount)
	}
	return m.notify(ctx, env, sub.UserID, notification.TypePaymentFailed, "Payment failed", msg,
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID, "failed_payment_count": sub.FailedPaymentCount, "suspended": suspend})
}

func (m *Machine) subscriptionReactivated(ctx context.Context, env *Envelope, ev *SubscriptionReactivated) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	sub.Status = types.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.CancellationReason = nil
	sub.FailedPaymentCount = 0
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, nil)); err != nil {
		return err
	}
	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.Reactivated(sub.PlanType)); err != nil {
		return err
	}
	return m.notify(ctx, env, sub.UserID, notification.TypeSubscriptionReactivated, "Subscription reactivated",
		fmt.Sprintf("Your %s subscription is active again.", sub.PlanType),
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID})
}

func (m *Machine) subscriptionUpdated(ctx context.Context, env *Envelope, ev *SubscriptionUpdated) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	previous := sub.PlanType
	if ev.PlanID != "" && ev.PlanID != sub.ProviderPlanID {
		plan, err := m.subs.ResolvePlanType(ctx, ev.PlanID)
		if err != nil {
			return err
		}
		sub.ProviderPlanID = ev.PlanID
		sub.PlanType = plan
	}
	if ev.Status != "" && !(ev.Status.Pending() && !sub.Status.Pending()) {
		sub.Status = ev.Status
	}
	if err := m.subs.UpsertSubscription(ctx, sub, change(env, map[string]any{"previous_plan_type": previous})); err != nil {
		return err
	}
	if sub.PlanType == previous {
		return nil
	}
	if _, err := m.subs.UpdateUserSettings(ctx, sub.UserID, subscription.PlanChanged(sub.PlanType)); err != nil {
		return err
	}
	return m.notify(ctx, env, sub.UserID, notification.TypePlanChanged, "Plan changed",
		fmt.Sprintf("Your plan changed from %s to %s.", previous, sub.PlanType),
		map[string]any{"provider_subscription_id": sub.ProviderSubscriptionID, "from": previous, "to": sub.PlanType})
}

func (m *Machine) subscriptionCycleCompleted(ctx context.Context, env *Envelope, ev *SubscriptionCycleCompleted) error {
	sub, err := m.load(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	sub.CycleCount++
	if len(ev.Cycles) > 0 {
		sub.BillingCycles = datatypes.NewJSONType(ev.Cycles)
	}
	return m.subs.UpsertSubscription(ctx, sub, change(env, map[string]any{"cycle_count": sub.CycleCount}))
}
