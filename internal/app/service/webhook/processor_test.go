package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/fatflowers/billingsync/internal/app/service/eventstore"
	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/signature"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/internal/platform/paypal"
	"github.com/fatflowers/billingsync/internal/testutil"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/metrics"
	"github.com/fatflowers/billingsync/pkg/tool"
	"github.com/fatflowers/billingsync/pkg/types"
)

type stubVerifier struct {
	valid    bool
	err      error
	calls    int
	onVerify func()
}

func (s *stubVerifier) Verify(context.Context, []byte, http.Header) (bool, error) {
	s.calls++
	if s.onVerify != nil {
		s.onVerify()
	}
	return s.valid, s.err
}

type harness struct {
	p        *Processor
	db       *gorm.DB
	cfg      *config.Config
	verifier *stubVerifier
	events   *eventstore.Store
	subs     *subscription.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.NewDB(t)
	cfg := config.Default()
	cfg.PayPal = config.PayPalConfig{BaseURL: "http://paypal.test", ClientID: "id", ClientSecret: "secret", WebhookID: "WH-1"}
	require.NoError(t, gdb.Create(&models.BillingPlan{ID: tool.GenerateUUIDV7(), ProviderPlanID: "P-PRO", ProductID: types.ProductIDPro}).Error)
	require.NoError(t, gdb.Create(&models.BillingPlan{ID: tool.GenerateUUIDV7(), ProviderPlanID: "P-STARTER", ProductID: types.ProductIDStarter}).Error)

	log := zap.NewNop().Sugar()
	subs := subscription.NewService(cfg, gdb, log)
	events := eventstore.New(gdb, log, cfg)
	machine := NewMachine(cfg, subs, transaction.NewService(log, gdb), notification.New(gdb, log), log)
	m, err := metrics.NewWebhookMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	v := &stubVerifier{valid: true}
	return &harness{
		p:        NewProcessor(cfg, gdb, events, v, NewDispatcher(), machine, m, log),
		db:       gdb,
		cfg:      cfg,
		verifier: v,
		events:   events,
		subs:     subs,
	}
}

func payload(t *testing.T, id, eventType, createTime string, resource map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":            id,
		"event_type":    eventType,
		"resource_type": "subscription",
		"create_time":   createTime,
		"resource":      resource,
	})
	require.NoError(t, err)
	return b
}

func (h *harness) deliver(body []byte) *Result {
	return h.p.Process(context.Background(), Delivery{Body: body, Headers: http.Header{}, TraceID: "trace-1"})
}

func activated(t *testing.T, id string) []byte {
	return payload(t, id, EventSubscriptionActivated, "2024-01-01T00:00:05Z", map[string]any{
		"id":         "I-1",
		"plan_id":    "P-PRO",
		"custom_id":  "user-1",
		"status":     "ACTIVE",
		"start_time": "2024-01-01T00:00:00Z",
		"subscriber": map[string]any{"email_address": "Buyer@Example.com"},
		"billing_info": map[string]any{
			"next_billing_time": "2024-02-01T00:00:00Z",
		},
	})
}

func paymentFailed(t *testing.T, id string) []byte {
	return payload(t, id, EventSubscriptionPaymentFailed, "2024-02-01T00:00:00Z", map[string]any{"id": "I-1"})
}

func paymentCompleted(t *testing.T, id, paidAt string) []byte {
	return payload(t, id, EventSubscriptionPaymentCompleted, paidAt, map[string]any{
		"id": "I-1",
		"billing_info": map[string]any{
			"last_payment": map[string]any{
				"amount": map[string]any{"currency_code": "PHP", "value": "499.00"},
				"time":   paidAt,
			},
		},
	})
}

func count[T any](t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(new(T)).Count(&n).Error)
	return n
}

func utc(s string) time.Time {
	return lo.Must(time.Parse(time.RFC3339, s))
}

func TestProcess_Activation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.deliver(activated(t, "evt-1"))
	require.Equal(t, http.StatusOK, res.HTTPStatus, res.Ack.Error)
	assert.Equal(t, OutcomeProcessed, res.Outcome())
	assert.True(t, res.Ack.Success)
	assert.Equal(t, "evt-1", res.Ack.EventID)

	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, types.PlanTypePro, sub.PlanType)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, utc("2024-02-01T00:00:00Z").Equal(*sub.CurrentPeriodEnd), "period end %s", sub.CurrentPeriodEnd)
	assert.Equal(t, "evt-1", sub.LastEventID)

	var txs []models.PaymentTransaction
	require.NoError(t, h.db.Find(&txs).Error)
	require.Len(t, txs, 1)
	assert.Equal(t, models.PaymentTransactionKindActivation, txs[0].Kind)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("499")))
	assert.Equal(t, "PHP", txs[0].Currency)

	settings, err := h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypePro, settings.Plan)
	assert.Equal(t, types.AccountSubscriptionStatusActive, settings.SubscriptionStatus)
	assert.Equal(t, "buyer@example.com", lo.FromPtr(settings.BillingEmail))

	var notes []models.NotificationQueueItem
	require.NoError(t, h.db.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, notification.TypeSubscriptionActivated, notes[0].Type)

	ev, err := h.events.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
	assert.True(t, lo.FromPtr(ev.SignatureValid))
	assert.Equal(t, "I-1", ev.ResourceID)
}

func TestProcess_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, OutcomeAlreadyProcessed, res.Outcome())
	assert.Equal(t, 1, h.verifier.calls, "duplicates short-circuit before verification")

	assert.EqualValues(t, 1, count[models.SubscriptionLog](t, h.db))
	assert.EqualValues(t, 1, count[models.PaymentTransaction](t, h.db))
	assert.EqualValues(t, 1, count[models.NotificationQueueItem](t, h.db))
	assert.EqualValues(t, 1, count[models.WebhookEvent](t, h.db))
}

func TestProcess_FailedPaymentsSuspendAtThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())

	for _, id := range []string{"evt-f1", "evt-f2"} {
		require.Equal(t, OutcomeProcessed, h.deliver(paymentFailed(t, id)).Outcome())
	}
	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.FailedPaymentCount)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)

	settings, err := h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusPaid, settings.PaymentStatus, "below the threshold the account is untouched")
	assert.Equal(t, types.AccountSubscriptionStatusActive, settings.SubscriptionStatus)

	require.Equal(t, OutcomeProcessed, h.deliver(paymentFailed(t, "evt-f3")).Outcome())
	sub, err = h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sub.FailedPaymentCount)
	assert.Equal(t, types.SubscriptionStatusSuspended, sub.Status)

	settings, err = h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountSubscriptionStatusSuspended, settings.SubscriptionStatus)
	assert.Equal(t, types.PaymentStatusFailed, settings.PaymentStatus)

	var last models.NotificationQueueItem
	require.NoError(t, h.db.Where("type = ?", notification.TypePaymentFailed).Order("created_at desc, id desc").First(&last).Error)
	assert.Contains(t, last.Message, "3 times")
	assert.Contains(t, last.Message, "suspended")
}

func TestProcess_ReactivationClearsFailedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())
	for _, id := range []string{"evt-f1", "evt-f2", "evt-f3"} {
		require.Equal(t, OutcomeProcessed, h.deliver(paymentFailed(t, id)).Outcome())
	}
	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-r", EventSubscriptionReactivated, "2024-02-05T00:00:00Z",
		map[string]any{"id": "I-1"})).Outcome())

	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.FailedPaymentCount)

	settings, err := h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountSubscriptionStatusActive, settings.SubscriptionStatus)
	assert.Equal(t, types.PaymentStatusPaid, settings.PaymentStatus)
}

func TestProcess_StaleClaimCannotCommitAfterTakeover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Now()
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())

	body := paymentFailed(t, "evt-pf")
	env, err := ParseEnvelope(body)
	require.NoError(t, err)

	// the first delivery claims the event and stalls before running its handler
	first, err := h.events.RecordIfNew(ctx, eventstore.RecordInput{EventID: env.ID, EventType: env.EventType, ResourceID: env.ResourceID(), Payload: body})
	require.NoError(t, err)
	require.True(t, first.Claimed())

	// a redelivery after the stale window takes over and finishes
	h.p.events = h.events.WithClock(func() time.Time { return start.Add(10 * time.Minute) })
	res := h.deliver(body)
	require.Equal(t, OutcomeProcessed, res.Outcome(), res.Ack.Error)

	// the stalled run wakes up; its transaction must not commit
	inv, err := h.p.dispatcher.Prepare(env)
	require.NoError(t, err)
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := inv(ctx, h.p.machine.WithTx(tx)); err != nil {
			return err
		}
		return h.events.WithTx(tx).MarkProcessed(ctx, env.ID, first.Attempt, nil)
	})
	require.ErrorIs(t, err, eventstore.ErrClaimLost)

	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.FailedPaymentCount)
	var failures int64
	require.NoError(t, h.db.Model(&models.NotificationQueueItem{}).Where("type = ?", notification.TypePaymentFailed).Count(&failures).Error)
	assert.EqualValues(t, 1, failures)

	ev, err := h.events.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
	assert.Equal(t, 2, ev.Attempts)
}

func TestProcess_ActivationReplayKeepsRenewedPeriod(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())
	require.Equal(t, OutcomeProcessed, h.deliver(paymentCompleted(t, "evt-c1", "2024-02-01T00:00:00Z")).Outcome())

	// the same activation arrives again under a new id and without billing info
	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-1b", EventSubscriptionActivated, "2024-02-02T00:00:00Z", map[string]any{
		"id": "I-1", "plan_id": "P-PRO", "custom_id": "user-1", "status": "ACTIVE", "start_time": "2024-01-01T00:00:00Z",
	})).Outcome())

	sub, err := h.subs.GetByProviderSubscriptionID(context.Background(), "I-1")
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.True(t, utc("2024-02-01T00:00:00Z").Equal(*sub.CurrentPeriodStart), "period start %s", sub.CurrentPeriodStart)
	assert.True(t, utc("2024-03-01T00:00:00Z").Equal(*sub.CurrentPeriodEnd), "period end %s", sub.CurrentPeriodEnd)
	require.NotNil(t, sub.NextBillingTime)
	assert.True(t, utc("2024-02-01T00:00:00Z").Equal(*sub.NextBillingTime))
}

func TestProcess_ConvergesUnderRedelivery(t *testing.T) {
	run := func(t *testing.T, bodies [][]byte) *models.Subscription {
		h := newHarness(t)
		for _, b := range bodies {
			res := h.deliver(b)
			require.Less(t, res.HTTPStatus, http.StatusBadRequest, res.Ack.Error)
		}
		assert.EqualValues(t, 2, count[models.PaymentTransaction](t, h.db))
		sub, err := h.subs.GetByProviderSubscriptionID(context.Background(), "I-1")
		require.NoError(t, err)
		return sub
	}

	straight := run(t, [][]byte{
		activated(t, "evt-1"),
		paymentFailed(t, "evt-f1"), paymentFailed(t, "evt-f2"), paymentFailed(t, "evt-f3"),
		paymentCompleted(t, "evt-c1", "2024-02-03T00:00:00Z"),
	})
	replayed := run(t, [][]byte{
		activated(t, "evt-1"),
		paymentFailed(t, "evt-f1"),
		activated(t, "evt-1"),
		paymentFailed(t, "evt-f2"), paymentFailed(t, "evt-f3"),
		activated(t, "evt-1"),
		paymentCompleted(t, "evt-c1", "2024-02-03T00:00:00Z"),
		paymentCompleted(t, "evt-c1", "2024-02-03T00:00:00Z"),
	})

	for _, sub := range []*models.Subscription{straight, replayed} {
		assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
		assert.Equal(t, 0, sub.FailedPaymentCount)
		assert.True(t, utc("2024-03-03T00:00:00Z").Equal(*sub.CurrentPeriodEnd), "period end %s", sub.CurrentPeriodEnd)
		assert.True(t, sub.LastPaymentAmount.Equal(decimal.RequireFromString("499")))
	}
}

func TestProcess_PeriodEndIsMonotonic(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())
	require.Equal(t, OutcomeProcessed, h.deliver(paymentCompleted(t, "evt-c2", "2024-03-01T00:00:00Z")).Outcome())
	// an older payment arriving late does not shorten the period
	require.Equal(t, OutcomeProcessed, h.deliver(paymentCompleted(t, "evt-c1", "2024-02-01T00:00:00Z")).Outcome())

	sub, err := h.subs.GetByProviderSubscriptionID(context.Background(), "I-1")
	require.NoError(t, err)
	assert.True(t, utc("2024-04-01T00:00:00Z").Equal(*sub.CurrentPeriodEnd), "period end %s", sub.CurrentPeriodEnd)
	assert.EqualValues(t, 3, count[models.PaymentTransaction](t, h.db))
}

func TestProcess_CancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())

	res := h.deliver(payload(t, "evt-x", EventSubscriptionCancelled, "2024-01-10T00:00:00Z", map[string]any{
		"id": "I-1", "status": "CANCELLED", "status_change_note": "too expensive",
	}))
	require.Equal(t, OutcomeProcessed, res.Outcome(), res.Ack.Error)

	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, "too expensive", lo.FromPtr(sub.CancellationReason))
	assert.True(t, sub.Entitled(utc("2024-01-15T00:00:00Z")))
	assert.False(t, sub.Entitled(utc("2024-02-02T00:00:00Z")))

	settings, err := h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountSubscriptionStatusCancelled, settings.SubscriptionStatus)
	assert.False(t, settings.AutoRenew)

	// an activation older than the cancellation does not resurrect the subscription
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-old")).Outcome())
	sub, err = h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusCancelled, sub.Status)

	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-r", EventSubscriptionReactivated, "2024-01-12T00:00:00Z",
		map[string]any{"id": "I-1"})).Outcome())
	sub, err = h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.CancelledAt)
}

func TestProcess_CreatedDoesNotRegressActive(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())
	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-0", EventSubscriptionCreated, "2023-12-31T23:59:00Z", map[string]any{
		"id": "I-1", "plan_id": "P-PRO", "custom_id": "user-1", "status": "APPROVAL_PENDING",
	})).Outcome())

	sub, err := h.subs.GetByProviderSubscriptionID(context.Background(), "I-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
}

func TestProcess_PlanChangeAndExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, OutcomeProcessed, h.deliver(activated(t, "evt-1")).Outcome())

	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-u", EventSubscriptionUpdated, "2024-01-05T00:00:00Z", map[string]any{
		"id": "I-1", "plan_id": "P-STARTER", "status": "ACTIVE",
	})).Outcome())
	settings, err := h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypeStarter, settings.Plan)
	var n int64
	require.NoError(t, h.db.Model(&models.NotificationQueueItem{}).Where("type = ?", notification.TypePlanChanged).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-cy", EventSubscriptionCycleCompleted, "2024-02-01T00:00:00Z", map[string]any{
		"id": "I-1", "billing_info": map[string]any{"cycle_executions": []map[string]any{{"tenure_type": "REGULAR", "sequence": 1, "cycles_completed": 1}}},
	})).Outcome())
	sub, err := h.subs.GetByProviderSubscriptionID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CycleCount)
	require.Len(t, sub.BillingCycles.Data(), 1)

	require.Equal(t, OutcomeProcessed, h.deliver(payload(t, "evt-e", EventSubscriptionExpired, "2024-03-01T00:00:00Z",
		map[string]any{"id": "I-1"})).Outcome())
	settings, err = h.subs.GetUserSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypeFree, settings.Plan)
	assert.Equal(t, types.AccountSubscriptionStatusExpired, settings.SubscriptionStatus)
}

func TestProcess_UnknownTypeIgnored(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(payload(t, "evt-u", "CUSTOMER.MERCHANT-INTEGRATION.SELLER-CONSENT-GRANTED", "2024-01-01T00:00:00Z", map[string]any{"id": "X"}))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, OutcomeIgnored, res.Outcome())
	assert.EqualValues(t, 0, count[models.Subscription](t, h.db))

	ev, err := h.events.Get(context.Background(), "evt-u")
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
}

func TestProcess_FailClosedRejectsInvalidSignature(t *testing.T) {
	h := newHarness(t)
	h.verifier.valid, h.verifier.err = false, signature.ErrVerificationFailed

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
	assert.Equal(t, OutcomeSignatureInvalid, res.Outcome())
	assert.False(t, res.Ack.Success)
	assert.EqualValues(t, 0, count[models.Subscription](t, h.db))

	ev, err := h.events.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, lo.FromPtr(ev.SignatureValid))
	assert.NotNil(t, ev.ProcessingError)

	// a properly signed redelivery takes the event over
	h.verifier.valid, h.verifier.err = true, nil
	res = h.deliver(activated(t, "evt-1"))
	assert.Equal(t, OutcomeProcessed, res.Outcome(), res.Ack.Error)
	assert.EqualValues(t, 1, count[models.Subscription](t, h.db))
}

func TestProcess_FailClosedLogsSignatureStoreError(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.InfoLevel)
	h.p.log = zap.New(core).Sugar()
	h.verifier.valid, h.verifier.err = false, signature.ErrVerificationFailed
	h.verifier.onVerify = func() {
		require.NoError(t, h.db.Migrator().DropTable(&models.WebhookEvent{}))
	}

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
	assert.Equal(t, 1, logs.FilterMessage("webhook_record_signature_failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("webhook_mark_failed").Len())
}

func TestProcess_GenuineDeliveryReplacesRejectedBody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.verifier.valid, h.verifier.err = false, signature.ErrVerificationFailed

	forged := payload(t, "evt-1", EventSubscriptionActivated, "2024-01-01T00:00:05Z", map[string]any{
		"id": "I-FORGED", "plan_id": "P-PRO", "custom_id": "attacker", "forged": true,
	})
	require.Equal(t, http.StatusUnauthorized, h.deliver(forged).HTTPStatus)

	h.verifier.valid, h.verifier.err = true, nil
	body := activated(t, "evt-1")
	require.Equal(t, OutcomeProcessed, h.deliver(body).Outcome())

	ev, err := h.events.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "I-1", ev.ResourceID)
	assert.JSONEq(t, string(body), string(ev.Payload))
	assert.NotContains(t, string(ev.Payload), "forged")
	assert.True(t, lo.FromPtr(ev.SignatureValid))
	assert.Nil(t, ev.ProcessingError)
}

func TestProcess_FailOpenRecordsPolicyNote(t *testing.T) {
	h := newHarness(t)
	h.cfg.Webhook.SignaturePolicy = config.SignaturePolicyFailOpen
	h.verifier.valid, h.verifier.err = false, paypal.ErrDownstreamUnavailable

	res := h.deliver(activated(t, "evt-1"))
	require.Equal(t, OutcomeProcessed, res.Outcome(), res.Ack.Error)
	assert.EqualValues(t, 1, count[models.Subscription](t, h.db))

	ev, err := h.events.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, lo.FromPtr(ev.SignatureValid))
	require.NotNil(t, ev.PolicyNote)
	assert.Contains(t, *ev.PolicyNote, string(config.SignaturePolicyFailOpen))
}

func TestProcess_FailClosedDownstreamUnavailable(t *testing.T) {
	h := newHarness(t)
	h.verifier.valid, h.verifier.err = false, paypal.ErrDownstreamUnavailable

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, OutcomeDownstreamUnavailable, res.Outcome())
	assert.EqualValues(t, 0, count[models.Subscription](t, h.db))
}

func TestProcess_MissingConfiguration(t *testing.T) {
	h := newHarness(t)
	h.cfg.PayPal.WebhookID = ""

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, OutcomeConfigurationError, res.Outcome())
	assert.EqualValues(t, 0, count[models.WebhookEvent](t, h.db))
}

func TestProcess_MalformedBodyRecordedByContentHash(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"id": "evt-1", broken`)

	res := h.deliver(body)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, OutcomeMalformedPayload, res.Outcome())

	ev, err := h.events.Get(context.Background(), tool.ContentKey("hash:", body))
	require.NoError(t, err)
	assert.NotNil(t, ev.ProcessingError)
	assert.Contains(t, string(ev.Payload), "broken")
}

func TestProcess_InvalidVariantIsBadRequest(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(payload(t, "evt-c", EventSubscriptionPaymentCompleted, "2024-02-01T00:00:00Z", map[string]any{"id": "I-1"}))
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	assert.Equal(t, OutcomeInvalidPayload, res.Outcome())

	ev, err := h.events.Get(context.Background(), "evt-c")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.NotNil(t, ev.ProcessingError)
}

func TestProcess_UnknownSubscriptionIsUnresolvable(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(payload(t, "evt-x", EventSubscriptionCancelled, "2024-01-10T00:00:00Z", map[string]any{"id": "I-404"}))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, OutcomeUnresolvable, res.Outcome())

	ev, err := h.events.Get(context.Background(), "evt-x")
	require.NoError(t, err)
	require.NotNil(t, ev.ProcessingError)
	assert.Contains(t, *ev.ProcessingError, "I-404")
}

func TestProcess_InFlightDeliveryConflicts(t *testing.T) {
	h := newHarness(t)
	_, err := h.events.RecordIfNew(context.Background(), eventstore.RecordInput{EventID: "evt-1", EventType: EventSubscriptionActivated, Payload: []byte(`{}`)})
	require.NoError(t, err)

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusConflict, res.HTTPStatus)
	assert.Equal(t, OutcomeInFlight, res.Outcome())
	assert.EqualValues(t, 0, count[models.Subscription](t, h.db))
}

func TestProcess_HandlerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Migrator().DropTable(&models.NotificationQueueItem{}))

	res := h.deliver(activated(t, "evt-1"))
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, OutcomeFailed, res.Outcome())
	assert.EqualValues(t, 0, count[models.Subscription](t, h.db))
	assert.EqualValues(t, 0, count[models.PaymentTransaction](t, h.db))

	ev, err := h.events.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.NotNil(t, ev.ProcessingError)
}

func capture(t *testing.T, id, eventType, captureID, customID, value string) []byte {
	return payload(t, id, eventType, "2024-01-01T00:00:00Z", map[string]any{
		"id":        captureID,
		"status":    "COMPLETED",
		"custom_id": customID,
		"amount":    map[string]any{"currency_code": "PHP", "value": value},
	})
}

func TestProcess_OneOffPaymentRefundAndDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.subs.UpdateUserSettings(ctx, "user-2")
	require.NoError(t, err)

	require.Equal(t, OutcomeProcessed, h.deliver(capture(t, "evt-p1", EventPaymentCaptureCompleted, "CAP-1", "user-2", "499.00")).Outcome())
	settings, err := h.subs.GetUserSettings(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypePro, settings.Plan)
	require.NotNil(t, settings.SubscriptionExpiry)
	assert.True(t, utc("2024-02-01T00:00:00Z").Equal(*settings.SubscriptionExpiry))

	// the order event for the same capture lands on the same ledger entry
	order := payload(t, "evt-o1", EventCheckoutOrderCompleted, "2024-01-01T00:00:01Z", map[string]any{
		"id": "ORDER-1",
		"purchase_units": []map[string]any{{
			"custom_id": "user-2",
			"amount":    map[string]any{"currency_code": "PHP", "value": "499.00"},
			"payments":  map[string]any{"captures": []map[string]any{{"id": "CAP-1", "amount": map[string]any{"currency_code": "PHP", "value": "499.00"}}}},
		}},
	})
	require.Equal(t, OutcomeProcessed, h.deliver(order).Outcome())
	assert.EqualValues(t, 1, count[models.PaymentTransaction](t, h.db))

	dispute := payload(t, "evt-d1", EventCustomerDisputeCreated, "2024-01-03T00:00:00Z", map[string]any{
		"dispute_id":            "PP-D-1",
		"dispute_amount":        map[string]any{"currency_code": "PHP", "value": "499.00"},
		"disputed_transactions": []map[string]any{{"seller_transaction_id": "CAP-1"}},
	})
	require.Equal(t, OutcomeProcessed, h.deliver(dispute).Outcome())
	settings, err = h.subs.GetUserSettings(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypePro, settings.Plan, "a dispute alone does not downgrade")

	refund := payload(t, "evt-r1", EventPaymentCaptureRefunded, "2024-01-05T00:00:00Z", map[string]any{
		"id":     "REF-1",
		"amount": map[string]any{"currency_code": "PHP", "value": "499.00"},
		"links":  []map[string]any{{"rel": "up", "href": "https://api.paypal.com/v2/payments/captures/CAP-1"}},
	})
	require.Equal(t, OutcomeProcessed, h.deliver(refund).Outcome())

	var ref models.PaymentTransaction
	require.NoError(t, h.db.Where("kind = ?", models.PaymentTransactionKindRefund).First(&ref).Error)
	assert.True(t, ref.Amount.Equal(decimal.RequireFromString("-499")))
	assert.Equal(t, "CAP-1", lo.FromPtr(ref.RelatedTransactionID))
	assert.Equal(t, "user-2", lo.FromPtr(ref.UserID))

	settings, err = h.subs.GetUserSettings(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTypeFree, settings.Plan)
	assert.Equal(t, types.PaymentStatusRefunded, settings.PaymentStatus)

	kinds := []string{}
	require.NoError(t, h.db.Model(&models.NotificationQueueItem{}).Order("created_at asc, id asc").Pluck("type", &kinds).Error)
	assert.Equal(t, []string{notification.TypePaymentReceived, notification.TypePaymentDisputed, notification.TypePaymentRefunded}, kinds)
}

func TestProcess_UnattributedPayment(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeProcessed, h.deliver(capture(t, "evt-p1", EventPaymentCaptureCompleted, "CAP-9", "nobody", "199.00")).Outcome())

	var tx models.PaymentTransaction
	require.NoError(t, h.db.First(&tx).Error)
	assert.Nil(t, tx.UserID)
	assert.EqualValues(t, 0, count[models.NotificationQueueItem](t, h.db))
	assert.EqualValues(t, 0, count[models.UserAccountSettings](t, h.db))
}

func TestProcess_RefundOfUnknownPayment(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(payload(t, "evt-r1", EventPaymentSaleRefunded, "2024-01-05T00:00:00Z", map[string]any{
		"id": "REF-1", "sale_id": "SALE-404", "amount": map[string]any{"currency": "PHP", "total": "10.00"},
	}))
	assert.Equal(t, OutcomeUnresolvable, res.Outcome())
	assert.EqualValues(t, 0, count[models.PaymentTransaction](t, h.db))
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.Is(classify(subscription.ErrSubscriptionNotFound), ErrResourceNotFound))
	assert.True(t, errors.Is(classify(transaction.ErrTransactionNotFound), ErrResourceNotFound))
	assert.True(t, errors.Is(classify(paypal.ErrDownstreamUnavailable), ErrDownstreamUnavailable))
	assert.True(t, errors.Is(classify(config.ErrMissingCredentials), ErrConfiguration))
	assert.True(t, errors.Is(classify(signature.ErrMissingHeaders), ErrSignatureInvalid))
	assert.Nil(t, classify(nil))
}
