package webhook

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/types"
)

// Provider event types handled by the state machine.
const (
	EventSubscriptionCreated          = "BILLING.SUBSCRIPTION.CREATED"
	EventSubscriptionActivated        = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionCancelled        = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionSuspended        = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSubscriptionExpired          = "BILLING.SUBSCRIPTION.EXPIRED"
	EventSubscriptionPaymentCompleted = "BILLING.SUBSCRIPTION.PAYMENT.COMPLETED"
	EventSubscriptionPaymentFailed    = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	EventSubscriptionReactivated      = "BILLING.SUBSCRIPTION.RE-ACTIVATED"
	EventSubscriptionUpdated          = "BILLING.SUBSCRIPTION.UPDATED"
	EventSubscriptionCycleCompleted   = "BILLING.SUBSCRIPTION.CYCLE.COMPLETED"
	EventPaymentCaptureCompleted      = "PAYMENT.CAPTURE.COMPLETED"
	EventPaymentCaptureDenied         = "PAYMENT.CAPTURE.DENIED"
	EventCheckoutOrderCompleted       = "CHECKOUT.ORDER.COMPLETED"
	EventPaymentCaptureRefunded       = "PAYMENT.CAPTURE.REFUNDED"
	EventPaymentSaleRefunded          = "PAYMENT.SALE.REFUNDED"
	EventCustomerDisputeCreated       = "CUSTOMER.DISPUTE.CREATED"
)

// Envelope is the common shape of every delivery. Resource stays raw until the
// event type picks a variant for it.
type Envelope struct {
	ID           string          `json:"id" validate:"required"`
	EventType    string          `json:"event_type" validate:"required"`
	ResourceType string          `json:"resource_type"`
	Summary      string          `json:"summary"`
	CreateTime   *time.Time      `json:"create_time"`
	Resource     json.RawMessage `json:"resource"`
}

// ResourceID returns the id of the resource the event is about, for indexing.
func (e *Envelope) ResourceID() string {
	var ref struct {
		ID        string `json:"id"`
		DisputeID string `json:"dispute_id"`
	}
	if len(e.Resource) == 0 || json.Unmarshal(e.Resource, &ref) != nil {
		return ""
	}
	if ref.ID != "" {
		return ref.ID
	}
	return ref.DisputeID
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		d, ok := f.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		fl, _ := d.Float64()
		return fl
	}, decimal.Decimal{})
	return v
}

// ParseEnvelope decodes the body. A body that is not JSON yields ErrMalformedPayload; JSON
// missing the id or event type yields ErrInvalidPayload.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &env, nil
}

// money covers both the v2 ({currency_code, value}) and v1 ({currency, total}) amount shapes.
type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
	Currency     string `json:"currency"`
	Total        string `json:"total"`
}

func (m *money) decimal() (decimal.Decimal, string, error) {
	if m == nil {
		return decimal.Zero, "", fmt.Errorf("amount is missing")
	}
	raw, cur := m.Value, m.CurrencyCode
	if raw == "" {
		raw, cur = m.Total, m.Currency
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("amount %q: %w", raw, err)
	}
	return d, strings.ToUpper(cur), nil
}

type subscriptionResource struct {
	ID               string     `json:"id"`
	PlanID           string     `json:"plan_id"`
	Status           string     `json:"status"`
	CustomID         string     `json:"custom_id"`
	StartTime        *time.Time `json:"start_time"`
	StatusChangeNote string     `json:"status_change_note"`
	Subscriber       *struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime     *time.Time `json:"next_billing_time"`
		FailedPaymentsCount int        `json:"failed_payments_count"`
		LastPayment         *struct {
			Amount *money     `json:"amount"`
			Time   *time.Time `json:"time"`
		} `json:"last_payment"`
		CycleExecutions []struct {
			TenureType      string `json:"tenure_type"`
			Sequence        int    `json:"sequence"`
			CyclesCompleted int    `json:"cycles_completed"`
			CyclesRemaining int    `json:"cycles_remaining"`
			TotalCycles     int    `json:"total_cycles"`
		} `json:"cycle_executions"`
	} `json:"billing_info"`
}

// SubscriptionRef identifies the subscription an event is about.
type SubscriptionRef struct {
	ProviderSubscriptionID string `validate:"required"`
}

type SubscriptionCreated struct {
	SubscriptionRef
	UserID    string
	PlanID    string
	Status    types.SubscriptionStatus
	StartTime *time.Time
}

type SubscriptionActivated struct {
	SubscriptionRef
	UserID          string
	PlanID          string
	Email           string
	StartTime       *time.Time
	NextBillingTime *time.Time
}

// SubscriptionCancelled covers both CANCELLED and SUSPENDED deliveries.
type SubscriptionCancelled struct {
	SubscriptionRef
	Status types.SubscriptionStatus `validate:"oneof=CANCELLED SUSPENDED"`
	Reason string
}

type SubscriptionExpired struct {
	SubscriptionRef
}

type SubscriptionPaymentCompleted struct {
	SubscriptionRef
	Amount          decimal.Decimal `validate:"gt=0"`
	Currency        string          `validate:"required,len=3"`
	PaidAt          *time.Time
	NextBillingTime *time.Time
}

type SubscriptionPaymentFailed struct {
	SubscriptionRef
	// ReportedFailures is the provider's own counter, zero when absent.
	ReportedFailures int `validate:"gte=0"`
}

type SubscriptionReactivated struct {
	SubscriptionRef
}

type SubscriptionUpdated struct {
	SubscriptionRef
	PlanID string
	Status types.SubscriptionStatus
}

type SubscriptionCycleCompleted struct {
	SubscriptionRef
	Cycles []models.BillingCycle
}

// OneOffPayment is a capture or completed order outside a subscription.
type OneOffPayment struct {
	TransactionID string `validate:"required"`
	OrderID       string
	Amount        decimal.Decimal `validate:"gte=0"`
	Currency      string          `validate:"required,len=3"`
	CustomID      string
	PayerEmail    string
	Denied        bool
}

type PaymentRefunded struct {
	RefundID string `validate:"required"`
	// OriginalTransactionID is empty when the payload does not link the original capture.
	OriginalTransactionID string
	Amount                decimal.Decimal `validate:"gte=0"`
	Currency              string
}

type PaymentDisputed struct {
	DisputeID             string `validate:"required"`
	OriginalTransactionID string
	Amount                decimal.Decimal `validate:"gte=0"`
	Currency              string
	Reason                string
}

func decodeResource[T any](env *Envelope) (*T, error) {
	var out T
	if len(env.Resource) == 0 {
		return nil, fmt.Errorf("%w: resource is missing", ErrInvalidPayload)
	}
	if err := json.Unmarshal(env.Resource, &out); err != nil {
		return nil, fmt.Errorf("%w: resource: %v", ErrInvalidPayload, err)
	}
	return &out, nil
}

func validated[T any](v *T) (*T, error) {
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func subscriptionStatus(raw string, fallback types.SubscriptionStatus) types.SubscriptionStatus {
	if raw == "" {
		return fallback
	}
	return types.SubscriptionStatus(strings.ToUpper(raw))
}

func extractSubscriptionCreated(env *Envelope) (*SubscriptionCreated, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	return validated(&SubscriptionCreated{
		SubscriptionRef: SubscriptionRef{r.ID},
		UserID:          r.CustomID,
		PlanID:          r.PlanID,
		Status:          subscriptionStatus(r.Status, types.SubscriptionStatusCreated),
		StartTime:       r.StartTime,
	})
}

func extractSubscriptionActivated(env *Envelope) (*SubscriptionActivated, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	out := &SubscriptionActivated{
		SubscriptionRef: SubscriptionRef{r.ID},
		UserID:          r.CustomID,
		PlanID:          r.PlanID,
		StartTime:       r.StartTime,
	}
	if r.BillingInfo != nil {
		out.NextBillingTime = r.BillingInfo.NextBillingTime
	}
	if r.Subscriber != nil {
		out.Email = r.Subscriber.EmailAddress
	}
	return validated(out)
}

func extractSubscriptionCancelled(env *Envelope) (*SubscriptionCancelled, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	fallback := types.SubscriptionStatusCancelled
	if env.EventType == EventSubscriptionSuspended {
		fallback = types.SubscriptionStatusSuspended
	}
	status := subscriptionStatus(r.Status, fallback)
	if status != types.SubscriptionStatusCancelled && status != types.SubscriptionStatusSuspended {
		status = fallback
	}
	return validated(&SubscriptionCancelled{
		SubscriptionRef: SubscriptionRef{r.ID},
		Status:          status,
		Reason:          r.StatusChangeNote,
	})
}

func extractSubscriptionExpired(env *Envelope) (*SubscriptionExpired, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	return validated(&SubscriptionExpired{SubscriptionRef{r.ID}})
}

func extractSubscriptionPaymentCompleted(env *Envelope) (*SubscriptionPaymentCompleted, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	if r.BillingInfo == nil || r.BillingInfo.LastPayment == nil || r.BillingInfo.LastPayment.Amount == nil {
		return nil, fmt.Errorf("%w: billing_info.last_payment.amount is required", ErrInvalidPayload)
	}
	amount, currency, err := r.BillingInfo.LastPayment.Amount.decimal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return validated(&SubscriptionPaymentCompleted{
		SubscriptionRef: SubscriptionRef{r.ID},
		Amount:          amount,
		Currency:        currency,
		PaidAt:          r.BillingInfo.LastPayment.Time,
		NextBillingTime: r.BillingInfo.NextBillingTime,
	})
}

func extractSubscriptionPaymentFailed(env *Envelope) (*SubscriptionPaymentFailed, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	out := &SubscriptionPaymentFailed{SubscriptionRef: SubscriptionRef{r.ID}}
	if r.BillingInfo != nil {
		out.ReportedFailures = r.BillingInfo.FailedPaymentsCount
	}
	return validated(out)
}

func extractSubscriptionReactivated(env *Envelope) (*SubscriptionReactivated, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	return validated(&SubscriptionReactivated{SubscriptionRef{r.ID}})
}

func extractSubscriptionUpdated(env *Envelope) (*SubscriptionUpdated, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	return validated(&SubscriptionUpdated{
		SubscriptionRef: SubscriptionRef{r.ID},
		PlanID:          r.PlanID,
		Status:          subscriptionStatus(r.Status, ""),
	})
}

func extractSubscriptionCycleCompleted(env *Envelope) (*SubscriptionCycleCompleted, error) {
	r, err := decodeResource[subscriptionResource](env)
	if err != nil {
		return nil, err
	}
	out := &SubscriptionCycleCompleted{SubscriptionRef: SubscriptionRef{r.ID}}
	if r.BillingInfo != nil {
		for _, c := range r.BillingInfo.CycleExecutions {
			out.Cycles = append(out.Cycles, models.BillingCycle{
				TenureType:      c.TenureType,
				Sequence:        c.Sequence,
				CyclesCompleted: c.CyclesCompleted,
				CyclesRemaining: c.CyclesRemaining,
				TotalCycles:     c.TotalCycles,
			})
		}
	}
	return validated(out)
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            *money `json:"amount"`
	CustomID          string `json:"custom_id"`
	SupplementaryData *struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	Payer *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

type orderResource struct {
	ID            string `json:"id"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Amount   *money `json:"amount"`
		Payments *struct {
			Captures []struct {
				ID     string `json:"id"`
				Amount *money `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Payer *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

func extractOneOffPayment(env *Envelope) (*OneOffPayment, error) {
	if env.EventType == EventCheckoutOrderCompleted {
		return extractOrderPayment(env)
	}
	r, err := decodeResource[captureResource](env)
	if err != nil {
		return nil, err
	}
	amount, currency, err := r.Amount.decimal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := &OneOffPayment{
		TransactionID: r.ID,
		Amount:        amount,
		Currency:      currency,
		CustomID:      r.CustomID,
		Denied:        env.EventType == EventPaymentCaptureDenied || strings.EqualFold(r.Status, "DENIED"),
	}
	if r.SupplementaryData != nil {
		out.OrderID = r.SupplementaryData.RelatedIDs.OrderID
	}
	if r.Payer != nil {
		out.PayerEmail = r.Payer.EmailAddress
	}
	return validated(out)
}

// extractOrderPayment keys the payment by its first capture so the matching
// PAYMENT.CAPTURE.COMPLETED delivery lands on the same ledger entry.
func extractOrderPayment(env *Envelope) (*OneOffPayment, error) {
	r, err := decodeResource[orderResource](env)
	if err != nil {
		return nil, err
	}
	if len(r.PurchaseUnits) == 0 {
		return nil, fmt.Errorf("%w: order has no purchase units", ErrInvalidPayload)
	}
	pu := r.PurchaseUnits[0]
	out := &OneOffPayment{TransactionID: r.ID, OrderID: r.ID, CustomID: pu.CustomID}
	amt := pu.Amount
	if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
		out.TransactionID = pu.Payments.Captures[0].ID
		if pu.Payments.Captures[0].Amount != nil {
			amt = pu.Payments.Captures[0].Amount
		}
	}
	if out.Amount, out.Currency, err = amt.decimal(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if r.Payer != nil {
		out.PayerEmail = r.Payer.EmailAddress
	}
	return validated(out)
}

type refundResource struct {
	ID     string `json:"id"`
	SaleID string `json:"sale_id"`
	Amount *money `json:"amount"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func extractPaymentRefunded(env *Envelope) (*PaymentRefunded, error) {
	r, err := decodeResource[refundResource](env)
	if err != nil {
		return nil, err
	}
	amount, currency, err := r.Amount.decimal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := &PaymentRefunded{RefundID: r.ID, OriginalTransactionID: r.SaleID, Amount: amount.Abs(), Currency: currency}
	if out.OriginalTransactionID == "" {
		for _, l := range r.Links {
			if l.Rel == "up" {
				href := strings.TrimRight(l.Href, "/")
				out.OriginalTransactionID = href[strings.LastIndex(href, "/")+1:]
				break
			}
		}
	}
	return validated(out)
}

type disputeResource struct {
	DisputeID            string `json:"dispute_id"`
	Reason               string `json:"reason"`
	DisputeAmount        *money `json:"dispute_amount"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
	} `json:"disputed_transactions"`
}

func extractPaymentDisputed(env *Envelope) (*PaymentDisputed, error) {
	r, err := decodeResource[disputeResource](env)
	if err != nil {
		return nil, err
	}
	out := &PaymentDisputed{DisputeID: r.DisputeID, Reason: r.Reason}
	if r.DisputeAmount != nil {
		amount, currency, err := r.DisputeAmount.decimal()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Amount, out.Currency = amount.Abs(), currency
	}
	if len(r.DisputedTransactions) > 0 {
		out.OriginalTransactionID = r.DisputedTransactions[0].SellerTransactionID
	}
	return validated(out)
}
