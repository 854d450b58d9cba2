package webhook

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Invocation runs one extracted event against a machine bound to the caller's transaction.
type Invocation func(ctx context.Context, m *Machine) error

type route struct {
	prepare func(env *Envelope) (Invocation, error)
}

// Dispatcher routes an event type to its variant extractor and transition.
type Dispatcher struct {
	routes map[string]route
	known  mapset.Set[string]
}

func register[T any](d *Dispatcher, extract func(*Envelope) (*T, error), handle func(*Machine, context.Context, *Envelope, *T) error, eventTypes ...string) {
	r := route{prepare: func(env *Envelope) (Invocation, error) {
		v, err := extract(env)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, m *Machine) error {
			return handle(m, ctx, env, v)
		}, nil
	}}
	for _, t := range eventTypes {
		if d.known.Contains(t) {
			panic(fmt.Sprintf("webhook: event type %s registered twice", t))
		}
		d.routes[t] = r
		d.known.Add(t)
	}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{routes: map[string]route{}, known: mapset.NewThreadUnsafeSet[string]()}

	register(d, extractSubscriptionCreated, (*Machine).subscriptionCreated, EventSubscriptionCreated)
	register(d, extractSubscriptionActivated, (*Machine).subscriptionActivated, EventSubscriptionActivated)
	register(d, extractSubscriptionCancelled, (*Machine).subscriptionCancelled, EventSubscriptionCancelled, EventSubscriptionSuspended)
	register(d, extractSubscriptionExpired, (*Machine).subscriptionExpired, EventSubscriptionExpired)
	register(d, extractSubscriptionPaymentCompleted, (*Machine).subscriptionPaymentCompleted, EventSubscriptionPaymentCompleted)
	register(d, extractSubscriptionPaymentFailed, (*Machine).subscriptionPaymentFailed, EventSubscriptionPaymentFailed)
	register(d, extractSubscriptionReactivated, (*Machine).subscriptionReactivated, EventSubscriptionReactivated)
	register(d, extractSubscriptionUpdated, (*Machine).subscriptionUpdated, EventSubscriptionUpdated)
	register(d, extractSubscriptionCycleCompleted, (*Machine).subscriptionCycleCompleted, EventSubscriptionCycleCompleted)
	register(d, extractOneOffPayment, (*Machine).oneOffPayment, EventPaymentCaptureCompleted, EventPaymentCaptureDenied, EventCheckoutOrderCompleted)
	register(d, extractPaymentRefunded, (*Machine).paymentRefunded, EventPaymentCaptureRefunded, EventPaymentSaleRefunded)
	register(d, extractPaymentDisputed, (*Machine).paymentDisputed, EventCustomerDisputeCreated)
	return d
}

// Handles reports whether eventType has a transition.
func (d *Dispatcher) Handles(eventType string) bool {
	return d.known.Contains(eventType)
}

// EventTypes lists every handled event type.
func (d *Dispatcher) EventTypes() []string {
	return d.known.ToSlice()
}

// Prepare extracts the typed variant for env. It returns errUnknownEventType for types
// without a transition and ErrInvalidPayload when required fields are missing.
func (d *Dispatcher) Prepare(env *Envelope) (Invocation, error) {
	r, ok := d.routes[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownEventType, env.EventType)
	}
	return r.prepare(env)
}
