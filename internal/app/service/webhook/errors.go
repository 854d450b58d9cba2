package webhook

import (
	"errors"

	"github.com/fatflowers/billingsync/internal/app/service/signature"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	"github.com/fatflowers/billingsync/internal/platform/paypal"
	"github.com/fatflowers/billingsync/pkg/config"
)

var (
	// ErrConfiguration means credentials or settings are missing; nothing is recorded.
	ErrConfiguration = errors.New("webhook configuration error")
	// ErrMalformedPayload means the body is not JSON. The provider will redeliver.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrInvalidPayload means the JSON lacks fields its event type requires.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrSignatureInvalid means the provider did not vouch for the delivery.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrResourceNotFound aborts one event whose subscription or transaction is unknown.
	ErrResourceNotFound = errors.New("referenced resource not found")
	// ErrDownstreamUnavailable means a provider call failed; the provider retries.
	ErrDownstreamUnavailable = errors.New("billing provider unavailable")

	errUnknownEventType = errors.New("unhandled event type")
)

// classify maps collaborator errors onto the webhook taxonomy, keeping the original chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrResourceNotFound), errors.Is(err, ErrDownstreamUnavailable):
		return err
	case errors.Is(err, subscription.ErrSubscriptionNotFound), errors.Is(err, transaction.ErrTransactionNotFound):
		return errors.Join(ErrResourceNotFound, err)
	case errors.Is(err, paypal.ErrDownstreamUnavailable):
		return errors.Join(ErrDownstreamUnavailable, err)
	case errors.Is(err, config.ErrMissingCredentials):
		return errors.Join(ErrConfiguration, err)
	case errors.Is(err, signature.ErrMissingHeaders), errors.Is(err, signature.ErrVerificationFailed):
		return errors.Join(ErrSignatureInvalid, err)
	default:
		return err
	}
}
