package paypal

import (
	"context"
	"fmt"
	"net/http"
)

// CancelSubscription asks PayPal to cancel a subscription. Local state changes when the
// resulting BILLING.SUBSCRIPTION.CANCELLED webhook arrives.
func (c *Client) CancelSubscription(ctx context.Context, providerSubscriptionID, reason string) error {
	if providerSubscriptionID == "" {
		return fmt.Errorf("subscription id is required")
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	return actionError("cancel", providerSubscriptionID, api.CancelSubscription(ctx, providerSubscriptionID, reason))
}

// ActivateSubscription reactivates a suspended subscription.
func (c *Client) ActivateSubscription(ctx context.Context, providerSubscriptionID, reason string) error {
	if providerSubscriptionID == "" {
		return fmt.Errorf("subscription id is required")
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	return actionError("activate", providerSubscriptionID, api.ActivateSubscription(ctx, providerSubscriptionID, reason))
}

// actionError keeps PayPal's refusals (4xx) apart from outages, which callers may retry.
func actionError(action, id string, err error) error {
	if err == nil {
		return nil
	}
	status := statusOf(err)
	if status == 0 || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s subscription %s: %v", ErrDownstreamUnavailable, action, id, err)
	}
	return fmt.Errorf("%s subscription %s rejected: status=%d: %w", action, id, status, err)
}
