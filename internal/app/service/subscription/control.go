package subscription

import (
	"context"
	"fmt"

	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/types"
)

// ProviderControl issues subscription commands to the billing provider.
type ProviderControl interface {
	CancelSubscription(ctx context.Context, providerSubscriptionID, reason string) error
	ActivateSubscription(ctx context.Context, providerSubscriptionID, reason string) error
}

// Controller forwards admin requests to the provider. Local state only changes when
// the provider's webhook for the command arrives; failures are returned, not retried.
type Controller struct {
	subs     *Service
	provider ProviderControl
}

func NewController(subs *Service, provider ProviderControl) *Controller {
	return &Controller{subs: subs, provider: provider}
}

func (c *Controller) RequestCancel(ctx context.Context, providerSubscriptionID, reason string) error {
	sub, err := c.subs.GetByProviderSubscriptionID(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return fmt.Errorf("subscription %s is already %s", providerSubscriptionID, sub.Status)
	}
	if err := c.provider.CancelSubscription(ctx, providerSubscriptionID, reason); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	logctx.FromCtx(ctx, c.subs.log).Infow("subscription_cancel_requested", "provider_subscription_id", providerSubscriptionID, "user_id", sub.UserID)
	return nil
}

func (c *Controller) RequestReactivate(ctx context.Context, providerSubscriptionID, reason string) error {
	sub, err := c.subs.GetByProviderSubscriptionID(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == types.SubscriptionStatusActive {
		return fmt.Errorf("subscription %s is already active", providerSubscriptionID)
	}
	if err := c.provider.ActivateSubscription(ctx, providerSubscriptionID, reason); err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	logctx.FromCtx(ctx, c.subs.log).Infow("subscription_reactivate_requested", "provider_subscription_id", providerSubscriptionID, "user_id", sub.UserID)
	return nil
}
