package subscription

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billingsync/internal/platform/paypal"
)

// Module exposes the subscription service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Provide(func(c *paypal.Client) ProviderControl { return c }),
	fx.Provide(NewController),
)
