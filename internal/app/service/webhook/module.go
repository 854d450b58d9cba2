package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/fatflowers/billingsync/internal/app/service/signature"
	"github.com/fatflowers/billingsync/pkg/metrics"
)

func newWebhookMetrics() (*metrics.WebhookMetrics, error) {
	return metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)
}

var Module = fx.Options(
	fx.Provide(
		NewDispatcher,
		NewMachine,
		NewProcessor,
		newWebhookMetrics,
		func(v *signature.Verifier) SignatureVerifier { return v },
	),
)
