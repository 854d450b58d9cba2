package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var HistogramBuckets = []float64{
	// fast responses
	5, 10, 25, 50, 75, 100, 150, 200, 300, 400, 500,

	// provider round trips
	750, 1000, 1500, 2000, 3000, 5000,

	// timeouts
	10000, 15000, 30000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
				Buckets:   HistogramBuckets,
			},
			m.Args,
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	}
	return metric
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

var MetricsWebhookEvents = &Metric{
	ID:          "webhookEvents",
	Name:        "webhook_events_total",
	Description: "Webhook deliveries partitioned by event type and outcome.",
	Type:        "counter_vec",
	Args:        []string{"event_type", "outcome"},
}

const (
	RefererKey = "X-Referer"
)

// WebhookMetrics records per-delivery outcomes and handler latency.
type WebhookMetrics struct {
	events *prometheus.CounterVec
	bpDur  *prometheus.HistogramVec
}

// NewWebhookMetrics registers the webhook collectors on reg. A nil reg uses the default registerer.
func NewWebhookMetrics(reg prometheus.Registerer) (*WebhookMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := NewMetric(MetricsWebhookEvents, "").(*prometheus.CounterVec)
	bpDur := NewMetric(MetricsBusinessProcess, "").(*prometheus.HistogramVec)
	for _, c := range []prometheus.Collector{events, bpDur} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &WebhookMetrics{events: events, bpDur: bpDur}, nil
}

// Observe counts one delivery. A nil receiver is a no-op so callers need not guard.
func (m *WebhookMetrics) Observe(eventType, outcome string, start time.Time) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
	m.bpDur.WithLabelValues("webhook", eventType).Observe(MillisecondsSince(start))
}

// MillisecondsSince returns elapsed time in fractional milliseconds.
func MillisecondsSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
