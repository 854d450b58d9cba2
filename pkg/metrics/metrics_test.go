package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewWebhookMetrics(reg)
	require.NoError(t, err)

	m.Observe("BILLING.SUBSCRIPTION.ACTIVATED", "processed", time.Now())
	m.Observe("BILLING.SUBSCRIPTION.ACTIVATED", "processed", time.Now())
	m.Observe("", "malformed", time.Now())

	assert.Equal(t, 2.0, counterValue(t, m.events.WithLabelValues("BILLING.SUBSCRIPTION.ACTIVATED", "processed")))
	assert.Equal(t, 1.0, counterValue(t, m.events.WithLabelValues("unknown", "malformed")))

	_, err = NewWebhookMetrics(reg)
	assert.Error(t, err, "second registration on the same registry must fail")
}

func TestWebhookMetrics_NilReceiver(t *testing.T) {
	var m *WebhookMetrics
	assert.NotPanics(t, func() { m.Observe("x", "y", time.Now()) })
}

func TestPrometheus_HandlerFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(NewPrometheusOptions{Registry: reg})

	r := gin.New()
	r.Use(p.HandlerFunc())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, counterValue(t, p.reqCnt.WithLabelValues("200", http.MethodGet, "/healthz", "")))

	mw := httptest.NewRecorder()
	p.Handler().ServeHTTP(mw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, mw.Body.String(), "req_total")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
