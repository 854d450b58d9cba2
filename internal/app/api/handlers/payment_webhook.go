package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/billingsync/internal/app/service/webhook"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/response"
)

// WebhookProcessor runs one provider delivery through the ingestion pipeline.
type WebhookProcessor interface {
	Process(ctx context.Context, d webhook.Delivery) *webhook.Result
}

func writeCORS(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Paypal-Transmission-Id, Paypal-Transmission-Time, Paypal-Transmission-Sig, Paypal-Cert-Url, Paypal-Auth-Algo, X-Paypal-Transmission-Id, X-Paypal-Transmission-Time, X-Paypal-Transmission-Sig, X-Paypal-Cert-Id, X-Paypal-Auth-Algo")
}

// @Summary      PayPal Webhook
// @Description  Receives PayPal billing notifications. Every delivery is recorded, verified and applied at most once.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body object true "PayPal webhook event"
// @Success      200  {object}  response.WebhookAck
// @Failure      400  {object}  response.WebhookAck
// @Failure      401  {object}  response.WebhookAck
// @Failure      409  {object}  response.WebhookAck
// @Failure      500  {object}  response.WebhookAck
// @Router       /webhook [post]
// ApiPayPalWebhook handles PayPal webhook deliveries
func ApiPayPalWebhook(p WebhookProcessor, cfg *config.Config, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeCORS(c)
		switch c.Request.Method {
		case http.MethodOptions:
			c.Status(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			c.JSON(http.StatusMethodNotAllowed, response.WebhookAck{Status: "method_not_allowed", Error: "method not allowed"})
			return
		}

		l := logctx.FromGin(c, log)
		limit := cfg.Webhook.MaxBodyBytes
		if limit <= 0 {
			limit = config.Default().Webhook.MaxBodyBytes
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				l.Warnw("webhook_body_too_large", "limit", limit)
				c.JSON(http.StatusRequestEntityTooLarge, response.WebhookAck{Status: "payload_too_large", Error: err.Error()})
				return
			}
			l.Errorw("webhook_body_read_failed", "error", err)
			c.JSON(http.StatusBadRequest, response.WebhookAck{Status: "unreadable_body", Error: err.Error()})
			return
		}

		l.Infow("webhook_received", "bytes", len(body))
		res := p.Process(c.Request.Context(), webhook.Delivery{
			Body:    body,
			Headers: c.Request.Header,
			TraceID: logctx.TraceID(c.Request.Context()),
		})
		c.JSON(res.HTTPStatus, res.Ack)
	}
}

func RegisterWebhookRoutes(r gin.IRouter, p WebhookProcessor, cfg *config.Config, log *zap.SugaredLogger) {
	r.Any("/webhook", ApiPayPalWebhook(p, cfg, log))
}
