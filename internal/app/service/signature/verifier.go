// Package signature checks that a webhook delivery was produced by PayPal.
package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billingsync/internal/platform/paypal"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
)

var (
	ErrMissingHeaders     = errors.New("missing transmission headers")
	ErrVerificationFailed = errors.New("signature verification failed")
)

// Transmission header suffixes. Deliveries carry them as X-Paypal-* (or Paypal-* when
// received straight from PayPal without a proxy rewriting them).
const (
	HeaderAuthAlgo         = "Auth-Algo"
	HeaderCertID           = "Cert-Id"
	HeaderCertURL          = "Cert-Url"
	HeaderTransmissionID   = "Transmission-Id"
	HeaderTransmissionSig  = "Transmission-Sig"
	HeaderTransmissionTime = "Transmission-Time"
)

// header reads a transmission header under either prefix.
func header(h http.Header, suffix string) string {
	if v := h.Get("X-Paypal-" + suffix); v != "" {
		return v
	}
	return h.Get("Paypal-" + suffix)
}

type verifierClient interface {
	VerifyWebhookSignature(ctx context.Context, in *paypal.VerifyWebhookSignatureRequest) (string, error)
}

type Verifier struct {
	client    verifierClient
	webhookID string
	log       *zap.SugaredLogger
}

func New(client *paypal.Client, cfg *config.Config, log *zap.SugaredLogger) *Verifier {
	return NewWithClient(client, cfg.PayPal.WebhookID, log)
}

func NewWithClient(client verifierClient, webhookID string, log *zap.SugaredLogger) *Verifier {
	return &Verifier{client: client, webhookID: webhookID, log: log}
}

// Verify reports whether rawBody was signed by PayPal. It never reports true on error;
// the error says why: ErrMissingHeaders, ErrVerificationFailed, or
// paypal.ErrDownstreamUnavailable when PayPal could not be asked.
func (v *Verifier) Verify(ctx context.Context, rawBody []byte, headers http.Header) (bool, error) {
	req, err := v.buildRequest(rawBody, headers)
	if err != nil {
		return false, err
	}
	status, err := v.client.VerifyWebhookSignature(ctx, req)
	if err != nil {
		return false, err
	}
	if status != paypal.VerificationStatusSuccess {
		logctx.FromCtx(ctx, v.log).Warnw("webhook_signature_rejected", "verification_status", status, "transmission_id", req.TransmissionID)
		return false, fmt.Errorf("%w: status %q", ErrVerificationFailed, status)
	}
	return true, nil
}

func (v *Verifier) buildRequest(rawBody []byte, headers http.Header) (*paypal.VerifyWebhookSignatureRequest, error) {
	req := &paypal.VerifyWebhookSignatureRequest{
		AuthAlgo:         header(headers, HeaderAuthAlgo),
		CertID:           certID(headers),
		TransmissionID:   header(headers, HeaderTransmissionID),
		TransmissionSig:  header(headers, HeaderTransmissionSig),
		TransmissionTime: header(headers, HeaderTransmissionTime),
		WebhookID:        v.webhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	var missing []string
	for name, val := range map[string]string{
		"auth_algo":         req.AuthAlgo,
		"cert_id":           req.CertID,
		"transmission_id":   req.TransmissionID,
		"transmission_sig":  req.TransmissionSig,
		"transmission_time": req.TransmissionTime,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ","))
	}
	if v.webhookID == "" {
		return nil, fmt.Errorf("%w: webhook id", config.ErrMissingCredentials)
	}
	if !json.Valid(rawBody) {
		return nil, fmt.Errorf("%w: body is not json", ErrVerificationFailed)
	}
	return req, nil
}

// certID prefers an explicit header and otherwise takes the last path segment of the cert URL.
func certID(h http.Header) string {
	if id := header(h, HeaderCertID); id != "" {
		return id
	}
	u := strings.TrimRight(header(h, HeaderCertURL), "/")
	if u == "" {
		return ""
	}
	return u[strings.LastIndex(u, "/")+1:]
}

var Module = fx.Options(
	fx.Provide(New),
)
