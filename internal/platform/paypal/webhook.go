package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	sdk "github.com/plutov/paypal/v4"
)

const VerificationStatusSuccess = "SUCCESS"

// VerifyWebhookSignatureRequest is the body of /v1/notifications/verify-webhook-signature.
// WebhookEvent must be the delivered body as-is; re-encoding it breaks the signature.
type VerifyWebhookSignatureRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertID           string          `json:"cert_id"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks PayPal whether the delivery was signed by it and returns
// the reported verification status. The request is sent through the SDK's authorized
// transport; its VerifyWebhookSignature helper only forwards cert_url, not cert_id.
func (c *Client) VerifyWebhookSignature(ctx context.Context, in *VerifyWebhookSignatureRequest) (string, error) {
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	req, err := api.NewRequest(ctx, http.MethodPost, api.APIBase+"/v1/notifications/verify-webhook-signature", in)
	if err != nil {
		return "", fmt.Errorf("build verification request: %w", err)
	}
	var out sdk.VerifyWebhookResponse
	if err := api.SendWithAuth(req, &out); err != nil {
		return "", fmt.Errorf("%w: verify-webhook-signature status=%d: %v", ErrDownstreamUnavailable, statusOf(err), err)
	}
	return out.VerificationStatus, nil
}
