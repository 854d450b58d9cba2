// Package paypal adapts the PayPal REST SDK to what the webhook pipeline needs: webhook
// signature verification and subscription control, with access tokens shared through Redis.
package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/plutov/paypal/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billingsync/internal/platform/cache"
	cfgpkg "github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
)

// ErrDownstreamUnavailable wraps every failure to reach PayPal or to get a usable answer.
var ErrDownstreamUnavailable = errors.New("paypal unavailable")

// tokens are refreshed this long before PayPal expires them
const tokenExpiryMargin = 60 * time.Second

// TokenCache stores access tokens across requests and processes.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	tokens TokenCache
	log    *zap.SugaredLogger
}

// New builds a client from config. A nil cache disables token caching.
func New(cfg *cfgpkg.Config, log *zap.SugaredLogger, c *cache.Client) *Client {
	client := &Client{
		BaseURL:      strings.TrimRight(cfg.PayPal.BaseURL, "/"),
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.PayPal.Timeout()},
		log:          log,
	}
	if c != nil {
		client.tokens = c
	}
	return client
}

// WithTokenCache replaces the token cache.
func (c *Client) WithTokenCache(tc TokenCache) *Client {
	c.tokens = tc
	return c
}

func (c *Client) tokenCacheKey() string {
	return "paypal:access_token:" + c.ClientID
}

// api returns an SDK client holding a usable access token. SDK clients keep the token
// as unguarded mutable state, so every call gets its own and the token is shared
// through the cache instead.
func (c *Client) api(ctx context.Context) (*sdk.Client, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, cfgpkg.ErrMissingCredentials
	}
	api, err := sdk.NewClient(c.ClientID, c.ClientSecret, c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cfgpkg.ErrMissingCredentials, err)
	}
	api.SetHTTPClient(c.HTTPClient)

	log := logctx.FromCtx(ctx, c.log)
	if c.tokens != nil {
		tok, ok, err := c.tokens.Get(ctx, c.tokenCacheKey())
		if err != nil {
			log.Warnw("paypal token cache read failed", "err", err)
		} else if ok {
			api.SetAccessToken(tok)
			return api, nil
		}
	}

	tr, err := api.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange failed: %v", ErrDownstreamUnavailable, err)
	}
	if tr == nil || tr.Token == "" {
		return nil, fmt.Errorf("%w: token exchange returned empty access_token", ErrDownstreamUnavailable)
	}
	if c.tokens != nil {
		ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryMargin
		if err := c.tokens.Set(ctx, c.tokenCacheKey(), tr.Token, ttl); err != nil {
			log.Warnw("paypal token cache write failed", "err", err)
		}
	}
	return api, nil
}

// AccessToken returns a bearer token via the client-credentials grant, using the cache when possible.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	return api.Token.Token, nil
}

// statusOf returns the HTTP status PayPal answered with, or 0 when no answer arrived.
func statusOf(err error) int {
	var apiErr *sdk.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return apiErr.Response.StatusCode
	}
	return 0
}

var Module = fx.Options(
	fx.Provide(New),
)
