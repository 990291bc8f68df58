/*
gateway.go - Payment gateway client

PURPOSE:
  The gateway is an opaque external verifier: it issues access tokens,
  answers status queries for a charge id, and cancels payments. Its
  HTTP contract is intentionally thin here; everything downstream works
  from PollResult.

RETRY:
  All upstream calls go through one RetryPolicy (bounded attempts,
  exponential backoff, context-aware) instead of bespoke sleep loops
  per call site. Exhausted retries surface as UpstreamUnavailable; the
  purchase stays pending for the webhook to complete later.
*/
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/niceverygood/heart-engine/ledger"
)

// Gateway is the outbound contract the reconciliation engine consumes.
type Gateway interface {
	// GetPayment returns the gateway's view of a charge.
	GetPayment(ctx context.Context, externalRef string) (*PollResult, error)

	// CancelPayment voids a charge at the gateway.
	CancelPayment(ctx context.Context, externalRef, reason string) error
}

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy is the uniform retry configuration for upstream calls.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy bounds the synchronous poll path to a few seconds
// total, per the poll path's bounded-wait requirement.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

// Do runs op under the policy. Permanent errors (wrapped with
// backoff.Permanent) stop immediately.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) { return struct{}{}, op() },
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	return err
}

// =============================================================================
// HTTP GATEWAY
// =============================================================================

// HTTPGateway talks to the real gateway. Access tokens are cached
// until shortly before expiry.
type HTTPGateway struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Retry     RetryPolicy

	Client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(baseURL, apiKey, apiSecret string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Retry:     DefaultRetryPolicy(),
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
}

type paymentResponse struct {
	ExternalRef string          `json:"external_ref"`
	MerchantRef string          `json:"merchant_ref"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	PayMethod   string          `json:"pay_method"`
	PaidAt      int64           `json:"paid_at"`
}

// accessToken returns a valid bearer token, refreshing if needed.
func (g *HTTPGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Until(g.tokenExpiry) > 30*time.Second {
		return g.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"api_key":    g.APIKey,
		"api_secret": g.APISecret,
	})

	var tok tokenResponse
	err := g.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			g.BaseURL+"/token", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(fmt.Errorf("gateway rejected credentials"))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway token request returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&tok)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUpstreamUnavailable, err)
	}

	g.token = tok.AccessToken
	g.tokenExpiry = time.Unix(tok.ExpiresAt, 0)
	return g.token, nil
}

// GetPayment queries the gateway for a charge's status.
func (g *HTTPGateway) GetPayment(ctx context.Context, externalRef string) (*PollResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var pr paymentResponse
	err = g.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			g.BaseURL+"/payments/"+externalRef, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := g.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("payment %s not found at gateway", externalRef))
		case resp.StatusCode >= 500:
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("gateway returned %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&pr)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUpstreamUnavailable, err)
	}

	result := &PollResult{
		ExternalRef: pr.ExternalRef,
		MerchantRef: pr.MerchantRef,
		Status:      pr.Status,
		Amount:      pr.Amount,
		PayMethod:   pr.PayMethod,
	}
	if result.ExternalRef == "" {
		result.ExternalRef = externalRef
	}
	if pr.PaidAt > 0 {
		t := time.Unix(pr.PaidAt, 0).UTC()
		result.PaidAt = &t
	}
	return result, nil
}

// CancelPayment voids a charge at the gateway.
func (g *HTTPGateway) CancelPayment(ctx context.Context, externalRef, reason string) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"reason": reason})

	err = g.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			g.BaseURL+"/payments/"+externalRef+"/cancel", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := g.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("gateway refused cancel: %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUpstreamUnavailable, err)
	}
	return nil
}
