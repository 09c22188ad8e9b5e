package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Deny reasons the external gate may return. Anything else is treated as
// unauthorized.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonRateLimited  = "rate_limited"
)

// Decision is the gate's answer for one request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate is the external subscription/quota check consulted before verify and
// settle. Quota accounting itself lives in the external service.
type Gate interface {
	IsAllowed(ctx context.Context, payer, route, network string) (Decision, error)
}

// AllowAll is the gate used when no gate service is configured.
type AllowAll struct{}

func (AllowAll) IsAllowed(context.Context, string, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// HTTPGate asks a remote gate service over HTTP.
type HTTPGate struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGate(baseURL, apiKey string, timeout time.Duration) *HTTPGate {
	return &HTTPGate{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGate) IsAllowed(ctx context.Context, payer, route, network string) (Decision, error) {
	q := url.Values{}
	q.Set("payer", payer)
	q.Set("route", route)
	q.Set("network", network)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/allowed?"+q.Encode(), nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build gate request: %w", err)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("gate request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("gate returned status %d", resp.StatusCode)
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("decode gate response: %w", err)
	}
	return d, nil
}
