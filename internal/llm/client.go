package llm

import (
	"context"
	"fmt"
	"strings"
)

// ProviderAdapter wraps one provider SDK and normalizes its tool-call format
// to the common block vocabulary.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// CompleteFunc is the shape middleware wraps.
type CompleteFunc func(ctx context.Context, req Request) (Completion, error)

// Middleware wraps completion calls (telemetry, replay cache). Applied in
// registration order for the request phase.
type Middleware func(next CompleteFunc) CompleteFunc

// Client routes completion requests to registered provider adapters. It is
// stateless per call and safe to share across sub-agents.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	retry           RetryPolicy
	sleep           SleepFunc
}

func NewClient() *Client {
	return &Client{
		providers: map[string]ProviderAdapter{},
		retry:     DefaultRetryPolicy(),
	}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) SetRetryPolicy(p RetryPolicy) { c.retry = p }

func (c *Client) SetSleep(s SleepFunc) { c.sleep = s }

// Use appends middleware to the client.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

// Complete validates the request, resolves the provider, applies middleware
// and runs the adapter under the client's retry policy.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := req.Validate(); err != nil {
		return Completion{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Completion{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Completion{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	base := func(ctx context.Context, req Request) (Completion, error) {
		seed := fmt.Sprintf("%s:%s", req.Provider, req.Model)
		return Retry(ctx, c.retry, c.sleep, seed, func() (Completion, error) {
			return adapter.Complete(ctx, req)
		})
	}
	handler := base
	for i := len(c.middleware) - 1; i >= 0; i-- {
		handler = c.middleware[i](handler)
	}
	return handler(ctx, req)
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
