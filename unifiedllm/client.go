package unifiedllm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler completes a request. Adapters and middleware chains both have
// this shape.
type Handler = func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps the downstream handler. Middleware registered first runs
// outermost.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to a provider adapter through the middleware chain.
// The host builds one and shares it across sessions; it is safe for
// concurrent use.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the adapter used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient builds a client. With a single registered provider and no
// explicit default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds an adapter after construction. The first provider
// registered on an empty client becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers returns the registered provider names in sorted order.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveProvider picks the adapter named by the request, then the default,
// then the catalog's provider for the model.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// checkRequest rejects requests no provider could answer before any
// middleware runs, so retries never see them.
func checkRequest(adapter ProviderAdapter, req Request) error {
	if len(req.Messages) == 0 {
		return &InvalidRequestError{ProviderError{
			SDKError: SDKError{Message: "request has no messages"},
			Provider: adapter.Name(),
		}}
	}
	if req.ToolChoice == nil {
		return nil
	}
	if req.ToolChoice.Mode == "named" && req.ToolChoice.ToolName == "" {
		return &ConfigurationError{SDKError: SDKError{Message: "named tool choice without a tool name"}}
	}
	if s, ok := adapter.(ToolChoiceSupporter); ok && !s.SupportsToolChoice(req.ToolChoice.Mode) {
		return &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q does not support tool choice %q", adapter.Name(), req.ToolChoice.Mode),
		}}
	}
	return nil
}

// Complete sends req through the middleware chain to the resolved adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if err := checkRequest(adapter, req); err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return c.chain(adapter.Complete)(ctx, req)
}

func (c *Client) chain(h Handler) Handler {
	c.mu.RLock()
	mws := c.middleware
	c.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	return h
}

// Close closes every adapter that holds resources and returns the first
// error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		closer, ok := adapter.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
