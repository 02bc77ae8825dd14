package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Router resolves "provider:model" routes to registered backends. A route
// without a provider prefix uses the default provider.
type Router struct {
	mu              sync.RWMutex
	backends        map[string]Backend
	defaultProvider string
}

func NewRouter(defaultProvider string) *Router {
	return &Router{
		backends:        make(map[string]Backend),
		defaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
	}
}

func (r *Router) Register(provider string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.ToLower(strings.TrimSpace(provider))] = b
}

// Resolve returns the backend and model named by route.
func (r *Router) Resolve(route string) (Backend, string, error) {
	route = strings.TrimSpace(route)
	provider, model, ok := strings.Cut(route, ":")
	if !ok {
		provider, model = r.defaultProvider, route
	}
	provider = strings.ToLower(strings.TrimSpace(provider))

	r.mu.RLock()
	b, found := r.backends[provider]
	r.mu.RUnlock()
	if !found {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return b, strings.TrimSpace(model), nil
}

// Backend returns a Backend pinned to route's model.
func (r *Router) Backend(route string) (Backend, error) {
	b, model, err := r.Resolve(route)
	if err != nil {
		return nil, err
	}
	return &routed{inner: b, model: model}, nil
}

type routed struct {
	inner Backend
	model string
}

func (r *routed) Name() string { return r.inner.Name() }

func (r *routed) Stream(ctx context.Context, req Request) (*Stream, error) {
	return r.inner.Stream(ctx, r.pin(req))
}

func (r *routed) Complete(ctx context.Context, req Request) (string, error) {
	return r.inner.Complete(ctx, r.pin(req))
}

func (r *routed) pin(req Request) Request {
	if req.Model == "" {
		req.Model = r.model
	}
	return req
}
