// Package gateway is the thread-safe front door external callers address:
// it bounds how much blocking plugin work (WASM instantiation, outbound
// HTTP) runs concurrently and passes registry/engine errors through to
// callers.
package gateway

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// defaultMaxConcurrency bounds how many invocations may be inside the
// blocking section (WASM instantiation plus any host ABI I/O) at once.
// Chosen generously since the scarce resource is outbound connections and
// CPU for WASM execution, not goroutines; callers needing a tighter bound
// should use WithMaxConcurrency.
const defaultMaxConcurrency = 64

// invoker is the narrow surface the gateway depends on, satisfied by
// *registry.Registry. Kept as an interface so gateway tests don't need a
// real engine or compiled WASM module.
type invoker interface {
	Invoke(ctx context.Context, name string, input map[string]string) (string, error)
}

// Gateway is the concurrency-bounding entry point in front of a registry.
// Multiple concurrent Invoke calls are supported; the embedded semaphore
// caps how many are doing blocking work simultaneously.
type Gateway struct {
	registry invoker
	sem      *semaphore.Weighted
}

// Option configures a Gateway at construction.
type Option func(*gatewayConfig)

type gatewayConfig struct {
	maxConcurrency int64
}

// WithMaxConcurrency overrides how many invocations may run concurrently
// (default 64).
func WithMaxConcurrency(n int64) Option {
	return func(c *gatewayConfig) {
		c.maxConcurrency = n
	}
}

// New builds a Gateway in front of registry.
func New(registry invoker, opts ...Option) *Gateway {
	cfg := gatewayConfig{maxConcurrency: defaultMaxConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gateway{
		registry: registry,
		sem:      semaphore.NewWeighted(cfg.maxConcurrency),
	}
}

// Invoke routes to the registry after acquiring a concurrency slot.
// Acquisition honors ctx cancellation: a caller whose context is done
// while queued returns ctx.Err() rather than blocking indefinitely behind
// a full pool. Errors from the registry (PluginDoesNotExistError,
// GenericError) are returned unwrapped.
func (g *Gateway) Invoke(ctx context.Context, name string, input map[string]string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	return g.registry.Invoke(ctx, name, input)
}
