package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProviderFactory builds a Provider for a given model name; an empty
// model means the deployment default.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps provider names to factories so deployments pick a
// backend by configuration rather than at compile time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]ProviderFactory{}}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[canonical(name)] = f
}

func (r *Registry) Get(ctx context.Context, name, model string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[canonical(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider %q", name)
	}
	return f(ctx, model)
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
