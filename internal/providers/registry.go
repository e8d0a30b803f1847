package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds configured provider instances keyed by name (e.g.
// "anthropic", "openai", "gemini") and resolves the fallback chain: when
// a named provider is unreachable or exhausts its own retry budget, the
// chain is walked in order with a fresh attempt counter per provider
// (each Provider.Chat/ChatStream already owns its own RetryConfig, so
// the chain itself never re-retries a provider that has already
// failed).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider, keyed by its own Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// List returns registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// winner pairs a Fallback attempt's result with the provider name that
// produced it, so ChatWithFallback can report who actually answered.
type winner struct {
	name string
	resp *ChatResponse
}

// chainConfig disables the outer Fallback retry loop (MaxRetries: 0):
// each candidate in the chain is tried exactly once here because it has
// already exhausted its own internal RetryConfig before returning an
// error, so retrying it again at this layer would just repeat the same
// failure.
var chainConfig = RetryConfig{MaxRetries: 0}

// ChatWithFallback resolves primary followed by chain (skipping any
// unregistered names) and tries Chat against them in order, returning
// the first success and the name of the provider that produced it.
func (r *Registry) ChatWithFallback(ctx context.Context, primary string, chain []string, req ChatRequest) (*ChatResponse, string, error) {
	names := append([]string{primary}, chain...)

	var attempts []func() (winner, error)
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			continue
		}
		attempts = append(attempts, func() (winner, error) {
			resp, err := p.Chat(ctx, req)
			if err != nil {
				return winner{}, err
			}
			return winner{name: p.Name(), resp: resp}, nil
		})
	}
	if len(attempts) == 0 {
		return nil, "", fmt.Errorf("no registered provider among %v", names)
	}

	w, err := Fallback(ctx, chainConfig, attempts...)
	if err != nil {
		return nil, "", err
	}
	return w.resp, w.name, nil
}
