// internal/provider/registry.go
package provider

import (
	"context"
	"crypto/md5" //nolint:gosec // cache key derivation, not security
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupported marks a capability the provider does not implement.
var ErrUnsupported = errors.New("capability not supported")

// ErrNotRegistered marks a lookup for an unknown provider name.
var ErrNotRegistered = errors.New("provider not registered")

// Registration binds a provider implementation to its advertised models.
type Registration struct {
	Name   string
	Impl   any
	Models []string
}

// Registry maps provider names to capability implementations. It is the
// single source of which provider serves which model.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Registration
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Registration)}
}

// Register adds or replaces a provider. Impl should implement one or more of
// Chat, Text, Embeddings, and optionally Pinger.
func (r *Registry) Register(name string, impl any, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &Registration{Name: name, Impl: impl, Models: models}
}

// Deregister removes a provider.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// Get returns the registration for a provider name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	return reg, ok
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProvidersForModel returns the names of providers advertising the model.
func (r *Registry) ProvidersForModel(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, reg := range r.providers {
		for _, m := range reg.Models {
			if m == model {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Models returns the union of advertised models, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.providers {
		for _, m := range reg.Models {
			seen[m] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Call dispatches req to the named provider, wrapping failures in *Error.
func (r *Registry) Call(ctx context.Context, name string, req Request) (*Response, error) {
	reg, ok := r.Get(name)
	if !ok {
		return nil, &Error{Provider: name, Op: string(req.Kind()), Err: ErrNotRegistered}
	}

	resp, err := Dispatch(ctx, name, reg.Impl, req)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &Error{Provider: name, Op: string(req.Kind()), Err: err}
	}
	return resp, nil
}

// Ping probes a provider if it exposes the Pinger capability.
func (r *Registry) Ping(ctx context.Context, name string) error {
	reg, ok := r.Get(name)
	if !ok {
		return ErrNotRegistered
	}
	if p, ok := reg.Impl.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// hashKey derives a stable md5 key from request components.
func hashKey(parts ...any) string {
	h := md5.New() //nolint:gosec
	for _, p := range parts {
		b, _ := json.Marshal(p)
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
