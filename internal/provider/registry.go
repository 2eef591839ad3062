package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProvider is returned by Open for a scheme nobody registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Settings is the configuration bag handed to a Factory.
type Settings map[string]string

// Get returns the trimmed value for key.
func (s Settings) Get(key string) string {
	return strings.TrimSpace(s[key])
}

// Duration parses key as a time.Duration. Empty values yield def.
func (s Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	v := s.Get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// Factory builds a Provider from settings.
type Factory func(ctx context.Context, settings Settings) (Provider, error)

// Registry maps scheme names to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Names are case-insensitive and may
// only be registered once.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return errors.New("provider name is required")
	}
	if f == nil {
		return fmt.Errorf("provider %q: nil factory", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("provider %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Open builds the provider registered under name.
func (r *Registry) Open(ctx context.Context, name string, settings Settings) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	p, err := f(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", key, err)
	}
	return p, nil
}

// Names returns the registered scheme names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
