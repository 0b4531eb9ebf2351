package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: signaling backend not registered")

// StoreFactory opens a signaling store from its configuration.
type StoreFactory func(ctx context.Context, cfg SignalingConfig) (signaling.Store, error)

// Registry maps signaling backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[Backend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[Backend]StoreFactory)}
}

// RegisterStore registers a store factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStore(name Backend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// CreateStore opens the store selected by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory is registered for it.
func (r *Registry) CreateStore(ctx context.Context, cfg SignalingConfig) (signaling.Store, error) {
	r.mu.RLock()
	f, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return f(ctx, cfg)
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
