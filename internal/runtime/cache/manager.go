package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager lazily materializes named caches. The same full name always yields
// the same instance; names differing only in their TTL suffix yield distinct
// instances.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	caches map[string]ValueCache
}

// NewManager wires a Manager around a builder factory. The factory must
// return a fresh builder on every call.
func NewManager(factory Factory, logger *slog.Logger) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("cache: builder factory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		logger:  logger.With(slog.String("component", "cache-manager")),
		caches:  make(map[string]ValueCache),
	}, nil
}

// GetCache returns the cache registered under name, materializing it on
// first use. A ":ttl=<seconds>" suffix overrides the base expiry, clamped to
// [MinTTL, MaxTTL].
func (m *Manager) GetCache(name string) (ValueCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[name]; ok {
		return c, nil
	}

	builder := m.factory()
	if builder == nil {
		return nil, errors.New("cache: builder factory returned nil")
	}
	if _, ttl, ok := ParseName(name); ok {
		builder.ExpireAfterWrite(ttl)
	}
	c, err := builder.Build(name)
	if err != nil {
		return nil, fmt.Errorf("cache: build %q: %w", name, err)
	}
	m.caches[name] = c
	m.logger.Debug("cache materialized",
		slog.String("cache", name),
		slog.Duration("ttl", builder.TTL()))
	return c, nil
}

// Close shuts down every materialized cache. Every close error is joined
// into the returned error after all caches have been asked to close.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, c := range m.caches {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cache: close %q: %w", name, err))
		}
		delete(m.caches, name)
	}
	return errors.Join(errs...)
}
