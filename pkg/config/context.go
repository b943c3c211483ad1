package config

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

var managerCtxKey = ctxKey{}

// Manager holds the effective configuration for a process. Reads are
// lock-free so hot paths can consult config per call.
type Manager struct {
	current atomic.Pointer[Config]
}

func NewManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = Default()
	}
	m.current.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

func (m *Manager) Set(cfg *Config) {
	if cfg != nil {
		m.current.Store(cfg)
	}
}

// ContextWithManager attaches the manager to the context.
func ContextWithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerCtxKey, m)
}

// ManagerFromContext returns the manager stored in the context, or nil.
func ManagerFromContext(ctx context.Context) *Manager {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(managerCtxKey).(*Manager)
	return m
}

// FromContext returns the effective configuration. Falls back to the
// built-in defaults when no manager is attached, so library code can
// always rely on a non-nil config.
func FromContext(ctx context.Context) *Config {
	if m := ManagerFromContext(ctx); m != nil {
		if cfg := m.Get(); cfg != nil {
			return cfg
		}
	}
	return Default()
}
