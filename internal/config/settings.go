// Package config holds the live process configuration. Readers take a
// lock-free snapshot; edits go through Update, which validates and persists
// before publishing the new document.
package config

import (
	"fmt"
	"sync/atomic"

	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

type Manager struct {
	storage *storage.Storage
	current atomic.Pointer[model.Config]
}

// NewManager loads config.json (defaults fill missing keys) and validates it.
func NewManager(s *storage.Storage) (*Manager, error) {
	cfg, err := s.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{storage: s}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticManager wraps a fixed config without persistence. Test wiring.
func NewStaticManager(cfg *model.Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// Get returns the current config snapshot. The document is immutable once
// published; callers must not mutate it.
func (m *Manager) Get() *model.Config {
	return m.current.Load()
}

// Update applies edit to a copy of the current config, validates, persists and
// publishes it. A failed validation or write leaves the old config active.
func (m *Manager) Update(edit func(*model.Config) error) error {
	next := *m.current.Load()
	if err := edit(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if m.storage != nil {
		if err := m.storage.SaveConfig(&next); err != nil {
			return fmt.Errorf("failed to persist config: %w", err)
		}
	}
	m.current.Store(&next)
	return nil
}
