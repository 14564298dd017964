package config

import (
	"fmt"
	"os"
	"sync"
)

// ApplyFunc pushes a validated reliability config into running components.
type ApplyFunc func(Reliability) error

// Manager owns the live reliability config. SIGHUP reloads call Reload;
// the operator API calls Apply with a submitted document.
type Manager struct {
	mu      sync.Mutex
	path    string
	current Reliability
	apply   ApplyFunc
}

// NewManager wraps an already-applied config.
func NewManager(path string, current Reliability, apply ApplyFunc) *Manager {
	return &Manager{path: path, current: current, apply: apply}
}

// Current returns the config in effect.
func (m *Manager) Current() Reliability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply parses doc over the defaults, applies it, and on success makes it
// current. When a file path is configured the document is written back so
// a restart keeps it.
func (m *Manager) Apply(doc []byte) (Reliability, error) {
	r, err := ParseReliability(doc)
	if err != nil {
		return Reliability{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(r); err != nil {
		return Reliability{}, err
	}
	if m.path != "" {
		if err := os.WriteFile(m.path, doc, 0o600); err != nil {
			return r, fmt.Errorf("config applied but not saved: %w", err)
		}
	}
	return r, nil
}

// Reload re-reads the configured file.
func (m *Manager) Reload() (Reliability, error) {
	r, err := LoadReliability(m.path)
	if err != nil {
		return Reliability{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(r); err != nil {
		return Reliability{}, err
	}
	return r, nil
}

func (m *Manager) applyLocked(r Reliability) error {
	if m.apply != nil {
		if err := m.apply(r); err != nil {
			return err
		}
	}
	m.current = r
	return nil
}
