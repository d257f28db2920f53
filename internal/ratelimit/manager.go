// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"

	"github.com/edxeth/cli-proxy/internal/config"
)

type key struct {
	family config.Family
	name   string
}

// Manager owns one Limiter per (family, config-name) pair and discards
// limiter state when a config is removed or renamed, per spec.md §4.3.
type Manager struct {
	mu       sync.Mutex
	limiters map[key]*Limiter
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{limiters: map[key]*Limiter{}}
}

// Get returns the Limiter for (family, name), creating it with rpm if
// it doesn't exist yet, or resizing it if rpm changed.
func (m *Manager) Get(family config.Family, name string, rpm int) *Limiter {
	k := key{family, name}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[k]
	if !ok {
		l = newLimiter(rpm)
		m.limiters[k] = l
		return l
	}
	l.SetRPM(rpm)
	return l
}

// Discard stops and removes the limiter for (family, name); a later Get
// for the same pair starts a fresh limiter.
func (m *Manager) Discard(family config.Family, name string) {
	k := key{family, name}
	m.mu.Lock()
	l, ok := m.limiters[k]
	delete(m.limiters, k)
	m.mu.Unlock()
	if ok {
		l.Close()
	}
}

// Reconcile drops limiters for any (family, name) no longer present in
// current, given the full up-to-date name set for that family.
func (m *Manager) Reconcile(family config.Family, current map[string]struct{}) {
	m.mu.Lock()
	var stale []*Limiter
	for k, l := range m.limiters {
		if k.family != family {
			continue
		}
		if _, ok := current[k.name]; !ok {
			stale = append(stale, l)
			delete(m.limiters, k)
		}
	}
	m.mu.Unlock()
	for _, l := range stale {
		l.Close()
	}
}
