// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edxeth/cli-proxy/internal/config"
)

func isClosed(l *Limiter) bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func TestManagerGetReusesExistingLimiter(t *testing.T) {
	m := NewManager()
	a := m.Get(config.Claude, "alpha", 10)
	b := m.Get(config.Claude, "alpha", 20)
	require.Same(t, a, b)
}

func TestManagerDiscardClosesLimiter(t *testing.T) {
	m := NewManager()
	l := m.Get(config.Claude, "alpha", 10)
	m.Discard(config.Claude, "alpha")
	require.True(t, isClosed(l))

	// discarding an unknown name is a no-op, not a panic.
	m.Discard(config.Claude, "never-existed")
}

func TestManagerReconcileClosesStaleAndKeepsCurrent(t *testing.T) {
	m := NewManager()
	stale := m.Get(config.Claude, "removed", 10)
	kept := m.Get(config.Claude, "kept", 10)
	other := m.Get(config.Codex, "removed", 10)

	m.Reconcile(config.Claude, map[string]struct{}{"kept": {}})

	require.True(t, isClosed(stale), "limiter no longer present in current set must be closed")
	require.False(t, isClosed(kept), "limiter still present in current set must survive")
	require.False(t, isClosed(other), "reconcile must not touch other families")

	require.Same(t, kept, m.Get(config.Claude, "kept", 10))
}
