// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package usageparse extracts token usage from streamed or buffered
// upstream responses (spec.md §4.7) and maintains the per-(family,
// channel) running aggregates described in spec.md §3.
package usageparse

import "sync"

// Metrics is the non-negative token-count block of spec.md §3.
type Metrics struct {
	Input        int `json:"input"`
	CachedCreate int `json:"cached_create"`
	CachedRead   int `json:"cached_read"`
	Output       int `json:"output"`
	Reasoning    int `json:"reasoning"`
	Total        int `json:"total"`
}

// finalize applies the non-negative and total>=input+output invariants
// from spec.md §8, filling Total when the parser didn't supply one.
func (m Metrics) finalize() Metrics {
	if m.Input < 0 {
		m.Input = 0
	}
	if m.CachedCreate < 0 {
		m.CachedCreate = 0
	}
	if m.CachedRead < 0 {
		m.CachedRead = 0
	}
	if m.Output < 0 {
		m.Output = 0
	}
	if m.Reasoning < 0 {
		m.Reasoning = 0
	}
	if m.Total == 0 {
		m.Total = m.Input + m.Output
	}
	if m.Total < m.Input+m.Output {
		m.Total = m.Input + m.Output
	}
	return m
}

// Add returns the element-wise sum of m and other.
func (m Metrics) Add(other Metrics) Metrics {
	return Metrics{
		Input:        m.Input + other.Input,
		CachedCreate: m.CachedCreate + other.CachedCreate,
		CachedRead:   m.CachedRead + other.CachedRead,
		Output:       m.Output + other.Output,
		Reasoning:    m.Reasoning + other.Reasoning,
		Total:        m.Total + other.Total,
	}
}

// aggKey is the (family, channel) key used for running sums, where
// channel is the selected upstream config's name (spec.md glossary).
type aggKey struct {
	family  string
	channel string
}

// Aggregator maintains running usage sums keyed by (family, channel).
type Aggregator struct {
	mu   sync.Mutex
	sums map[aggKey]Metrics
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{sums: map[aggKey]Metrics{}}
}

// Record folds m into the running sum for (family, channel).
func (a *Aggregator) Record(family, channel string, m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := aggKey{family, channel}
	a.sums[k] = a.sums[k].Add(m)
}

// Snapshot returns the current running sum for (family, channel).
func (a *Aggregator) Snapshot(family, channel string) Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sums[aggKey{family, channel}]
}
