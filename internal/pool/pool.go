// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool implements UpstreamPool selection and the FailureTracker
// eviction bookkeeping described in spec.md §4.4.
package pool

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/edxeth/cli-proxy/internal/config"
)

// Selection errors surfaced to the pipeline as the HTTP statuses in
// spec.md §7.
var (
	ErrNoActiveUpstream   = errors.New("pool: no active upstream configured")
	ErrUpstreamUnavailable = errors.New("pool: all eligible upstreams are excluded")
)

// OnExcluded is invoked whenever a config crosses the failure
// threshold and is added to excludedConfigs, the "ConfigExcluded"
// event of spec.md §4.4.
type OnExcluded func(family config.Family, name string)

// Pool selects an UpstreamConfig for a family and tracks upstream
// failures against the ConfigStore-backed LoadBalancePolicy.
type Pool struct {
	store *config.Store

	// mu serializes selection and failure-accounting per family, as
	// required by spec.md §5 ("UpstreamPool selection and
	// FailureTracker updates are serialized per family").
	mu         sync.Mutex
	onExcluded OnExcluded
	rng        *rand.Rand
}

// New returns a Pool backed by store. onExcluded may be nil.
func New(store *config.Store, onExcluded OnExcluded) *Pool {
	return &Pool{
		store:      store,
		onExcluded: onExcluded,
		rng:        rand.New(rand.NewSource(randSeed())),
	}
}

// Select runs the selection protocol of spec.md §4.4 step 1-4 for an
// incoming request whose resolved model is model (after RouteTable
// model-mapping has already been applied by the caller — config-mapping
// lookups below use the same model value).
func (p *Pool) Select(family config.Family, model string) (config.UpstreamConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := p.store.GetFamily(family)
	lb := p.store.GetLoadBalance()
	state := lb.Services[family]
	excluded := map[string]bool{}
	if state != nil {
		for _, n := range state.ExcludedConfigs {
			excluded[n] = true
		}
	}

	eligible := make(map[string]config.UpstreamConfig, len(all))
	for name, cfg := range all {
		if excluded[name] {
			continue
		}
		eligible[name] = cfg
	}

	rt := p.store.GetRouting()
	if rt.Mode == config.RouteConfigMapping {
		for _, m := range rt.ConfigMappings[family] {
			if m.Model != model {
				continue
			}
			if excluded[m.Config] {
				return config.UpstreamConfig{}, ErrUpstreamUnavailable
			}
			cfg, ok := all[m.Config]
			if !ok {
				return config.UpstreamConfig{}, ErrUpstreamUnavailable
			}
			return cfg, nil
		}
	}

	switch lb.Mode {
	case config.WeightBased:
		return p.selectWeighted(eligible)
	default: // active-first
		return p.selectActiveFirst(eligible)
	}
}

func (p *Pool) selectActiveFirst(eligible map[string]config.UpstreamConfig) (config.UpstreamConfig, error) {
	for _, cfg := range eligible {
		if cfg.Active {
			return cfg, nil
		}
	}
	return config.UpstreamConfig{}, ErrNoActiveUpstream
}

func (p *Pool) selectWeighted(eligible map[string]config.UpstreamConfig) (config.UpstreamConfig, error) {
	if len(eligible) == 0 {
		return config.UpstreamConfig{}, ErrUpstreamUnavailable
	}
	names := make([]string, 0, len(eligible))
	for n := range eligible {
		names = append(names, n)
	}
	allZero := true
	for _, n := range names {
		if eligible[n].Weight > 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return eligible[names[p.rng.Intn(len(names))]], nil
	}
	var candidates []string
	var total int
	for _, n := range names {
		w := eligible[n].Weight
		if w <= 0 {
			continue
		}
		if w < 1 {
			w = 1
		}
		candidates = append(candidates, n)
		total += w
	}
	if len(candidates) == 0 {
		return config.UpstreamConfig{}, ErrUpstreamUnavailable
	}
	pick := p.rng.Intn(total)
	for _, n := range candidates {
		w := eligible[n].Weight
		if w < 1 {
			w = 1
		}
		if pick < w {
			return eligible[n], nil
		}
		pick -= w
	}
	// unreachable given the accounting above.
	return eligible[candidates[len(candidates)-1]], nil
}

// RecordFailure increments the failure counter for (family, name) when
// the upstream call ended in a 5xx or a transport error, and excludes
// the config once it crosses failureThreshold, per spec.md §4.4.
// 4xx responses and client disconnects must not call RecordFailure.
func (p *Pool) RecordFailure(family config.Family, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lb := p.store.GetLoadBalance()
	state := lb.Services[family]
	if state == nil {
		state = &config.ServiceFailureState{FailureThreshold: 3, CurrentFailures: map[string]int{}}
		lb.Services[family] = state
	}
	if state.CurrentFailures == nil {
		state.CurrentFailures = map[string]int{}
	}
	state.CurrentFailures[name]++
	threshold := state.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	newlyExcluded := false
	if state.CurrentFailures[name] >= threshold && !contains(state.ExcludedConfigs, name) {
		state.ExcludedConfigs = append(state.ExcludedConfigs, name)
		newlyExcluded = true
	}
	_ = p.store.PutLoadBalance(lb)
	if newlyExcluded && p.onExcluded != nil {
		p.onExcluded(family, name)
	}
}

// Reset clears the failure counters and exclusion for name, or for
// every config in family when name is empty. Only an operator action
// or a config edit may call Reset (spec.md §4.4, §9).
func (p *Pool) Reset(family config.Family, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lb := p.store.GetLoadBalance()
	state := lb.Services[family]
	if state == nil {
		return nil
	}
	if name == "" {
		state.CurrentFailures = map[string]int{}
		state.ExcludedConfigs = nil
	} else {
		delete(state.CurrentFailures, name)
		state.ExcludedConfigs = removeName(state.ExcludedConfigs, name)
	}
	return p.store.PutLoadBalance(lb)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeName(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
