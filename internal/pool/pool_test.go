// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edxeth/cli-proxy/internal/clphome"
	"github.com/edxeth/cli-proxy/internal/config"
)

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	t.Setenv("CLP_HOME", t.TempDir())
	dirs, err := clphome.Resolve()
	require.NoError(t, err)
	s, err := config.New(dirs, slog.Default())
	require.NoError(t, err)
	return s
}

func TestActiveFirstExcludedDoesNotPromoteInactive(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Claude, config.FamilyDoc{
		"A": {BaseURL: "https://a", APIKey: "k", Active: true},
		"B": {BaseURL: "https://b", APIKey: "k", Active: false},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	lb.Services[config.Claude].ExcludedConfigs = []string{"A"}
	require.NoError(t, store.PutLoadBalance(lb))

	p := New(store, nil)
	_, err := p.Select(config.Claude, "any-model")
	require.ErrorIs(t, err, ErrNoActiveUpstream)
}

func TestWeightedExcludesConfigAfterThreshold(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Codex, config.FamilyDoc{
		"C1": {BaseURL: "https://1", APIKey: "k", Weight: 10},
		"C2": {BaseURL: "https://2", APIKey: "k", Weight: 10},
		"C3": {BaseURL: "https://3", APIKey: "k", Weight: 10},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.WeightBased
	lb.Services[config.Codex].FailureThreshold = 2
	require.NoError(t, store.PutLoadBalance(lb))

	var excludedEvents []string
	p := New(store, func(_ config.Family, name string) { excludedEvents = append(excludedEvents, name) })

	p.RecordFailure(config.Codex, "C1")
	p.RecordFailure(config.Codex, "C1")

	require.Equal(t, []string{"C1"}, excludedEvents)

	for i := 0; i < 20; i++ {
		cfg, err := p.Select(config.Codex, "gpt")
		require.NoError(t, err)
		require.NotEqual(t, "C1", cfg.Name)
	}
}

func TestConfigMappingRestrictsPoolAndFailsWithoutFallback(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Codex, config.FamilyDoc{
		"only": {BaseURL: "https://1", APIKey: "k", Active: true},
	}))
	rt := config.RouteTable{
		Mode:           config.RouteConfigMapping,
		ConfigMappings: map[config.Family][]config.ConfigMapping{config.Codex: {{Model: "gpt-5", Config: "only"}}},
	}
	require.NoError(t, store.PutRouting(rt))

	lb := store.GetLoadBalance()
	lb.Services[config.Codex].ExcludedConfigs = []string{"only"}
	require.NoError(t, store.PutLoadBalance(lb))

	p := New(store, nil)
	_, err := p.Select(config.Codex, "gpt-5")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestResetClearsExclusion(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Claude, config.FamilyDoc{
		"A": {BaseURL: "https://a", APIKey: "k", Active: true},
	}))
	p := New(store, nil)
	p.RecordFailure(config.Claude, "A")
	p.RecordFailure(config.Claude, "A")
	p.RecordFailure(config.Claude, "A")

	lb := store.GetLoadBalance()
	require.Contains(t, lb.Services[config.Claude].ExcludedConfigs, "A")

	require.NoError(t, p.Reset(config.Claude, "A"))
	lb = store.GetLoadBalance()
	require.NotContains(t, lb.Services[config.Claude].ExcludedConfigs, "A")
}
