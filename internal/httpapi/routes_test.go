// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edxeth/cli-proxy/internal/clphome"
	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/metrics"
	"github.com/edxeth/cli-proxy/internal/pipeline"
	"github.com/edxeth/cli-proxy/internal/pool"
	"github.com/edxeth/cli-proxy/internal/ratelimit"
	"github.com/edxeth/cli-proxy/internal/requestlog"
	"github.com/edxeth/cli-proxy/internal/usageparse"
)

func newTestDeps(t *testing.T, f config.Family) Deps {
	t.Helper()
	t.Setenv("CLP_HOME", t.TempDir())
	dirs, err := clphome.Resolve()
	require.NoError(t, err)
	store, err := config.New(dirs, slog.Default())
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), string(f)+".jsonl")
	log, err := requestlog.New(string(f), logPath, 50, nil)
	require.NoError(t, err)
	t.Cleanup(log.Close)

	p := pool.New(store, nil)
	limiters := ratelimit.NewManager()
	usage := usageparse.NewAggregator()
	reg := metrics.New(string(f))
	pl := pipeline.New(f, store, p, limiters, log, usage, slog.Default(), reg)

	return Deps{
		Family:   f,
		Store:    store,
		Pool:     p,
		Pipeline: pl,
		Log:      log,
		Metrics:  reg,
		Logger:   slog.Default(),
	}
}

func newTestMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	registerRoutes(mux, d)
	return mux
}

func TestHealthReportsActiveConfig(t *testing.T) {
	d := newTestDeps(t, config.Claude)
	require.NoError(t, d.Store.PutFamily(config.Claude, config.FamilyDoc{
		"only": {BaseURL: "https://a.example", APIKey: "k", Active: true},
	}))
	mux := newTestMux(d)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "only", resp.ActiveConfig)
}

func TestFailuresResetClearsExclusion(t *testing.T) {
	d := newTestDeps(t, config.Claude)
	lb := d.Store.GetLoadBalance()
	lb.Services[config.Claude] = &config.ServiceFailureState{
		FailureThreshold: 3,
		CurrentFailures:  map[string]int{"A": 3},
		ExcludedConfigs:  []string{"A"},
	}
	require.NoError(t, d.Store.PutLoadBalance(lb))
	mux := newTestMux(d)

	req := httptest.NewRequest(http.MethodPost, "/api/failures/reset", strings.NewReader(`{"name":"A"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	got := d.Store.GetLoadBalance()
	assert.Empty(t, got.Services[config.Claude].ExcludedConfigs)
}

func TestConfigsPutThenGetRoundTrips(t *testing.T) {
	d := newTestDeps(t, config.Codex)
	mux := newTestMux(d)

	putReq := httptest.NewRequest(http.MethodPost, "/api/configs/codex", strings.NewReader(
		`{"only":{"base_url":"https://api.example","api_key":"k","active":true,"weight":1}}`))
	putRec := httptest.NewRecorder()
	mux.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusNoContent, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/configs/codex", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var doc config.FamilyDoc
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &doc))
	require.Contains(t, doc, "only")
	assert.Equal(t, "https://api.example", doc["only"].BaseURL)
}

func TestConfigsUnknownFamilyReturns404(t *testing.T) {
	d := newTestDeps(t, config.Claude)
	mux := newTestMux(d)

	req := httptest.NewRequest(http.MethodGet, "/api/configs/bogus", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestsListAndGet(t *testing.T) {
	d := newTestDeps(t, config.Legacy)
	mux := newTestMux(d)

	entry := d.Log.Begin("req-1", "legacy", "chanA", http.MethodPost, "/v1/chat/completions", "m", time.Now())
	entry.Complete(http.StatusOK, nil, requestlog.Usage{})

	listReq := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)
	var records []requestlog.Record
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &records))
	require.Len(t, records, 1)

	getReq := httptest.NewRequest(http.MethodGet, "/api/requests/req-1", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)

	missingReq := httptest.NewRequest(http.MethodGet, "/api/requests/nope", nil)
	missingRec := httptest.NewRecorder()
	mux.ServeHTTP(missingRec, missingReq)
	assert.Equal(t, http.StatusNotFound, missingRec.Code)
}

func TestCodexBuildBodyPreviewsWithoutForwarding(t *testing.T) {
	d := newTestDeps(t, config.Codex)
	mux := newTestMux(d)

	req := httptest.NewRequest(http.MethodPost, "/api/codex/build-body", strings.NewReader(`{"model":"gpt-5-codex"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		JSON    json.RawMessage   `json:"json"`
		Headers map[string]string `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, string(resp.JSON), `"store":false`)
	assert.Equal(t, "responses=experimental", resp.Headers[http.CanonicalHeaderKey("OpenAI-Beta")])
}
