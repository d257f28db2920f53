// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edxeth/cli-proxy/internal/clphome"
	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/pool"
	"github.com/edxeth/cli-proxy/internal/ratelimit"
	"github.com/edxeth/cli-proxy/internal/requestlog"
	"github.com/edxeth/cli-proxy/internal/usageparse"
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

func newTestPipeline(t *testing.T, f config.Family, store *config.Store) (*Pipeline, *requestlog.Log) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), string(f)+".jsonl")
	log, err := requestlog.New(string(f), logPath, 50, nil)
	require.NoError(t, err)
	t.Cleanup(log.Close)

	p := pool.New(store, nil)
	limiters := ratelimit.NewManager()
	usage := usageparse.NewAggregator()
	return New(f, store, p, limiters, log, usage, slog.Default(), nil), log
}

// TestLegacyEmptyContentWithToolCallSynthesizesSSE covers spec.md §8
// scenario 1.
func TestLegacyEmptyContentWithToolCallSynthesizesSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Legacy, config.FamilyDoc{
		"only": {BaseURL: upstream.URL, APIKey: "k", Active: true},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	require.NoError(t, store.PutLoadBalance(lb))

	p, _ := newTestPipeline(t, config.Legacy, store)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true,"tools":[{"type":"function","function":{"name":"f"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	out := rec.Body.String()
	assert.Contains(t, out, `"content":""`)
	assert.Contains(t, out, `"tool_calls"`)
	assert.Contains(t, out, `"finish_reason":"tool_calls"`)
	assert.Contains(t, out, "data: [DONE]\n\n")
}

// TestActiveFirstExcludedReturnsNoActive covers spec.md §8 scenario 2.
func TestActiveFirstExcludedReturnsNoActive(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Claude, config.FamilyDoc{
		"A": {BaseURL: "https://a.example", APIKey: "k", Active: true},
		"B": {BaseURL: "https://b.example", APIKey: "k", Active: false},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	lb.Services[config.Claude] = &config.ServiceFailureState{FailureThreshold: 3, ExcludedConfigs: []string{"A"}}
	require.NoError(t, store.PutLoadBalance(lb))

	p, _ := newTestPipeline(t, config.Claude, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[]}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_NO_ACTIVE")
}

// TestCodexPathAndModelRewrite covers spec.md §8 scenario 4.
func TestCodexPathAndModelRewrite(t *testing.T) {
	var gotPath, gotModel, gotAccept, gotBeta, gotEncoding string
	var gotStore, gotStream bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotEncoding = r.Header.Get("Accept-Encoding")

		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if m, ok := body["model"].(string); ok {
			gotModel = m
		}
		if s, ok := body["store"].(bool); ok {
			gotStore = s
		}
		if s, ok := body["stream"].(bool); ok {
			gotStream = s
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_1","output":[]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Codex, config.FamilyDoc{
		"only": {BaseURL: upstream.URL, APIKey: "k", Active: true},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	require.NoError(t, store.PutLoadBalance(lb))
	rt := store.GetRouting()
	rt.Mode = config.RouteModelMapping
	rt.ModelMappings = map[config.Family][]config.ModelMapping{
		config.Codex: {{Source: "gpt-5-codex", Target: "gpt-5-codes", SourceType: config.SourceModel}},
	}
	require.NoError(t, store.PutRouting(rt))

	p, _ := newTestPipeline(t, config.Codex, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"model":"gpt-5-codex"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, "/v1/responses", gotPath)
	assert.Equal(t, "gpt-5-codes", gotModel)
	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, "responses=experimental", gotBeta)
	assert.Equal(t, "identity", gotEncoding)
	assert.False(t, gotStore)
	assert.True(t, gotStream)
}

// TestFilterRedactsBodyBeforeForwarding covers spec.md §8 scenario 6.
func TestFilterRedactsBodyBeforeForwarding(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Legacy, config.FamilyDoc{
		"only": {BaseURL: upstream.URL, APIKey: "k", Active: true},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	require.NoError(t, store.PutLoadBalance(lb))
	require.NoError(t, store.PutFilter([]config.FilterRule{{Source: "sk-live-XYZ", Op: config.OpReplace, Target: "sk-***"}}))

	p, log := newTestPipeline(t, config.Legacy, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[],"key":"sk-live-XYZ"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Contains(t, gotBody, "sk-***")
	assert.NotContains(t, gotBody, "sk-live-XYZ")

	records := log.List(0)
	require.Len(t, records, 1)
	decodedOriginal := decodeBase64(t, records[0].OriginalBody)
	decodedFiltered := decodeBase64(t, records[0].FilteredBody)
	assert.Contains(t, decodedOriginal, "sk-live-XYZ")
	assert.Contains(t, decodedFiltered, "sk-***")
}

func TestCredentialInjectionSendsExactlyOne(t *testing.T) {
	var gotAuth, gotAPIKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.PutFamily(config.Legacy, config.FamilyDoc{
		"only": {BaseURL: upstream.URL, AuthToken: "tok-123", Active: true},
	}))
	lb := store.GetLoadBalance()
	lb.Mode = config.ActiveFirst
	require.NoError(t, store.PutLoadBalance(lb))

	p, _ := newTestPipeline(t, config.Legacy, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[]}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Empty(t, gotAPIKey)
}

func decodeBase64(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return string(b)
}
