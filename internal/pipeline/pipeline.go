// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the per-request state machine of
// spec.md §4.5: ACCEPT -> TRANSFORM -> SELECT -> ADMIT -> FORWARD ->
// STREAM -> CLOSE.
package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/family"
	"github.com/edxeth/cli-proxy/internal/filter"
	"github.com/edxeth/cli-proxy/internal/metrics"
	"github.com/edxeth/cli-proxy/internal/pool"
	"github.com/edxeth/cli-proxy/internal/ratelimit"
	"github.com/edxeth/cli-proxy/internal/requestlog"
	"github.com/edxeth/cli-proxy/internal/streaming"
	"github.com/edxeth/cli-proxy/internal/usageparse"
)

// Pipeline is one family's request handler. It owns no HTTP listener
// itself; internal/httpapi wires it into a mux.
type Pipeline struct {
	Family   config.Family
	Store    *config.Store
	Pool     *pool.Pool
	Limiters *ratelimit.Manager
	Log      *requestlog.Log
	Usage    *usageparse.Aggregator
	Adapter  family.Adapter
	Client   *http.Client
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// New builds a Pipeline with the default upstream client described in
// spec.md §4.5 step 5 (30s connect, 30s write, unbounded idle/read).
// reg may be nil, in which case metrics are simply not recorded.
func New(f config.Family, store *config.Store, p *pool.Pool, limiters *ratelimit.Manager, log *requestlog.Log, usage *usageparse.Aggregator, logger *slog.Logger, reg *metrics.Registry) *Pipeline {
	return &Pipeline{
		Family:   f,
		Store:    store,
		Pool:     p,
		Limiters: limiters,
		Log:      log,
		Usage:    usage,
		Adapter:  family.New(f),
		Client:   newUpstreamClient(),
		Logger:   logger,
		Metrics:  reg,
	}
}

// requestIDEntropy is a single shared monotonic source: oklog/ulid's
// own docs recommend exactly this pattern (one Monotonic reader
// guarded by a mutex) over allocating a fresh reader per call.
var (
	requestIDMu      sync.Mutex
	requestIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), requestIDEntropy).String()
}

// ServeHTTP runs one request through the full pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()
	start := time.Now()
	ctx := r.Context()

	originalBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		p.writeError(w, newError(ErrBadRequest, 0, "cannot read request body"), nil)
		return
	}
	if len(originalBody) > 0 && !json.Valid(originalBody) {
		p.writeError(w, newError(ErrBadRequest, 0, "request body is not valid JSON"), nil)
		return
	}
	modelOriginal := jsonString(originalBody, "model")
	channel := "" // filled in once Select succeeds; "" until then

	entry := p.Log.Begin(requestID, string(p.Family), channel, r.Method, r.URL.Path, modelOriginal, start)

	body, upstreamPath, pipeErr := p.transform(r.URL.Path, originalBody)
	if pipeErr != nil {
		entry.Fail(pipeErr.Status, string(pipeErr.Kind), pipeErr.Message)
		p.recordRequestTotal("", string(pipeErr.Kind))
		p.writeError(w, pipeErr, nil)
		return
	}
	modelFinal := jsonString(body, "model")
	entry.SetModelFinal(modelFinal)

	filtered := filter.New(p.Store.GetFilter()).Apply(body)
	entry.SetBodies(originalBody, filtered)

	cfg, selErr := p.Pool.Select(p.Family, modelFinal)
	if selErr != nil {
		pipeErr := classifySelectErr(selErr)
		entry.Fail(pipeErr.Status, string(pipeErr.Kind), pipeErr.Message)
		p.recordRequestTotal("", string(pipeErr.Kind))
		p.writeError(w, pipeErr, nil)
		return
	}
	entry.SetChannel(cfg.Name)

	limiter := p.Limiters.Get(p.Family, cfg.Name, cfg.RPMLimit)
	waitStart := time.Now()
	admitErr := limiter.Admit(ctx)
	if p.Metrics != nil {
		p.Metrics.RateLimitWaits.WithLabelValues(cfg.Name).Observe(time.Since(waitStart).Seconds())
	}
	if admitErr != nil {
		pipeErr := newError(ErrRateWaitCancel, 0, "rate limit admission cancelled")
		entry.Fail(pipeErr.Status, string(pipeErr.Kind), pipeErr.Message)
		p.recordRequestTotal(cfg.Name, string(pipeErr.Kind))
		p.writeError(w, pipeErr, nil)
		return
	}

	streamToClient := p.wantsStream(filtered, cfg)
	forceUpstreamStream := streamToClient
	synth := p.Adapter.WantsToolStreamWorkaround(filtered) && streamToClient
	if synth {
		forceUpstreamStream = false
	}

	upstreamBody, err := p.Adapter.Backfill(filtered, &forceUpstreamStream)
	if err != nil {
		pipeErr := newError(ErrBadRequest, 0, "body backfill failed: "+err.Error())
		entry.Fail(pipeErr.Status, string(pipeErr.Kind), pipeErr.Message)
		p.recordRequestTotal(cfg.Name, string(pipeErr.Kind))
		p.writeError(w, pipeErr, nil)
		return
	}
	// Backfill may have overridden the stream field unconditionally
	// (Codex always streams upstream); read it back so headers and the
	// forwarder reflect what's actually being sent.
	upstreamStream := jsonBool(upstreamBody, "stream")

	resp, pipeErr := p.forward(ctx, cfg, upstreamPath, upstreamBody, upstreamStream)
	if pipeErr != nil {
		if pipeErr.Kind == ErrUpstreamIO {
			p.Pool.RecordFailure(p.Family, cfg.Name)
			p.recordUpstreamFailure(cfg.Name)
		}
		entry.Fail(pipeErr.Status, string(pipeErr.Kind), pipeErr.Message)
		p.recordRequestTotal(cfg.Name, string(pipeErr.Kind))
		p.writeError(w, pipeErr, nil)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		p.Pool.RecordFailure(p.Family, cfg.Name)
		p.recordUpstreamFailure(cfg.Name)
	}

	p.stream(ctx, w, entry, resp, synth, cfg.Name)
}

const maxBodyBytes = 64 << 20

func jsonString(body []byte, field string) string {
	var m map[string]json.RawMessage
	if json.Unmarshal(body, &m) != nil {
		return ""
	}
	raw, ok := m[field]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func (p *Pipeline) recordRequestTotal(channel, status string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RequestsTotal.WithLabelValues(channel, status).Inc()
}

func (p *Pipeline) recordUpstreamFailure(channel string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.UpstreamFailures.WithLabelValues(channel).Inc()
}

func classifySelectErr(err error) *Error {
	switch err {
	case pool.ErrNoActiveUpstream:
		return newError(ErrNoActive, 0, "no active upstream configured")
	default:
		return newError(ErrUpstreamUnavail, 0, "all eligible upstreams are excluded")
	}
}

// writeError sends a JSON error envelope to the client. When
// pipeErr.Body is non-nil (an upstream 4xx/5xx body), it is passed
// through verbatim instead, per spec.md §7.
func (p *Pipeline) writeError(w http.ResponseWriter, pipeErr *Error, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if pipeErr.Body != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(pipeErr.Status)
		_, _ = w.Write(pipeErr.Body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pipeErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(pipeErr.Kind), "message": pipeErr.Message},
	})
}

// transform implements spec.md §4.5 step 2: path normalization, body
// adaptation for alternate endpoints, and model rewriting. It does
// not run FilterEngine or family Backfill; those happen after, once
// the caller has decided the streaming mode.
func (p *Pipeline) transform(requestPath string, body []byte) ([]byte, string, *Error) {
	upstreamPath, alternate := p.Adapter.CanonicalPath(requestPath)
	if alternate {
		adapted, err := p.Adapter.AdaptBody(body)
		if err != nil {
			return nil, "", newError(ErrBadRequest, 0, "body adaptation failed: "+err.Error())
		}
		body = adapted
	}
	body = p.rewriteModel(body)
	return body, upstreamPath, nil
}

func (p *Pipeline) rewriteModel(body []byte) []byte {
	model := jsonString(body, "model")
	if model == "" {
		return body
	}
	rt := p.Store.GetRouting()
	for _, m := range rt.ModelMappings[p.Family] {
		if m.SourceType != config.SourceModel || m.Source != model {
			continue
		}
		out, err := setAlwaysField(body, "model", m.Target)
		if err == nil {
			return out
		}
		break
	}
	return body
}

func setAlwaysField(body []byte, field string, value string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return body, err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return body, err
	}
	m[field] = v
	return json.Marshal(m)
}

// wantsStream resolves the tri-state streaming field against the
// client's request, per spec.md §9 "Tri-state streaming field".
func (p *Pipeline) wantsStream(body []byte, cfg config.UpstreamConfig) bool {
	clientWants := jsonBool(body, "stream")
	switch cfg.Streaming {
	case config.StreamingOn:
		return true
	case config.StreamingOff:
		return false
	default:
		return clientWants
	}
}

func jsonBool(body []byte, field string) bool {
	var m map[string]json.RawMessage
	if json.Unmarshal(body, &m) != nil {
		return false
	}
	raw, ok := m[field]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

// forward opens the single upstream HTTP call for this request
// (spec.md §4.5 step 5).
func (p *Pipeline) forward(ctx context.Context, cfg config.UpstreamConfig, path string, body []byte, streamUp bool) (*http.Response, *Error) {
	url := cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(ErrUpstreamIO, 0, "cannot build upstream request: "+err.Error())
	}

	for k, vs := range p.Adapter.Headers(streamUp) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	} else {
		req.Header.Set("x-api-key", cfg.APIKey)
		if family.StripAuthorizationIfAPIKey(cfg.APIKey != "") {
			req.Header.Del("Authorization")
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(ErrClientDisconnect, 0, "client disconnected before upstream responded")
		}
		return nil, newError(ErrUpstreamIO, 0, fmt.Sprintf("upstream transport error: %v", err))
	}
	return resp, nil
}

// stream implements STREAM and CLOSE (spec.md §4.5 steps 6-7, §4.6).
func (p *Pipeline) stream(ctx context.Context, w http.ResponseWriter, entry *requestlog.Entry, resp *http.Response, synth bool, channel string) {
	status := resp.StatusCode
	ct := resp.Header.Get("Content-Type")

	if status >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		w.Header().Set("Content-Type", ct)
		if synth {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(status)
			out := streaming.Synthesize(status, body)
			_, _ = w.Write(out)
			entry.Progress(out)
		} else {
			w.WriteHeader(status)
			_, _ = w.Write(body)
			entry.Progress(body)
		}
		um := usageparse.ParseBufferedJSON(p.Family, body, p.Logger)
		if p.Usage != nil {
			p.Usage.Record(string(p.Family), channel, um)
		}
		if p.Metrics != nil {
			p.Metrics.ObserveUsage(channel, um.Input, um.CachedCreate, um.CachedRead, um.Output, um.Reasoning)
		}
		p.recordRequestTotal(channel, "ERR_UPSTREAM_HTTP")
		entry.Complete(status, headerSnapshot(resp.Header), toUsage(um))
		return
	}

	entry.MarkStreaming()

	if synth {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		out := streaming.Synthesize(status, body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(status)
		_, _ = w.Write(out)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		entry.Progress(out)
		um := usageparse.ParseBufferedJSON(p.Family, body, p.Logger)
		if p.Usage != nil {
			p.Usage.Record(string(p.Family), channel, um)
		}
		if p.Metrics != nil {
			p.Metrics.ObserveUsage(channel, um.Input, um.CachedCreate, um.CachedRead, um.Output, um.Reasoning)
		}
		p.recordRequestTotal(channel, "ok")
		entry.Complete(status, headerSnapshot(resp.Header), toUsage(um))
		return
	}

	for k, vs := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)

	forwarder := streaming.NewPassthrough(0)
	usage := usageparse.New(p.Family, p.Logger)
	progressSink := streaming.SinkFunc(func(chunk []byte) { entry.Progress(chunk) })
	usageSink := streaming.SinkFunc(usage.Feed)

	n, err := forwarder.Copy(ctx, streaming.ResponseFlusher(w), resp.Body, progressSink, usageSink)
	um := usage.Result()
	if um == (usageparse.Metrics{}) && !strings.Contains(ct, "text/event-stream") {
		// A non-streamed JSON body has no SSE framing for the scanner to
		// split on; read its usage from the buffered tail instead.
		tail, _ := forwarder.Tail(n)
		um = usageparse.ParseBufferedJSON(p.Family, tail, p.Logger)
	}
	if p.Usage != nil {
		p.Usage.Record(string(p.Family), channel, um)
	}
	if p.Metrics != nil {
		p.Metrics.ObserveUsage(channel, um.Input, um.CachedCreate, um.CachedRead, um.Output, um.Reasoning)
	}
	if err != nil {
		if ctx.Err() != nil {
			entry.Fail(0, string(ErrClientDisconnect), "client disconnected mid-stream")
			p.recordRequestTotal(channel, string(ErrClientDisconnect))
			return
		}
		entry.Fail(http.StatusBadGateway, string(ErrUpstreamIO), "upstream read failed: "+err.Error())
		p.recordRequestTotal(channel, string(ErrUpstreamIO))
		p.Pool.RecordFailure(p.Family, channel)
		p.recordUpstreamFailure(channel)
		return
	}
	p.recordRequestTotal(channel, "ok")
	entry.Complete(status, headerSnapshot(resp.Header), toUsage(um))
}

func headerSnapshot(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func toUsage(m usageparse.Metrics) requestlog.Usage {
	return requestlog.Usage{
		Input: m.Input, CachedCreate: m.CachedCreate, CachedRead: m.CachedRead,
		Output: m.Output, Reasoning: m.Reasoning, Total: m.Total,
	}
}
