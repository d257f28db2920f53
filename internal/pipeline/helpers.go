// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edxeth/cli-proxy/internal/filter"
)

// BuildUpstreamBody runs TRANSFORM and body backfill without selecting
// a channel or forwarding, for the Codex `/api/codex/build-body`
// helper (spec.md §6: "returns {json, headers}"). Streaming is
// resolved from the client's own "stream" field since no upstream
// config's tri-state override applies without a Select.
func (p *Pipeline) BuildUpstreamBody(requestPath string, body []byte) ([]byte, http.Header, *Error) {
	transformed, _, err := p.transform(requestPath, body)
	if err != nil {
		return nil, nil, err
	}
	filtered := filter.New(p.Store.GetFilter()).Apply(transformed)
	forceUpstreamStream := jsonBool(filtered, "stream")
	upstreamBody, berr := p.Adapter.Backfill(filtered, &forceUpstreamStream)
	if berr != nil {
		return nil, nil, newError(ErrBadRequest, 0, "body backfill failed: "+berr.Error())
	}
	upstreamStream := jsonBool(upstreamBody, "stream")
	return upstreamBody, p.Adapter.Headers(upstreamStream), nil
}

// QuickSend runs the full pipeline synchronously, buffering the entire
// upstream response instead of streaming it, for the Codex
// `/api/codex/quick-send` helper (spec.md §6: "returns {status_code,
// lines}"). It participates in the same Select/Admit/FailureTracker
// bookkeeping as ServeHTTP, but does not write a RequestLog entry: the
// helper is a synchronous one-shot call, not a logged proxy request.
func (p *Pipeline) QuickSend(ctx context.Context, requestPath string, originalBody []byte) (int, []string, *Error) {
	transformed, upstreamPath, err := p.transform(requestPath, originalBody)
	if err != nil {
		return 0, nil, err
	}
	filtered := filter.New(p.Store.GetFilter()).Apply(transformed)
	modelFinal := jsonString(filtered, "model")

	cfg, selErr := p.Pool.Select(p.Family, modelFinal)
	if selErr != nil {
		return 0, nil, classifySelectErr(selErr)
	}

	limiter := p.Limiters.Get(p.Family, cfg.Name, cfg.RPMLimit)
	if admitErr := limiter.Admit(ctx); admitErr != nil {
		return 0, nil, newError(ErrRateWaitCancel, 0, "rate limit admission cancelled")
	}

	forceUpstreamStream := p.wantsStream(filtered, cfg)
	upstreamBody, berr := p.Adapter.Backfill(filtered, &forceUpstreamStream)
	if berr != nil {
		return 0, nil, newError(ErrBadRequest, 0, "body backfill failed: "+berr.Error())
	}
	upstreamStream := jsonBool(upstreamBody, "stream")

	resp, fwdErr := p.forward(ctx, cfg, upstreamPath, upstreamBody, upstreamStream)
	if fwdErr != nil {
		if fwdErr.Kind == ErrUpstreamIO {
			p.Pool.RecordFailure(p.Family, cfg.Name)
			p.recordUpstreamFailure(cfg.Name)
		}
		p.recordRequestTotal(cfg.Name, string(fwdErr.Kind))
		return 0, nil, fwdErr
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		p.Pool.RecordFailure(p.Family, cfg.Name)
		p.recordUpstreamFailure(cfg.Name)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	p.recordRequestTotal(cfg.Name, fmt.Sprintf("%d", resp.StatusCode))
	return resp.StatusCode, splitLines(raw), nil
}

func splitLines(b []byte) []string {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
