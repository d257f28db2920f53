// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package usageparse

import (
	"bytes"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/edxeth/cli-proxy/internal/config"
)

// Parser runs as a sink on the tee from the streaming forwarder
// (spec.md §4.7). Feed is called once per chunk of upstream bytes as
// they arrive; Result returns the metrics accumulated so far.
// Parser failures are non-fatal: a parser that can't make sense of a
// chunk just skips it and Result keeps returning zeros for the fields
// it never found.
type Parser interface {
	Feed(chunk []byte)
	Result() Metrics
}

// New returns the grammar for family. logger is used to warn on
// malformed chunks; a nil logger disables warnings.
func New(family config.Family, logger *slog.Logger) Parser {
	base := &sseScanner{logger: logger}
	switch family {
	case config.Claude:
		base.onEvent = claudeEvent
	case config.Codex:
		base.onEvent = codexEvent
	default:
		base.onEvent = legacyEvent
	}
	return base
}

// sseScanner buffers bytes until it has complete frames ending in a
// blank line ("\n\n") and dispatches each JSON data line of a frame to
// onEvent.
type sseScanner struct {
	buf     []byte
	logger  *slog.Logger
	metrics Metrics
	onEvent func(data []byte, m *Metrics)
}

func (s *sseScanner) Feed(chunk []byte) {
	s.buf = append(s.buf, chunk...)
	for {
		idx := bytes.Index(s.buf, []byte("\n\n"))
		if idx < 0 {
			return
		}
		frame := s.buf[:idx]
		s.buf = s.buf[idx+2:]
		s.consumeFrame(frame)
	}
}

func (s *sseScanner) consumeFrame(frame []byte) {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		if !gjson.ValidBytes(line) {
			if s.logger != nil {
				s.logger.Warn("usageparse: skipping malformed SSE data line")
			}
			continue
		}
		s.onEvent(line, &s.metrics)
	}
}

func (s *sseScanner) Result() Metrics {
	return s.metrics.finalize()
}

// claudeEvent implements the Messages SSE grammar of spec.md §4.7:
// usage lands on message_delta/message_stop's "usage" object.
func claudeEvent(data []byte, m *Metrics) {
	r := gjson.ParseBytes(data)
	usage := r.Get("usage")
	if !usage.Exists() {
		usage = r.Get("message.usage")
	}
	if !usage.Exists() {
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		m.Input = int(v.Int())
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		m.CachedCreate = int(v.Int())
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		m.CachedRead = int(v.Int())
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		m.Output = int(v.Int())
	}
}

// codexEvent implements the Responses SSE grammar of spec.md §4.7: a
// terminal event carries "usage" with input/output tokens and a
// cached-token breakdown. Per the post-processing rule, the displayed
// "input" excludes cached_read.
func codexEvent(data []byte, m *Metrics) {
	r := gjson.ParseBytes(data)
	usage := r.Get("usage")
	if !usage.Exists() {
		usage = r.Get("response.usage")
	}
	if !usage.Exists() {
		return
	}
	input := int(usage.Get("input_tokens").Int())
	cachedRead := int(usage.Get("input_tokens_details.cached_tokens").Int())
	reasoning := int(usage.Get("output_tokens_details.reasoning_tokens").Int())
	m.CachedRead = cachedRead
	m.Input = input - cachedRead
	if m.Input < 0 {
		m.Input = 0
	}
	m.Output = int(usage.Get("output_tokens").Int())
	m.Reasoning = reasoning
}

// legacyEvent implements the Chat SSE (or synthesized) grammar of
// spec.md §4.7: the last chunk's "usage" with prompt/completion
// tokens; total defaults to the sum when absent.
func legacyEvent(data []byte, m *Metrics) {
	r := gjson.ParseBytes(data)
	usage := r.Get("usage")
	if !usage.Exists() {
		return
	}
	m.Input = int(usage.Get("prompt_tokens").Int())
	m.Output = int(usage.Get("completion_tokens").Int())
	if v := usage.Get("total_tokens"); v.Exists() {
		m.Total = int(v.Int())
	}
	if details := usage.Get("prompt_tokens_details"); details.Exists() {
		m.CachedRead = int(details.Get("cached_tokens").Int())
	}
}

// ParseBufferedJSON extracts usage straight from a non-streaming
// upstream JSON body (used for the synthesis path before SSE framing
// is emitted, and for families whose streaming mode is forced off).
func ParseBufferedJSON(family config.Family, body []byte, logger *slog.Logger) Metrics {
	p := New(family, logger).(*sseScanner)
	if !gjson.ValidBytes(body) {
		if logger != nil {
			logger.Warn("usageparse: buffered body is not valid JSON")
		}
		return Metrics{}
	}
	p.onEvent(body, &p.metrics)
	return p.metrics.finalize()
}
