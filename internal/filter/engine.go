// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter implements FilterEngine, the literal substring
// replace/remove redaction pipeline applied to outgoing request bodies
// (spec.md §4.2).
package filter

import (
	"bytes"

	"github.com/edxeth/cli-proxy/internal/config"
)

// Engine applies an ordered list of FilterRule to a byte slice. It
// intentionally does not use a JSON-path library like gjson/sjson:
// rules match literal byte spans anywhere in the serialized body, not
// named JSON fields, so a path-based tool does not apply here.
type Engine struct {
	rules []config.FilterRule
}

// New compiles rules into an Engine. Rules with an empty Source are
// skipped up front, per spec.md §4.2.
func New(rules []config.FilterRule) *Engine {
	compiled := make([]config.FilterRule, 0, len(rules))
	for _, r := range rules {
		if r.Source == "" {
			continue
		}
		compiled = append(compiled, r)
	}
	return &Engine{rules: compiled}
}

// Apply runs every rule left-to-right, each seeing the output of the
// one before it, and returns the rewritten body. If body contains none
// of the rules' Source literals, Apply returns a value equal to body
// (the idempotence invariant from spec.md §8).
func (e *Engine) Apply(body []byte) []byte {
	out := body
	for _, r := range e.rules {
		switch r.Op {
		case config.OpReplace:
			out = bytes.ReplaceAll(out, []byte(r.Source), []byte(r.Target))
		case config.OpRemove:
			out = bytes.ReplaceAll(out, []byte(r.Source), nil)
		}
	}
	return out
}
