// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package family

import "net/http"

// codexAdapter implements the OpenAI Responses family.
type codexAdapter struct{}

func (codexAdapter) CanonicalPath(requestPath string) (string, bool) {
	if requestPath != "/v1/responses" {
		return "/v1/responses", true
	}
	return "/v1/responses", false
}

// codexRejectedFields are pruned from the body because the upstream
// is known to reject them (spec.md §4.5 step 2).
var codexRejectedFields = []string{"max_output_tokens", "service_tier"}

// Backfill ensures store=false, stream=true, and an instructions
// block, then prunes fields the upstream rejects. Codex always
// streams upstream regardless of the client's own preference (spec.md
// §4.5 step 2, §8 scenario 4: "body containing store=false, stream=true
// even if client omitted them"); forceStream is unused here and kept
// only so Adapter.Backfill has one signature across families.
func (codexAdapter) Backfill(body []byte, _ *bool) ([]byte, error) {
	var err error
	body, err = setAlways(body, "store", false)
	if err != nil {
		return nil, err
	}
	body, err = setAlways(body, "stream", true)
	if err != nil {
		return nil, err
	}
	body, err = setIfAbsent(body, "instructions", defaultCodexInstructions)
	if err != nil {
		return nil, err
	}
	for _, field := range codexRejectedFields {
		body, err = deleteIfPresent(body, field)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// defaultCodexInstructions is the instructions block injected when
// the client omitted one.
const defaultCodexInstructions = "You are a helpful coding assistant."

func (codexAdapter) Headers(streaming bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("OpenAI-Beta", "responses=experimental")
	if streaming {
		h.Set("Accept", "text/event-stream")
		h.Set("Accept-Encoding", "identity")
	}
	return h
}

func (codexAdapter) WantsToolStreamWorkaround([]byte) bool {
	return false
}

// AdaptBody is the identity transform: Codex's alternate endpoint
// already posts a Chat-shaped body that upstream accepts as-is once
// Backfill has run.
func (codexAdapter) AdaptBody(body []byte) ([]byte, error) {
	return body, nil
}
