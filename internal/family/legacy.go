// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package family

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// legacyAdapter implements the OpenAI Chat Completions family.
type legacyAdapter struct{}

func (legacyAdapter) CanonicalPath(requestPath string) (string, bool) {
	if requestPath != "/v1/chat/completions" {
		return "/v1/chat/completions", true
	}
	return "/v1/chat/completions", false
}

// Backfill ensures the body's "stream" field matches the final mode
// decided by the pipeline (spec.md §4.5 step 2).
func (legacyAdapter) Backfill(body []byte, forceStream *bool) ([]byte, error) {
	if forceStream == nil {
		return body, nil
	}
	return setAlways(body, "stream", *forceStream)
}

func (legacyAdapter) Headers(streaming bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if streaming {
		h.Set("Accept", "text/event-stream")
		h.Set("Accept-Encoding", "identity")
	}
	return h
}

// WantsToolStreamWorkaround reports true whenever the request carries
// a non-empty tools array: some upstreams reject streaming+tools, so
// the pipeline forces upstream stream=false and synthesizes SSE back
// to the client (spec.md §4.6(b)).
func (legacyAdapter) WantsToolStreamWorkaround(body []byte) bool {
	tools := gjson.GetBytes(body, "tools")
	return tools.Exists() && tools.IsArray() && len(tools.Array()) > 0
}

// AdaptBody is the identity transform: Legacy has no alternate
// endpoint of its own (it IS the Chat Completions shape).
func (legacyAdapter) AdaptBody(body []byte) ([]byte, error) {
	return body, nil
}
