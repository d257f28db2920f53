// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package family

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// claudeAdapter implements the Anthropic Messages family.
type claudeAdapter struct{}

func (claudeAdapter) CanonicalPath(requestPath string) (string, bool) {
	if requestPath == "/v1/chat/completions" {
		return "/v1/messages", true
	}
	return "/v1/messages", false
}

// Backfill injects a stable metadata.user_id when absent (spec.md
// §4.5 step 2). The Authorization-vs-x-api-key strip happens in
// pipeline.forward via StripAuthorizationIfAPIKey, since it depends on
// which credential field is set.
func (claudeAdapter) Backfill(body []byte, _ *bool) ([]byte, error) {
	if gjson.GetBytes(body, "metadata.user_id").Exists() {
		return body, nil
	}
	userID := fmt.Sprintf("user_%s_cli_proxy_account__session_%s", randomHex(16), randomHex(8))
	return setIfAbsent(body, "metadata.user_id", userID)
}

func (claudeAdapter) Headers(streaming bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "cli-proxy/1.0 claude-sdk-go/1.0")
	h.Set("anthropic-version", "2023-06-01")
	h.Set("X-Stainless-Lang", "go")
	h.Set("X-Stainless-Package-Version", "1.0.0")
	if streaming {
		h.Set("Accept", "text/event-stream")
		h.Set("Accept-Encoding", "identity")
	}
	return h
}

func (claudeAdapter) WantsToolStreamWorkaround([]byte) bool {
	return false
}

// AdaptBody hoists an OpenAI-chat-shaped leading "system" role message
// into Anthropic's top-level "system" field, the one structural
// difference between Chat Completions and Messages request bodies
// that matters for a passthrough proxy (spec.md §4.5 step 2).
func (claudeAdapter) AdaptBody(body []byte) ([]byte, error) {
	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) == 0 || msgs[0].Get("role").String() != "system" {
		return body, nil
	}
	system := msgs[0].Get("content").String()
	rest := msgs[1:]
	contents := make([]any, 0, len(rest))
	for _, m := range rest {
		contents = append(contents, m.Value())
	}
	out, err := sjson.SetBytes(body, "messages", contents)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "system", system)
}

// StripAuthorizationIfAPIKey reports whether the Authorization header
// must be dropped: Claude sends exactly one credential upstream, and
// x-api-key takes precedence when both were somehow set (spec.md
// §4.5 step 2: "strips Authorization: Bearer … when x-api-key is
// present").
func StripAuthorizationIfAPIKey(apiKeyPresent bool) bool {
	return apiKeyPresent
}
