// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package family

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/edxeth/cli-proxy/internal/config"
)

func TestClaudeCanonicalPathRewritesChatEndpoint(t *testing.T) {
	a := New(config.Claude)
	path, alt := a.CanonicalPath("/v1/chat/completions")
	assert.Equal(t, "/v1/messages", path)
	assert.True(t, alt)

	path, alt = a.CanonicalPath("/v1/messages")
	assert.Equal(t, "/v1/messages", path)
	assert.False(t, alt)
}

func TestClaudeBackfillInjectsUserIDOnce(t *testing.T) {
	a := New(config.Claude)
	out, err := a.Backfill([]byte(`{"model":"claude-3"}`), nil)
	require.NoError(t, err)
	userID := gjson.GetBytes(out, "metadata.user_id").String()
	assert.Regexp(t, `^user_[0-9a-f]{32}_cli_proxy_account__session_[0-9a-f]{16}$`, userID)

	out2, err := a.Backfill(out, nil)
	require.NoError(t, err)
	assert.Equal(t, userID, gjson.GetBytes(out2, "metadata.user_id").String())
}

func TestCodexBackfillForcesStoreAndStreamAndPrunesRejected(t *testing.T) {
	a := New(config.Codex)
	stream := true
	out, err := a.Backfill([]byte(`{"model":"gpt-5-codex","max_output_tokens":10,"service_tier":"x"}`), &stream)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "store").Bool())
	assert.True(t, gjson.GetBytes(out, "stream").Bool())
	assert.False(t, gjson.GetBytes(out, "max_output_tokens").Exists())
	assert.False(t, gjson.GetBytes(out, "service_tier").Exists())
	assert.NotEmpty(t, gjson.GetBytes(out, "instructions").String())
}

func TestLegacyBackfillMatchesFinalStreamMode(t *testing.T) {
	a := New(config.Legacy)
	noStream := false
	out, err := a.Backfill([]byte(`{"model":"m","stream":true}`), &noStream)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "stream").Bool())
}

func TestLegacyWantsToolStreamWorkaroundOnlyWithTools(t *testing.T) {
	a := New(config.Legacy)
	assert.True(t, a.WantsToolStreamWorkaround([]byte(`{"tools":[{"type":"function"}]}`)))
	assert.False(t, a.WantsToolStreamWorkaround([]byte(`{"tools":[]}`)))
	assert.False(t, a.WantsToolStreamWorkaround([]byte(`{}`)))
}

func TestClaudeAdaptBodyHoistsSystemMessage(t *testing.T) {
	a := New(config.Claude)
	body := []byte(`{"model":"m","messages":[{"role":"system","content":"be nice"},{"role":"user","content":"hi"}]}`)
	out, err := a.AdaptBody(body)
	require.NoError(t, err)
	assert.Equal(t, "be nice", gjson.GetBytes(out, "system").String())
	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
}

func TestCodexCanonicalPathRewritesAlternate(t *testing.T) {
	a := New(config.Codex)
	path, alt := a.CanonicalPath("/v1/chat/completions")
	assert.Equal(t, "/v1/responses", path)
	assert.True(t, alt)
}
