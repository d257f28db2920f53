// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSynthesizeEmptyContentWithToolCall(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`)
	out := Synthesize(200, body)
	events := strings.Split(strings.TrimRight(string(out), "\n"), "\n\n")
	require.Len(t, events, 3)

	first := strings.TrimPrefix(events[0], "data: ")
	assert.Equal(t, "", gjson.Get(first, "choices.0.delta.content").String())
	assert.True(t, gjson.Get(first, "choices.0.delta.tool_calls").Exists())

	final := strings.TrimPrefix(events[1], "data: ")
	assert.Equal(t, "tool_calls", gjson.Get(final, "choices.0.finish_reason").String())

	assert.Equal(t, "data: [DONE]", events[2])
}

func TestSynthesizeStopWhenNoToolCalls(t *testing.T) {
	body := []byte(`{"id":"abc","model":"gpt-test","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	out := Synthesize(200, body)
	s := string(out)
	assert.True(t, strings.Contains(s, `"content":"hi"`))
	assert.True(t, strings.Contains(s, `"finish_reason":"stop"`))
	assert.True(t, strings.Contains(s, `"id":"abc"`))
	assert.True(t, strings.HasSuffix(s, "data: [DONE]\n\n"))
}

func TestSynthesizeErrorEmitsSingleEventThenDone(t *testing.T) {
	body := []byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	out := Synthesize(400, body)
	events := strings.Split(strings.TrimRight(string(out), "\n"), "\n\n")
	require.Len(t, events, 2)
	assert.Contains(t, events[0], "bad request")
	assert.Equal(t, "data: [DONE]", events[1])
}

func TestSynthesizeMintsIDWhenAbsent(t *testing.T) {
	out := Synthesize(200, []byte(`{"choices":[{"message":{"role":"assistant","content":"x"}}]}`))
	assert.True(t, strings.Contains(string(out), `"id":"chatcmpl-`))
}
