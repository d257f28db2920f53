// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// chunk mirrors an OpenAI chat.completion.chunk event. delta.Content
// carries no omitempty tag, so the key is always present, even as "".
type chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model,omitempty"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int    `json:"index"`
	Delta        delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Synthesize turns a buffered, non-streaming upstream JSON response
// into a synthesized SSE byte stream shaped like OpenAI's streaming
// chat completions, per spec.md §4.6(b). statusCode is the upstream
// HTTP status: a 4xx short-circuits to a single error event.
func Synthesize(statusCode int, body []byte) []byte {
	if statusCode >= 400 && statusCode < 500 {
		return synthesizeError(body)
	}
	return synthesizeSuccess(body)
}

func synthesizeError(body []byte) []byte {
	var out []byte
	out = append(out, []byte("data: ")...)
	if gjson.ValidBytes(body) {
		out = append(out, body...)
	} else {
		msg, _ := json.Marshal(map[string]any{"error": map[string]string{"message": string(body)}})
		out = append(out, msg...)
	}
	out = append(out, '\n', '\n')
	out = append(out, []byte("data: [DONE]\n\n")...)
	return out
}

func synthesizeSuccess(body []byte) []byte {
	root := gjson.ParseBytes(body)
	id := root.Get("id").String()
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	model := root.Get("model").String()
	created := time.Now().Unix()

	msg := root.Get("choices.0.message")
	role := msg.Get("role").String()
	if role == "" {
		role = "assistant"
	}
	content := ""
	if v := msg.Get("content"); v.Exists() && v.Type != gjson.Null {
		content = v.String()
	}
	var toolCalls json.RawMessage
	finish := "stop"
	if tc := msg.Get("tool_calls"); tc.Exists() && tc.IsArray() && len(tc.Raw) > 2 {
		toolCalls = json.RawMessage(tc.Raw)
		finish = "tool_calls"
	}
	if fr := root.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" && toolCalls == nil {
		finish = fr.String()
	}

	first := chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []choice{{Index: 0, Delta: delta{Role: role, Content: content, ToolCalls: toolCalls}}},
	}
	final := chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []choice{{Index: 0, Delta: delta{}, FinishReason: finish}},
	}

	var out []byte
	out = append(out, sseEvent(first)...)
	out = append(out, sseEvent(final)...)
	out = append(out, []byte("data: [DONE]\n\n")...)
	return out
}

func sseEvent(c chunk) []byte {
	b, err := json.Marshal(c)
	if err != nil {
		// Marshal of a fully concrete struct with valid RawMessage fields
		// cannot fail in practice; surface a visibly malformed event
		// rather than panicking mid-stream.
		b = []byte(fmt.Sprintf(`{"error":"synthesis marshal failed: %s"}`, err))
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, []byte("data: ")...)
	out = append(out, b...)
	out = append(out, '\n', '\n')
	return out
}
