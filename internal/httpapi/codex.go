// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
)

// codexBuildBody implements `POST /api/codex/build-body` (spec.md §6):
// returns the adapted upstream body and headers without sending
// anything, so external tooling can preview a Codex request.
func codexBuildBody(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHelperBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		upstreamBody, headers, pipeErr := d.Pipeline.BuildUpstreamBody("/v1/responses", body)
		if pipeErr != nil {
			writeJSONError(w, pipeErr.Status, pipeErr.Message)
			return
		}
		headerMap := make(map[string]string, len(headers))
		for k := range headers {
			headerMap[k] = headers.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"json":    json.RawMessage(upstreamBody),
			"headers": headerMap,
		})
	}
}

// codexQuickSend implements `POST /api/codex/quick-send` (spec.md §6):
// runs the full pipeline synchronously and returns the buffered
// response split into lines, for callers that don't want to consume
// an SSE stream themselves.
func codexQuickSend(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHelperBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		status, lines, pipeErr := d.Pipeline.QuickSend(r.Context(), "/v1/responses", body)
		if pipeErr != nil {
			writeJSONError(w, pipeErr.Status, pipeErr.Message)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status_code": status,
			"lines":       lines,
		})
	}
}

const maxHelperBodyBytes = 64 << 20

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
