// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package requestlog

import "time"

// Status is the lifecycle state of a RequestRecord. It only ever
// advances PENDING -> STREAMING -> {COMPLETED, FAILED}, never
// regresses (spec.md §8 invariant 4).
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusStreaming  Status = "STREAMING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// rank gives Status a total order so advance() can refuse regressions.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStreaming:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Usage mirrors usageparse.Metrics without importing that package,
// keeping requestlog's public API dependency-light; the pipeline
// converts at the boundary.
type Usage struct {
	Input        int `json:"input"`
	CachedCreate int `json:"cached_create"`
	CachedRead   int `json:"cached_read"`
	Output       int `json:"output"`
	Reasoning    int `json:"reasoning"`
	Total        int `json:"total"`
}

// Record is one persisted entry, the RequestRecord of spec.md §3.
type Record struct {
	RequestID       string            `json:"request_id"`
	TimestampStart  time.Time         `json:"timestamp_start"`
	TimestampEnd    time.Time         `json:"timestamp_end,omitempty"`
	Service         string            `json:"service"`
	Channel         string            `json:"channel"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	ModelOriginal   string            `json:"model_original"`
	ModelFinal      string            `json:"model_final"`
	StatusCode      int               `json:"status_code"`
	DurationMs      int64             `json:"duration_ms"`
	Status          Status            `json:"status"`
	OriginalBody    string            `json:"original_body"`
	FilteredBody    string            `json:"filtered_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseContent string            `json:"response_content"`
	Truncated       bool              `json:"truncated,omitempty"`
	Usage           Usage             `json:"usage"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Overflow        bool              `json:"overflow,omitempty"`
}

// advance moves r.Status to next if that is not a regression, and
// reports whether the move happened.
func (r *Record) advance(next Status) bool {
	if next.rank() < r.Status.rank() {
		return false
	}
	r.Status = next
	return true
}
