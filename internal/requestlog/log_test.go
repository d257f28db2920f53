// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package requestlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude.jsonl")
	l, err := New("claude", path, 3, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestBeginCompleteAdvancesStatus(t *testing.T) {
	l := newTestLog(t)
	e := l.Begin("req-1", "claude", "primary", "POST", "/v1/messages", "claude-3", time.Now())
	e.MarkStreaming()
	e.Complete(200, map[string]string{"content-type": "text/event-stream"}, Usage{Input: 1, Output: 2, Total: 3})

	rec, ok := l.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 200, rec.StatusCode)
}

func TestCompleteNeverRegressesStatus(t *testing.T) {
	l := newTestLog(t)
	e := l.Begin("req-1", "claude", "primary", "POST", "/v1/messages", "claude-3", time.Now())
	e.Complete(200, nil, Usage{})
	e.MarkStreaming() // must not regress COMPLETED back to STREAMING

	rec, ok := l.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRingEvictsOldestBeyondLimit(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		e := l.Begin(id, "claude", "primary", "POST", "/v1/messages", "claude-3", time.Now())
		e.Complete(200, nil, Usage{})
	}
	all := l.List(0)
	assert.Len(t, all, 3)
	_, ok := l.Get("a")
	assert.False(t, ok, "oldest record should have been evicted")
}

func TestSubscribeDeliversSnapshotThenLiveEvents(t *testing.T) {
	l := newTestLog(t)
	e := l.Begin("req-1", "claude", "primary", "POST", "/v1/messages", "claude-3", time.Now())

	ch := l.Subscribe()
	snapshot := <-ch
	assert.Equal(t, EventSnapshot, snapshot.Kind)

	e.Complete(200, nil, Usage{})
	ev := <-ch
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.Equal(t, "req-1", ev.Record.RequestID)
}

func TestClearEmptiesRingAndFile(t *testing.T) {
	l := newTestLog(t)
	e := l.Begin("req-1", "claude", "primary", "POST", "/v1/messages", "claude-3", time.Now())
	e.Complete(200, nil, Usage{})

	require.NoError(t, l.Clear())
	assert.Empty(t, l.List(0))
	_, ok := l.Get("req-1")
	assert.False(t, ok)
}
