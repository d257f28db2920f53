// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package requestlog implements RequestLog: an append-only JSONL store
// with a bounded in-memory tail and a realtime event fan-out
// (spec.md §4.8).
package requestlog

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// maxContentBytes bounds persisted content bodies before setting the
// Truncated flag (spec.md §4.8).
const maxContentBytes = 1 << 20

// writeQueueSize is the append-goroutine's channel length (spec.md §5).
const writeQueueSize = 256

// Log is one family's request log: JSONL file, in-memory ring, and
// realtime subscriber fan-out. The append goroutine is
// single-threaded per family, matching spec.md §5's "one
// append-goroutine per family" requirement.
type Log struct {
	family string
	path   string
	logger *slog.Logger
	limit  int

	writeCh  chan Record
	overflow int32 // atomic bool

	mu      sync.Mutex
	ring    []Record
	byID    map[string]int // request_id -> index into ring

	subMu   sync.Mutex
	nextSub int64
	subs    []*subscriber

	closeOnce sync.Once
	done      chan struct{}
}

// New opens (creating if necessary) the JSONL file at path and starts
// the append goroutine. limit is the ring's capacity.
func New(family, path string, limit int, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 50
	}
	l := &Log{
		family:  family,
		path:    path,
		logger:  logger,
		limit:   limit,
		writeCh: make(chan Record, writeQueueSize),
		byID:    map[string]int{},
		done:    make(chan struct{}),
	}
	if err := l.loadExisting(); err != nil {
		return nil, err
	}
	go l.writer()
	return l, nil
}

func (l *Log) loadExisting() error {
	f, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("requestlog: open %s: %w", l.path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*maxContentBytes)
	var tail []Record
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		tail = append(tail, rec)
		if len(tail) > l.limit {
			tail = tail[1:]
		}
	}
	l.mu.Lock()
	l.ring = tail
	for i, r := range l.ring {
		l.byID[r.RequestID] = i
	}
	l.mu.Unlock()
	return nil
}

// writer is the single append goroutine. It flushes one Record per
// receive with a best-effort fsync (spec.md §1 Non-goals: "no
// persistence guarantees stronger than append, best-effort fsync").
func (l *Log) writer() {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error("requestlog: cannot open for append", slog.String("path", l.path), slog.Any("error", err))
		return
	}
	defer f.Close()
	for {
		select {
		case rec, ok := <-l.writeCh:
			if !ok {
				return
			}
			if atomic.CompareAndSwapInt32(&l.overflow, 1, 0) {
				rec.Overflow = true
			}
			b, err := json.Marshal(rec)
			if err != nil {
				l.logger.Error("requestlog: marshal failed", slog.Any("error", err))
				continue
			}
			b = append(b, '\n')
			if _, err := f.Write(b); err != nil {
				l.logger.Error("requestlog: write failed", slog.Any("error", err))
				continue
			}
			_ = f.Sync()
		case <-l.done:
			return
		}
	}
}

// enqueue drops the record if the writer can't keep up, marking
// overflow for the next successful append (spec.md §5).
func (l *Log) enqueue(rec Record) {
	select {
	case l.writeCh <- rec:
	default:
		atomic.StoreInt32(&l.overflow, 1)
		l.logger.Warn("requestlog: write queue full, dropping record", slog.String("request_id", rec.RequestID))
	}
}

// truncate enforces the 1 MiB content cap and sets Truncated.
func truncate(s string) (string, bool) {
	if len(s) <= maxContentBytes {
		return s, false
	}
	return s[:maxContentBytes], true
}

// EncodeBody base64-encodes a raw body for OriginalBody/FilteredBody/
// ResponseContent fields.
func EncodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (l *Log) ringUpsert(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.byID[rec.RequestID]; ok {
		l.ring[idx] = rec
		return
	}
	l.ring = append(l.ring, rec)
	l.byID[rec.RequestID] = len(l.ring) - 1
	if len(l.ring) > l.limit {
		evicted := l.ring[0]
		l.ring = l.ring[1:]
		delete(l.byID, evicted.RequestID)
		for id, idx := range l.byID {
			l.byID[id] = idx - 1
		}
	}
}

func (l *Log) publish(ev Event) {
	l.subMu.Lock()
	subs := l.subs
	l.subMu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			l.dropSubscriber(s.id)
		}
	}
}

func (l *Log) dropSubscriber(id int64) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			close(s.ch)
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a listener and immediately delivers a snapshot
// event replaying the current ring, per spec.md §4.8. The returned
// channel is closed when the subscriber is dropped or Close is called;
// callers should range over it.
func (l *Log) Subscribe() <-chan Event {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueSize)}
	l.subs = append(l.subs, sub)
	l.subMu.Unlock()

	l.mu.Lock()
	snap := append([]Record(nil), l.ring...)
	l.mu.Unlock()
	sub.ch <- Event{Kind: EventSnapshot, Records: snap}
	return sub.ch
}

// List returns up to limit of the most recent records, newest last.
func (l *Log) List(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	start := len(l.ring) - limit
	out := make([]Record, limit)
	copy(out, l.ring[start:])
	return out
}

// Get returns a single record by request ID.
func (l *Log) Get(requestID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[requestID]
	if !ok {
		return Record{}, false
	}
	return l.ring[idx], true
}

// Clear wipes the file and the ring. It does not reset usage
// aggregates: those live in usageparse.Aggregator, which Log holds no
// reference to.
func (l *Log) Clear() error {
	l.mu.Lock()
	l.ring = nil
	l.byID = map[string]int{}
	l.mu.Unlock()
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("requestlog: truncate %s: %w", l.path, err)
	}
	return nil
}

// Close stops the append goroutine and drops all subscribers.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.subMu.Lock()
		for _, s := range l.subs {
			close(s.ch)
		}
		l.subs = nil
		l.subMu.Unlock()
	})
}

// Begin creates a PENDING record for a new request, stores it in the
// ring, publishes a "started" event, and returns an Entry handle for
// the rest of the request lifecycle.
func (l *Log) Begin(requestID, service, channel, method, path, modelOriginal string, start time.Time) *Entry {
	rec := Record{
		RequestID:      requestID,
		TimestampStart: start,
		Service:        service,
		Channel:        channel,
		Method:         method,
		Path:           path,
		ModelOriginal:  modelOriginal,
		Status:         StatusPending,
	}
	l.ringUpsert(rec)
	l.publish(Event{Kind: EventStarted, Record: rec})
	return &Entry{log: l, rec: rec, lastProgress: time.Time{}}
}

// Entry tracks one in-flight request's RequestRecord through the
// PENDING -> STREAMING -> {COMPLETED,FAILED} lifecycle.
type Entry struct {
	mu           sync.Mutex
	log          *Log
	rec          Record
	lastProgress time.Time
}

// progressMinInterval caps progress events at roughly 10Hz, per
// spec.md §4.8.
const progressMinInterval = 100 * time.Millisecond

// SetBodies records the original and filtered request bodies.
func (e *Entry) SetBodies(original, filtered []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.OriginalBody = EncodeBody(original)
	e.rec.FilteredBody = EncodeBody(filtered)
	e.log.ringUpsert(e.rec)
}

// SetChannel records the selected upstream config's name, the
// usage-aggregation "channel" key of the glossary.
func (e *Entry) SetChannel(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Channel = channel
	e.log.ringUpsert(e.rec)
}

// SetModelFinal records the post-rewrite model name.
func (e *Entry) SetModelFinal(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.ModelFinal = model
	e.log.ringUpsert(e.rec)
}

// MarkStreaming advances the record to STREAMING on the first upstream
// byte.
func (e *Entry) MarkStreaming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.advance(StatusStreaming) {
		return
	}
	e.log.ringUpsert(e.rec)
}

// Progress appends a response delta, coalescing at ≤10Hz.
func (e *Entry) Progress(delta []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	content, truncated := truncate(e.rec.ResponseContent + string(delta))
	e.rec.ResponseContent = content
	e.rec.Truncated = e.rec.Truncated || truncated
	if now.Sub(e.lastProgress) < progressMinInterval {
		return
	}
	e.lastProgress = now
	e.log.publish(Event{Kind: EventProgress, Record: e.rec, Delta: string(delta)})
}

// Complete finalizes the record as COMPLETED.
func (e *Entry) Complete(statusCode int, headers map[string]string, usage Usage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.StatusCode = statusCode
	e.rec.ResponseHeaders = headers
	e.rec.Usage = usage
	e.rec.TimestampEnd = time.Now()
	e.rec.DurationMs = e.rec.TimestampEnd.Sub(e.rec.TimestampStart).Milliseconds()
	e.rec.advance(StatusCompleted)
	e.log.ringUpsert(e.rec)
	e.log.enqueue(e.rec)
	e.log.publish(Event{Kind: EventCompleted, Record: e.rec})
}

// Fail finalizes the record as FAILED with an error kind/message
// (spec.md §7's ERR_* kinds).
func (e *Entry) Fail(statusCode int, errKind, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.StatusCode = statusCode
	e.rec.ErrorMessage = fmt.Sprintf("%s: %s", errKind, message)
	e.rec.TimestampEnd = time.Now()
	e.rec.DurationMs = e.rec.TimestampEnd.Sub(e.rec.TimestampStart).Milliseconds()
	e.rec.advance(StatusFailed)
	e.log.ringUpsert(e.rec)
	e.log.enqueue(e.rec)
	e.log.publish(Event{Kind: EventFailed, Record: e.rec})
}
