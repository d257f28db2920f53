// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the per-(family, config-name) sliding
// window admission control described in spec.md §4.3: at most
// floor(rpm*0.9) admissions in any trailing 60s window, FIFO blocking
// on exhaustion, cancellation-aware.
package ratelimit

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"
)

const window = 60 * time.Second

// safetyMargin shaves 10% off the configured rpm_limit so upstream
// clock skew doesn't tip the proxy over the upstream's own cap
// (spec.md §4.3).
const safetyMargin = 0.9

// effectiveLimit applies the safety margin. rpm<=0 means unlimited,
// represented as limit 0.
func effectiveLimit(rpm int) int {
	if rpm <= 0 {
		return 0
	}
	return int(math.Floor(float64(rpm) * safetyMargin))
}

type waiter struct {
	ch chan struct{}
}

// Limiter is one logical rate limiter for a single (family, config)
// pair. The zero value is not usable; construct with newLimiter.
type Limiter struct {
	mu     sync.Mutex
	limit  int // 0 = unlimited
	stamps []time.Time
	queue  *list.List

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newLimiter(rpm int) *Limiter {
	l := &Limiter{
		limit:  effectiveLimit(rpm),
		queue:  list.New(),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go l.pump()
	return l
}

// SetRPM resizes the admission ceiling on the next admission,
// per spec.md §4.3 ("changing rpm_limit ... resizes the window on
// next admission").
func (l *Limiter) SetRPM(rpm int) {
	l.mu.Lock()
	l.limit = effectiveLimit(rpm)
	l.mu.Unlock()
	l.signal()
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close stops the limiter's background goroutine. Any waiters still
// queued are released and their Admit returns ctx.Err(), which is nil
// while their ctx is live, so they proceed as admitted; callers holding
// a reference should treat a closed Limiter's Admit as unusable.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *Limiter) prune(now time.Time) {
	cut := now.Add(-window)
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cut) {
		i++
	}
	if i > 0 {
		l.stamps = l.stamps[i:]
	}
}

// Admit blocks until the request is allowed to proceed, or ctx is
// cancelled. A nil error means admitted; a non-nil error is always
// ctx.Err(), surfaced by the pipeline as ERR_RATE_WAIT_CANCEL
// (spec.md §7).
func (l *Limiter) Admit(ctx context.Context) error {
	l.mu.Lock()
	if l.limit == 0 {
		l.mu.Unlock()
		return nil
	}
	now := time.Now()
	l.prune(now)
	if len(l.stamps) < l.limit && l.queue.Len() == 0 {
		l.stamps = append(l.stamps, now)
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	elem := l.queue.PushBack(w)
	l.mu.Unlock()
	l.signal()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.queue.Remove(elem)
		l.mu.Unlock()
		return ctx.Err()
	case <-l.closed:
		return ctx.Err()
	}
}

// pump is the single goroutine that owns admission order: it wakes the
// oldest queued waiter as soon as a slot in the trailing window frees
// up, preserving FIFO order per config (spec.md §5).
func (l *Limiter) pump() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)
		for l.limit > 0 && len(l.stamps) < l.limit && l.queue.Len() > 0 {
			front := l.queue.Front()
			l.queue.Remove(front)
			l.stamps = append(l.stamps, now)
			close(front.Value.(*waiter).ch)
		}
		var wait time.Duration
		switch {
		case l.queue.Len() == 0:
			wait = time.Hour
		case len(l.stamps) == 0:
			wait = 0
		default:
			wait = time.Until(l.stamps[0].Add(window))
			if wait < 0 {
				wait = 0
			}
		}
		l.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-l.wake:
		case <-l.closed:
			return
		}
	}
}
