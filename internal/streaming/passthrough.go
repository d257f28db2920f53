// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"bufio"
	"context"
	"io"
	"net/http"
)

// Sink receives every chunk read from upstream, in order. Used to
// wire UsageParser and the RequestLog's Progress callback onto the
// same tee without the forwarder knowing about either (spec.md §4.6,
// §4.7: "Simultaneously tee into ... UsageParser").
type Sink interface {
	Feed(chunk []byte)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(chunk []byte)

func (f SinkFunc) Feed(chunk []byte) { f(chunk) }

// Passthrough copies body, unmodified, from upstream to w, flushing
// after every read so SSE/NDJSON clients see bytes as they arrive. It
// tees every chunk to sinks and keeps a bounded ring for later
// inspection. Backpressure comes for free: a slow client write blocks
// the next upstream read, same as an io.Copy would.
//
// Passthrough returns once body is exhausted, ctx is done, or a write
// to w fails (the last case returned as an error so the caller can
// classify it as ERR_CLIENT_DISCONNECT vs ERR_UPSTREAM_IO).
type Passthrough struct {
	ring *ring
}

// NewPassthrough builds a forwarder with a ring buffer capped at
// capBytes (0 selects the spec default of 1 MiB).
func NewPassthrough(capBytes int) *Passthrough {
	return &Passthrough{ring: newRing(capBytes)}
}

// Flusher is satisfied by http.ResponseWriter in practice; kept as an
// interface so tests can supply a bare io.Writer.
type Flusher interface {
	io.Writer
	Flush()
}

type writeFlusher struct {
	w http.ResponseWriter
}

func (wf writeFlusher) Write(p []byte) (int, error) { return wf.w.Write(p) }
func (wf writeFlusher) Flush() {
	if f, ok := wf.w.(http.Flusher); ok {
		f.Flush()
	}
}

// ResponseFlusher wraps an http.ResponseWriter as a Flusher.
func ResponseFlusher(w http.ResponseWriter) Flusher { return writeFlusher{w: w} }

const copyBufSize = 32 * 1024

// Copy streams body to dst, teeing every chunk to sinks and the
// internal ring. It returns the number of bytes copied and the first
// error encountered reading body or writing dst.
func (p *Passthrough) Copy(ctx context.Context, dst Flusher, body io.Reader, sinks ...Sink) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	r := bufio.NewReaderSize(body, copyBufSize)
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.ring.Write(chunk)
			for _, s := range sinks {
				if s != nil {
					s.Feed(chunk)
				}
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return total, werr
			}
			dst.Flush()
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// Tail returns the most recent bytes of what was streamed, and
// whether the ring had to drop leading bytes to stay bounded.
func (p *Passthrough) Tail(total int64) ([]byte, bool) {
	return p.ring.Bytes(), p.ring.Truncated(total)
}
