// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 30 * time.Second
	writeTimeout   = 30 * time.Second
)

// newUpstreamClient builds the HTTP client used for every upstream
// call, per spec.md §4.5 step 5: "no read timeout (streams may last
// minutes); 30-second connect timeout; 30-second write timeout;
// indefinite idle."
func newUpstreamClient() *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &writeDeadlineConn{Conn: conn}, nil
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       0,
		ResponseHeaderTimeout: 0,
	}
	return &http.Client{Transport: transport}
}

// writeDeadlineConn enforces writeTimeout on every Write without
// touching read deadlines, so a slow upstream write fails fast while
// a long-lived SSE read never does.
type writeDeadlineConn struct {
	net.Conn
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, err
	}
	defer c.Conn.SetWriteDeadline(time.Time{})
	return c.Conn.Write(p)
}
