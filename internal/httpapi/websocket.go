// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader allows any origin: this proxy only ever binds 127.0.0.1 and
// has no browser-facing deployment of its own, matching spec.md §1's
// "local-only" scope.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	realtimeWriteWait  = 10 * time.Second
	realtimePingPeriod = 30 * time.Second
)

// realtimeHandler implements `GET /ws/realtime` of spec.md §6: a
// websocket stream of the JSON events RequestLog.Subscribe produces
// (§4.8): a snapshot event on connect, then started/progress/
// completed/failed events as they happen.
func realtimeHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		events := d.Log.Subscribe()

		ticker := time.NewTicker(realtimePingPeriod)
		defer ticker.Stop()

		// readPump drains client frames (pings/close) so control frames
		// are processed and a client disconnect ends the handler; this
		// handler never expects client-sent data frames. No read
		// deadline is set.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
