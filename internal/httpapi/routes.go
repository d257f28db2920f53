// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/edxeth/cli-proxy/internal/config"
)

// registerRoutes wires the route table of spec.md §6 plus the
// SPEC_FULL.md §4 operator endpoints onto mux. Routes are gated by
// family the way the table describes: Claude serves /v1/messages and
// the alternate /v1/chat/completions, Codex serves only /v1/responses,
// Legacy serves only /v1/chat/completions.
func registerRoutes(mux *http.ServeMux, d Deps) {
	switch d.Family {
	case config.Claude:
		mux.HandleFunc("POST /v1/messages", d.Pipeline.ServeHTTP)
		mux.HandleFunc("POST /v1/chat/completions", d.Pipeline.ServeHTTP)
	case config.Codex:
		mux.HandleFunc("POST /v1/responses", d.Pipeline.ServeHTTP)
		mux.HandleFunc("POST /api/codex/build-body", codexBuildBody(d))
		mux.HandleFunc("POST /api/codex/quick-send", codexQuickSend(d))
	case config.Legacy:
		mux.HandleFunc("POST /v1/chat/completions", d.Pipeline.ServeHTTP)
	}

	mux.HandleFunc("GET /health", healthHandler(d))
	mux.HandleFunc("GET /ws/realtime", realtimeHandler(d))

	mux.HandleFunc("POST /api/failures/reset", failuresResetHandler(d))
	mux.HandleFunc("GET /api/requests", requestsListHandler(d))
	mux.HandleFunc("GET /api/requests/{id}", requestGetHandler(d))
	mux.HandleFunc("POST /api/configs/{family}", configsPutHandler(d))
	mux.HandleFunc("GET /api/configs/{family}", configsGetHandler(d))
}
