// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/edxeth/cli-proxy/internal/config"
)

type healthResponse struct {
	Status       string `json:"status"`
	PID          int    `json:"pid"`
	ActiveConfig string `json:"active_config"`
}

// healthHandler implements `GET /health` of spec.md §6:
// {status, pid, active_config}. active_config is an Active upstream
// from the family's current document, empty when none is set; when
// several are active, which one is reported is not defined.
func healthHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := firstActiveConfig(d.Store.GetFamily(d.Family))
		resp := healthResponse{Status: "ok", PID: os.Getpid(), ActiveConfig: active}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func firstActiveConfig(doc config.FamilyDoc) string {
	for name, cfg := range doc {
		if cfg.Active {
			return name
		}
	}
	return ""
}
