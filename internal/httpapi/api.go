// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/edxeth/cli-proxy/internal/config"
)

// failuresResetRequest is the body of `POST /api/failures/reset`
// (SPEC_FULL.md §4): name is optional, clearing every config's
// failure state for the family when omitted.
type failuresResetRequest struct {
	Name string `json:"name"`
}

func failuresResetHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failuresResetRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHelperBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
				return
			}
		}
		if err := d.Pool.Reset(d.Family, req.Name); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// requestsListHandler implements `GET /api/requests` (SPEC_FULL.md
// §4): a thin wrapper over RequestLog.List. ?limit caps the page size.
func requestsListHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		records := d.Log.List(limit)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}
}

// requestGetHandler implements `GET /api/requests/{id}`.
func requestGetHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, ok := d.Log.Get(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no such request id")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	}
}

// configsGetHandler implements `GET /api/configs/{family}` over
// ConfigStore.GetFamily, one of the CRUD helpers of SPEC_FULL.md §4.
func configsGetHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseFamily(r.PathValue("family"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown family")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Store.GetFamily(f))
	}
}

// configsPutHandler implements `POST /api/configs/{family}` over
// ConfigStore.PutFamily.
func configsPutHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseFamily(r.PathValue("family"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown family")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHelperBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		var doc config.FamilyDoc
		if err := json.Unmarshal(body, &doc); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
			return
		}
		if err := d.Store.PutFamily(f, doc); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseFamily(s string) (config.Family, bool) {
	for _, f := range config.Families {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}
