// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package family implements the per-family differences of spec.md
// §4.5 step 2: route paths, header normalization, body backfill, and
// model rewriting. One Adapter per provider family; the pipeline
// dispatches to the right one by config.Family.
package family

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/edxeth/cli-proxy/internal/config"
)

// Adapter is the family-specific seam the pipeline calls into during
// Transform and Forward.
type Adapter interface {
	// CanonicalPath returns the upstream path a request should be sent
	// to, and whether the client's incoming path was an alternate
	// endpoint that required body reshaping (e.g. Chat on Claude).
	CanonicalPath(requestPath string) (path string, alternate bool)

	// Backfill mutates body to satisfy family-specific requirements
	// (spec.md §4.5 step 2). forceStream, when non-nil, is the final
	// streaming decision after the tri-state/client negotiation.
	Backfill(body []byte, forceStream *bool) ([]byte, error)

	// Headers returns the family-canonical headers to set on the
	// upstream request, given whether the call will stream.
	Headers(streaming bool) http.Header

	// WantsToolStreamWorkaround reports whether, for this family, a
	// request containing tools must be forced non-streaming upstream
	// and synthesized back (spec.md §4.6(b): "Legacy family does this
	// whenever the request contains tools").
	WantsToolStreamWorkaround(body []byte) bool

	// AdaptBody reshapes body when CanonicalPath reported an alternate
	// endpoint (spec.md §4.5 step 2: "adapt body shape via
	// FamilyAdapter"). Families whose alternate endpoint already shares
	// a shape with the canonical one return body unchanged.
	AdaptBody(body []byte) ([]byte, error)
}

// New returns the Adapter for family f.
func New(f config.Family) Adapter {
	switch f {
	case config.Claude:
		return claudeAdapter{}
	case config.Codex:
		return codexAdapter{}
	default:
		return legacyAdapter{}
	}
}

// randomHex returns n random bytes hex-encoded, used to build the
// stable-shaped metadata.user_id Claude expects.
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// setIfAbsent sets path to value only if it doesn't already exist in
// body, mirroring the teacher's sjson.SetBytesOptions idiom.
func setIfAbsent(body []byte, path string, value any) ([]byte, error) {
	if gjson.GetBytes(body, path).Exists() {
		return body, nil
	}
	return sjson.SetBytes(body, path, value)
}

// setAlways sets path to value unconditionally.
func setAlways(body []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(body, path, value)
}

// deleteIfPresent removes path from body if present.
func deleteIfPresent(body []byte, path string) ([]byte, error) {
	if !gjson.GetBytes(body, path).Exists() {
		return body, nil
	}
	return sjson.DeleteBytes(body, path)
}
