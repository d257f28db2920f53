// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi binds the per-family HTTP surface of spec.md §6: the
// proxy routes themselves, the realtime /ws/realtime feed, and the
// operator helper endpoints of SPEC_FULL.md §4. It mirrors the teacher
// extproc admin server's split between a request-serving listener and
// a separate admin listener (cmd/extproc/mainlib/admin.go), scaled to
// three family services instead of one gRPC filter.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/metrics"
	"github.com/edxeth/cli-proxy/internal/pipeline"
	"github.com/edxeth/cli-proxy/internal/pool"
	"github.com/edxeth/cli-proxy/internal/requestlog"
)

// Ports are the compiled-in constants of spec.md §6. Admin ports are
// family port + 100, chosen to avoid clashing with the fixed family
// ports (SPEC_FULL.md §3.10).
const (
	ClaudePort = 3210
	CodexPort  = 3211
	LegacyPort = 3212

	ClaudeAdminPort = ClaudePort + 100
	CodexAdminPort  = CodexPort + 100
	LegacyAdminPort = LegacyPort + 100
)

// PortFor returns the compiled-in port for a family.
func PortFor(f config.Family) int {
	switch f {
	case config.Claude:
		return ClaudePort
	case config.Codex:
		return CodexPort
	default:
		return LegacyPort
	}
}

// AdminPortFor returns the admin port for a family.
func AdminPortFor(f config.Family) int {
	return PortFor(f) + 100
}

// Service is one family's pair of listeners: the request-serving
// server on PortFor(family) and the admin server (/health, /metrics)
// on AdminPortFor(family).
type Service struct {
	Family config.Family
	Logger *slog.Logger

	server      *http.Server
	adminServer *http.Server
}

// Deps bundles everything a Service needs to build its route table.
type Deps struct {
	Family    config.Family
	Store     *config.Store
	Pool      *pool.Pool
	Pipeline  *pipeline.Pipeline
	Log       *requestlog.Log
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

// New builds a Service bound to 127.0.0.1:<family port>/<admin port>
// but does not start it; call Start.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	registerRoutes(mux, d)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registerer, promhttp.HandlerOpts{}))
	adminMux.HandleFunc("/health", healthHandler(d))

	return &Service{
		Family: d.Family,
		Logger: logger,
		server: &http.Server{
			Addr:              addr(PortFor(d.Family)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		adminServer: &http.Server{
			Addr:              addr(AdminPortFor(d.Family)),
			Handler:           adminMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// Start runs both listeners in background goroutines and logs any
// error other than a clean Shutdown.
func (s *Service) Start() {
	go func() {
		s.Logger.Info("starting family server", slog.String("family", string(s.Family)), slog.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("family server failed", slog.String("family", string(s.Family)), slog.Any("error", err))
		}
	}()
	go func() {
		s.Logger.Info("starting admin server", slog.String("family", string(s.Family)), slog.String("addr", s.adminServer.Addr))
		if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("admin server failed", slog.String("family", string(s.Family)), slog.Any("error", err))
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (s *Service) Shutdown(ctx context.Context) error {
	err1 := s.server.Shutdown(ctx)
	err2 := s.adminServer.Shutdown(ctx)
	if err1 != nil {
		return err1
	}
	return err2
}
