// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/edxeth/cli-proxy/internal/clphome"
	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/httpapi"
	"github.com/edxeth/cli-proxy/internal/metrics"
	"github.com/edxeth/cli-proxy/internal/pipeline"
	"github.com/edxeth/cli-proxy/internal/pool"
	"github.com/edxeth/cli-proxy/internal/ratelimit"
	"github.com/edxeth/cli-proxy/internal/requestlog"
	"github.com/edxeth/cli-proxy/internal/usageparse"
)

// defaultRequestLogLimit is used when data/system.json.logLimit is
// absent or non-positive (spec.md §4.8: "bounded in-memory ring,
// default 50, configurable via data/system.json.logLimit").
const defaultRequestLogLimit = 50

func parseFamilies(names []string) ([]config.Family, error) {
	var out []config.Family
	for _, n := range names {
		switch n {
		case string(config.Claude):
			out = append(out, config.Claude)
		case string(config.Codex):
			out = append(out, config.Codex)
		case string(config.Legacy):
			out = append(out, config.Legacy)
		default:
			return nil, fmt.Errorf("unknown family %q", n)
		}
	}
	return out, nil
}

// runCmd starts one httpapi.Service per requested family, shares a
// single config.Store and its fsnotify watch across all of them, and
// blocks until ctx is cancelled (SIGINT/SIGTERM).
func runCmd(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	families, err := parseFamilies(c.Families)
	if err != nil {
		return err
	}

	dirs, err := clphome.Resolve()
	if err != nil {
		return fmt.Errorf("resolve home: %w", err)
	}
	if err := dirs.EnsureAll(); err != nil {
		return fmt.Errorf("create clproxy home: %w", err)
	}

	store, err := config.New(dirs, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	go func() {
		if err := store.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watch stopped", "error", err)
		}
	}()

	limiters := ratelimit.NewManager()
	logLimit := store.GetSystem().LogLimit
	if logLimit <= 0 {
		logLimit = defaultRequestLogLimit
	}

	services := make([]*httpapi.Service, 0, len(families))
	for _, f := range families {
		svcLogger := logger.With("family", string(f))

		// Whenever this family's config document changes, discard the
		// limiter of every config name no longer present in it, per
		// spec.md §4.3 ("limiter state is discarded when a config is
		// removed or renamed").
		store.Subscribe(config.Doc(f), func(_ config.Doc, snapshot any) {
			doc, ok := snapshot.(config.FamilyDoc)
			if !ok {
				return
			}
			names := make(map[string]struct{}, len(doc))
			for name := range doc {
				names[name] = struct{}{}
			}
			limiters.Reconcile(f, names)
		})

		logPath := filepath.Join(dirs.Data, string(f)+".jsonl")
		reqLog, err := requestlog.New(string(f), logPath, logLimit, svcLogger)
		if err != nil {
			return fmt.Errorf("open request log for %s: %w", f, err)
		}
		defer reqLog.Close()

		p := pool.New(store, func(family config.Family, name string) {
			limiters.Discard(family, name)
		})
		usage := usageparse.NewAggregator()
		reg := metrics.New(string(f))
		pl := pipeline.New(f, store, p, limiters, reqLog, usage, svcLogger, reg)

		svc := httpapi.New(httpapi.Deps{
			Family:   f,
			Store:    store,
			Pool:     p,
			Pipeline: pl,
			Log:      reqLog,
			Metrics:  reg,
			Logger:   svcLogger,
		})
		svc.Start()
		services = append(services, svc)
		logger.Info("family service listening",
			"family", string(f),
			"port", httpapi.PortFor(f),
			"admin_port", httpapi.AdminPortFor(f),
		)
	}

	_, _ = fmt.Fprintf(stdout, "clproxy: serving %d families, home=%s\n", len(services), dirs.Home)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx := context.Background()
	for _, svc := range services {
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}
	return nil
}
