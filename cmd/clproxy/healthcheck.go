// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edxeth/cli-proxy/internal/config"
	"github.com/edxeth/cli-proxy/internal/httpapi"
)

// healthcheckCmd performs an HTTP GET against the named family's
// /health endpoint and reports non-200 responses as failures.
func healthcheckCmd(ctx context.Context, c cmdHealthcheck, stdout, _ io.Writer) error {
	var f config.Family
	switch c.Family {
	case string(config.Claude):
		f = config.Claude
	case string(config.Codex):
		f = config.Codex
	case string(config.Legacy):
		f = config.Legacy
	default:
		return fmt.Errorf("unknown family %q", c.Family)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/health", httpapi.PortFor(f))

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, string(body))
	}

	_, _ = fmt.Fprintf(stdout, "%s\n", body)
	return nil
}
