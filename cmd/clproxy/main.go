// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// cmd corresponds to the top-level `clproxy` command, mirroring the
// teacher's `aigw` cmd/cmdRun/cmdHealthcheck split.
type (
	cmd struct {
		Home string `name:"home" env:"CLP_HOME" help:"CLProxy home directory. Defaults to ~/.clp" type:"path"`

		Run         cmdRun         `cmd:"" help:"Run the family proxy services."`
		Healthcheck cmdHealthcheck `cmd:"" help:"Check a running family service's /health endpoint."`
		Version     struct{}       `cmd:"" help:"Show version."`
	}

	// cmdRun corresponds to `clproxy run`.
	cmdRun struct {
		Debug    bool     `help:"Enable debug logging emitted to stderr."`
		Families []string `help:"Families to serve." default:"claude,codex,legacy" enum:"claude,codex,legacy"`
	}

	// cmdHealthcheck corresponds to `clproxy healthcheck`.
	cmdHealthcheck struct {
		Family string `arg:"" help:"Family to check." enum:"claude,codex,legacy"`
	}
)

// AfterApply exports the parsed Home as CLP_HOME so clphome.Resolve
// sees it consistently whether it came from the flag or the environment.
func (c *cmd) AfterApply(_ *kong.Context) error {
	if c.Home != "" {
		return os.Setenv("CLP_HOME", c.Home)
	}
	return nil
}

const version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, runCmd, healthcheckCmd)
}

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, cmdHealthcheck, io.Writer, io.Writer) error
)

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), rf runFn, hf healthcheckFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("clproxy"),
		kong.Description("Local reverse proxy for AI chat/completion APIs"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "clproxy %s\n", version)
	case "run":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("error running: %v", err)
		}
	case "healthcheck <family>":
		if err := hf(ctx, c.Healthcheck, stdout, stderr); err != nil {
			log.Fatalf("health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
