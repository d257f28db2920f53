// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package clphome resolves the on-disk layout rooted at ~/.clp, the
// directory that holds every ConfigStore document, the per-family
// request logs, and the supervisor's pid/log files.
package clphome

import (
	"os"
	"path/filepath"
)

// Dirs is the resolved set of directories and well-known files under
// the CLProxy home. Home defaults to ~/.clp but can be overridden with
// the CLP_HOME environment variable, primarily for tests.
type Dirs struct {
	Home string
	Data string
	Run  string
}

// Resolve returns the Dirs rooted at CLP_HOME if set, otherwise
// ~/.clp. It does not create the directories; callers that need them
// on disk should call Dirs.EnsureAll.
func Resolve() (Dirs, error) {
	if h := os.Getenv("CLP_HOME"); h != "" {
		return fromHome(h), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, err
	}
	return fromHome(filepath.Join(home, ".clp")), nil
}

func fromHome(home string) Dirs {
	return Dirs{
		Home: home,
		Data: filepath.Join(home, "data"),
		Run:  filepath.Join(home, "run"),
	}
}

// EnsureAll creates Home, Data, and Run if they do not already exist.
func (d Dirs) EnsureAll() error {
	for _, dir := range []string{d.Home, d.Data, d.Run} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ConfigPath returns the path of a named document directly under Home,
// e.g. ConfigPath("claude.json").
func (d Dirs) ConfigPath(name string) string {
	return filepath.Join(d.Home, name)
}

// DataPath returns the path of a named document under Home/data,
// e.g. DataPath("system.json") or DataPath("claude.jsonl").
func (d Dirs) DataPath(name string) string {
	return filepath.Join(d.Data, name)
}

// RunPath returns the path of a named file under Home/run,
// e.g. RunPath("claude.pid").
func (d Dirs) RunPath(name string) string {
	return filepath.Join(d.Run, name)
}
