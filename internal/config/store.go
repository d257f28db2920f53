// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package config implements ConfigStore: it loads, persists, and
// watches the JSON documents that describe upstream credentials,
// routing, load-balancing, redaction filters, and system settings
// under ~/.clp.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/edxeth/cli-proxy/internal/clphome"
)

// Doc names one of the documents ConfigStore manages. Family documents
// use the family name itself ("claude", "codex", "legacy").
type Doc string

const (
	DocFilter      Doc = "filter"
	DocRouting     Doc = "routing"
	DocLoadBalance Doc = "loadbalance"
	DocSystem      Doc = "system"
)

// docFilename returns the on-disk filename (relative to Home or
// Home/data) for a Doc.
func docFilename(d Doc) (name string, underData bool) {
	switch d {
	case DocFilter:
		return "filter.json", false
	case DocRouting:
		return "routing.json", false
	case DocLoadBalance:
		return "loadbalance.json", false
	case DocSystem:
		return "system.json", true
	default:
		return string(d) + ".json", false
	}
}

// Listener receives the new snapshot of a document after every
// successful Put, or after an external edit detected by the watcher.
type Listener func(doc Doc, snapshot any)

// ErrStorage is returned by Put when the atomic rename fails; the
// in-memory view is left untouched, per spec.md §4.1.
var ErrStorage = errors.New("config: storage error")

// Store holds the latest parsed view of every managed document and
// exposes Get/Put/Subscribe. All public methods are safe for
// concurrent use. A single RWMutex guards every document's in-memory
// view, so writes to unrelated documents serialize against each other;
// documents do not have separate locks.
type Store struct {
	dirs   clphome.Dirs
	logger *slog.Logger

	mu        sync.RWMutex
	families  map[Family]FamilyDoc
	filter    []FilterRule
	routing   RouteTable
	lb        LoadBalancePolicy
	system    SystemSettings

	subMu sync.Mutex
	subs  map[Doc][]Listener

	watcher *fsnotify.Watcher
}

// New creates a Store rooted at dirs, loading every document that
// already exists on disk (missing documents start at their zero/
// default value) and ensures the directory tree exists.
func New(dirs clphome.Dirs, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := dirs.EnsureAll(); err != nil {
		return nil, fmt.Errorf("config: ensure home: %w", err)
	}
	s := &Store{
		dirs:     dirs,
		logger:   logger,
		families: map[Family]FamilyDoc{},
		lb:       LoadBalancePolicy{Mode: ActiveFirst, Services: map[Family]*ServiceFailureState{}},
		system:   DefaultSystemSettings(),
		subs:     map[Doc][]Listener{},
	}
	for _, f := range Families {
		doc, err := s.loadFamily(f)
		if err != nil {
			return nil, err
		}
		s.families[f] = doc
	}
	if err := s.loadInto(DocFilter, &s.filter); err != nil {
		return nil, err
	}
	if err := s.loadInto(DocRouting, &s.routing); err != nil {
		return nil, err
	}
	if err := s.loadInto(DocLoadBalance, &s.lb); err != nil {
		return nil, err
	}
	if err := s.loadInto(DocSystem, &s.system); err != nil {
		return nil, err
	}
	for _, f := range Families {
		if _, ok := s.lb.Services[f]; !ok {
			s.lb.Services[f] = &ServiceFailureState{FailureThreshold: 3, CurrentFailures: map[string]int{}}
		}
	}
	return s, nil
}

func (s *Store) pathFor(name string, underData bool) string {
	if underData {
		return s.dirs.DataPath(name)
	}
	return s.dirs.ConfigPath(name)
}

func (s *Store) loadFamily(f Family) (FamilyDoc, error) {
	path := s.dirs.ConfigPath(string(f) + ".json")
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return FamilyDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc FamilyDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc, nil
}

func (s *Store) loadInto(d Doc, v any) error {
	name, underData := docFilename(d)
	path := s.pathFor(name, underData)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// GetFamily returns an immutable copy of a family's UpstreamConfig set.
func (s *Store) GetFamily(f Family) FamilyDoc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(FamilyDoc, len(s.families[f]))
	for k, v := range s.families[f] {
		out[k] = v
	}
	return out
}

// GetFilter returns a copy of the current filter rule list.
func (s *Store) GetFilter() []FilterRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FilterRule, len(s.filter))
	copy(out, s.filter)
	return out
}

// GetRouting returns a copy of the current RouteTable.
func (s *Store) GetRouting() RouteTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// GetLoadBalance returns a copy of the current LoadBalancePolicy. The
// per-family ServiceFailureState pointers are deep-copied so callers
// cannot mutate the store's view.
func (s *Store) GetLoadBalance() LoadBalancePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := LoadBalancePolicy{Mode: s.lb.Mode, Services: map[Family]*ServiceFailureState{}}
	for f, st := range s.lb.Services {
		cp := &ServiceFailureState{
			FailureThreshold: st.FailureThreshold,
			CurrentFailures:  map[string]int{},
			ExcludedConfigs:  append([]string(nil), st.ExcludedConfigs...),
		}
		for k, v := range st.CurrentFailures {
			cp.CurrentFailures[k] = v
		}
		out.Services[f] = cp
	}
	return out
}

// GetSystem returns a copy of the current SystemSettings.
func (s *Store) GetSystem() SystemSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system
}

// PutFamily validates and atomically persists a family's config set,
// then notifies subscribers.
func (s *Store) PutFamily(f Family, doc FamilyDoc) error {
	for name, cfg := range doc {
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			return err
		}
		doc[name] = cfg
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", f, err)
	}
	if err := s.atomicWrite(s.dirs.ConfigPath(string(f)+".json"), b); err != nil {
		return err
	}
	s.mu.Lock()
	s.families[f] = doc
	s.mu.Unlock()
	s.notify(Doc(f), doc)
	return nil
}

// PutLoadBalance atomically persists the LoadBalancePolicy (used both
// by operator edits and by the FailureTracker's write-through updates,
// per the Design Note in spec.md §9).
func (s *Store) PutLoadBalance(lb LoadBalancePolicy) error {
	b, err := json.MarshalIndent(lb, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal loadbalance: %w", err)
	}
	if err := s.atomicWrite(s.dirs.ConfigPath("loadbalance.json"), b); err != nil {
		return err
	}
	s.mu.Lock()
	s.lb = lb
	s.mu.Unlock()
	s.notify(DocLoadBalance, lb)
	return nil
}

// PutFilter atomically persists the filter rule list.
func (s *Store) PutFilter(rules []FilterRule) error {
	b, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal filter: %w", err)
	}
	if err := s.atomicWrite(s.dirs.ConfigPath("filter.json"), b); err != nil {
		return err
	}
	s.mu.Lock()
	s.filter = rules
	s.mu.Unlock()
	s.notify(DocFilter, rules)
	return nil
}

// PutRouting atomically persists the RouteTable.
func (s *Store) PutRouting(rt RouteTable) error {
	b, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal routing: %w", err)
	}
	if err := s.atomicWrite(s.dirs.ConfigPath("routing.json"), b); err != nil {
		return err
	}
	s.mu.Lock()
	s.routing = rt
	s.mu.Unlock()
	s.notify(DocRouting, rt)
	return nil
}

// PutSystem atomically persists SystemSettings.
func (s *Store) PutSystem(ss SystemSettings) error {
	b, err := json.MarshalIndent(ss, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal system: %w", err)
	}
	if err := s.atomicWrite(s.dirs.DataPath("system.json"), b); err != nil {
		return err
	}
	s.mu.Lock()
	s.system = ss
	s.mu.Unlock()
	s.notify(DocSystem, ss)
	return nil
}

// atomicWrite writes to a temp file in the same directory, fsyncs,
// then renames over the destination, so readers never observe a
// partial write (spec.md §4.1 invariant).
func (s *Store) atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrStorage, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

// Subscribe registers listener to be called with the new snapshot
// after every successful Put of doc.
func (s *Store) Subscribe(doc Doc, listener Listener) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[doc] = append(s.subs[doc], listener)
}

func (s *Store) notify(doc Doc, snapshot any) {
	s.subMu.Lock()
	listeners := append([]Listener(nil), s.subs[doc]...)
	s.subMu.Unlock()
	for _, l := range listeners {
		l(doc, snapshot)
	}
}

// Watch starts an fsnotify watcher over the CLProxy home tree and
// reloads+notifies whenever a managed document changes on disk
// outside of Put (e.g. an operator hand-editing JSON). It runs until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	s.watcher = w
	if err := w.Add(s.dirs.Home); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", s.dirs.Home, err)
	}
	if err := w.Add(s.dirs.Data); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", s.dirs.Data, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleFSEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}

func (s *Store) handleFSEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	base := filepath.Base(ev.Name)
	for _, f := range Families {
		if base == string(f)+".json" {
			doc, err := s.loadFamily(f)
			if err != nil {
				s.logger.Warn("config reload failed", slog.String("doc", base), slog.Any("error", err))
				return
			}
			s.mu.Lock()
			s.families[f] = doc
			s.mu.Unlock()
			s.notify(Doc(f), doc)
			return
		}
	}
	switch base {
	case "filter.json":
		var rules []FilterRule
		if err := s.loadInto(DocFilter, &rules); err == nil {
			s.mu.Lock()
			s.filter = rules
			s.mu.Unlock()
			s.notify(DocFilter, rules)
		}
	case "routing.json":
		var rt RouteTable
		if err := s.loadInto(DocRouting, &rt); err == nil {
			s.mu.Lock()
			s.routing = rt
			s.mu.Unlock()
			s.notify(DocRouting, rt)
		}
	case "loadbalance.json":
		var lb LoadBalancePolicy
		if err := s.loadInto(DocLoadBalance, &lb); err == nil {
			s.mu.Lock()
			s.lb = lb
			s.mu.Unlock()
			s.notify(DocLoadBalance, lb)
		}
	case "system.json":
		var ss SystemSettings
		if err := s.loadInto(DocSystem, &ss); err == nil {
			s.mu.Lock()
			s.system = ss
			s.mu.Unlock()
			s.notify(DocSystem, ss)
		}
	}
}
