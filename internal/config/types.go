// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
)

// Family identifies one of the three provider-family proxy services.
type Family string

const (
	Claude Family = "claude"
	Codex  Family = "codex"
	Legacy Family = "legacy"
)

// Families lists every known Family in a stable order, used whenever
// code needs to iterate over all of them (e.g. loading documents at
// startup).
var Families = []Family{Claude, Codex, Legacy}

// Streaming is the tri-state "streaming" field on an UpstreamConfig:
// StreamingAuto follows whatever the client requested, StreamingOn
// always streams to the client (synthesizing SSE if the upstream call
// itself was non-streaming), StreamingOff never streams to the client.
type Streaming int

const (
	StreamingAuto Streaming = iota
	StreamingOn
	StreamingOff
)

// MarshalJSON implements the tri-state null/true/false encoding
// described in spec.md §9: null = auto.
func (s Streaming) MarshalJSON() ([]byte, error) {
	switch s {
	case StreamingOn:
		return []byte("true"), nil
	case StreamingOff:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements the tri-state decoding.
func (s *Streaming) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null", "":
		*s = StreamingAuto
	case "true":
		*s = StreamingOn
	case "false":
		*s = StreamingOff
	default:
		return fmt.Errorf("config: invalid streaming value %q", string(b))
	}
	return nil
}

// UpstreamConfig is one named credential + base URL + policy entry
// within a family, per spec.md §3.
//
// Extra holds any JSON fields this type doesn't know about (family
// specific extras) so that ConfigStore.Put keeps the fields it doesn't
// interpret across a load/save round trip (their values are re-emitted
// in compact JSON form), the way
// internal/apischema/anthropic treats request bodies as flexible
// dictionaries in the teacher repo.
type UpstreamConfig struct {
	Name      string            `json:"-"`
	BaseURL   string            `json:"base_url"`
	AuthToken string            `json:"auth_token,omitempty"`
	APIKey    string            `json:"api_key,omitempty"`
	Active    bool              `json:"active"`
	Weight    int               `json:"weight"`
	RPMLimit  int               `json:"rpm_limit,omitempty"`
	Streaming Streaming         `json:"streaming"`
	Extra     map[string]json.RawMessage `json:"-"`
}

// Validate checks the "exactly one of auth_token/api_key" invariant
// from spec.md §3.
func (c UpstreamConfig) Validate() error {
	hasToken := c.AuthToken != ""
	hasKey := c.APIKey != ""
	if hasToken == hasKey {
		return fmt.Errorf("config: upstream %q must set exactly one of auth_token/api_key", c.Name)
	}
	return nil
}

// FamilyDoc is the top-level shape of claude.json/codex.json/legacy.json:
// an object keyed by config name.
type FamilyDoc map[string]UpstreamConfig

// MarshalJSON flattens each UpstreamConfig's known fields with its
// Extra map so unrecognized fields survive a load/save round trip.
func (d FamilyDoc) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d))
	for name, cfg := range d {
		merged := map[string]json.RawMessage{}
		for k, v := range cfg.Extra {
			merged[k] = v
		}
		known, err := json.Marshal(struct {
			BaseURL   string    `json:"base_url"`
			AuthToken string    `json:"auth_token,omitempty"`
			APIKey    string    `json:"api_key,omitempty"`
			Active    bool      `json:"active"`
			Weight    int       `json:"weight"`
			RPMLimit  int       `json:"rpm_limit,omitempty"`
			Streaming Streaming `json:"streaming"`
		}{cfg.BaseURL, cfg.AuthToken, cfg.APIKey, cfg.Active, cfg.Weight, cfg.RPMLimit, cfg.Streaming})
		if err != nil {
			return nil, err
		}
		var knownFields map[string]json.RawMessage
		if err := json.Unmarshal(known, &knownFields); err != nil {
			return nil, err
		}
		for k, v := range knownFields {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the permissive counterpart of MarshalJSON: any
// field not in the known set is preserved in Extra.
func (d *FamilyDoc) UnmarshalJSON(b []byte) error {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"base_url": true, "auth_token": true, "api_key": true,
		"active": true, "weight": true, "rpm_limit": true, "streaming": true,
	}
	out := make(FamilyDoc, len(raw))
	for name, fields := range raw {
		cfg := UpstreamConfig{Name: name, Extra: map[string]json.RawMessage{}}
		for k, v := range fields {
			if !known[k] {
				cfg.Extra[k] = v
				continue
			}
			var err error
			switch k {
			case "base_url":
				err = json.Unmarshal(v, &cfg.BaseURL)
			case "auth_token":
				err = json.Unmarshal(v, &cfg.AuthToken)
			case "api_key":
				err = json.Unmarshal(v, &cfg.APIKey)
			case "active":
				err = json.Unmarshal(v, &cfg.Active)
			case "weight":
				err = json.Unmarshal(v, &cfg.Weight)
			case "rpm_limit":
				err = json.Unmarshal(v, &cfg.RPMLimit)
			case "streaming":
				err = cfg.Streaming.UnmarshalJSON(v)
			}
			if err != nil {
				return fmt.Errorf("config: field %q of %q: %w", k, name, err)
			}
		}
		out[name] = cfg
	}
	*d = out
	return nil
}

// RouteMode selects how RouteTable resolves an incoming model name.
type RouteMode string

const (
	RouteDefault       RouteMode = "default"
	RouteModelMapping  RouteMode = "model-mapping"
	RouteConfigMapping RouteMode = "config-mapping"
)

// SourceType distinguishes whether a ModelMapping.Source names a model
// or a config.
type SourceType string

const (
	SourceModel  SourceType = "model"
	SourceConfig SourceType = "config"
)

// ModelMapping is one ordered {source, target, source_type} entry in
// RouteTable.ModelMappings[family].
type ModelMapping struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	SourceType SourceType `json:"source_type"`
}

// ConfigMapping is one {model, config} pair in
// RouteTable.ConfigMappings[family].
type ConfigMapping struct {
	Model  string `json:"model"`
	Config string `json:"config"`
}

// RouteTable is the single document described in spec.md §3.
type RouteTable struct {
	Mode            RouteMode                  `json:"mode"`
	ModelMappings   map[Family][]ModelMapping   `json:"modelMappings"`
	ConfigMappings  map[Family][]ConfigMapping  `json:"configMappings"`
}

// LBMode selects the UpstreamPool selection strategy.
type LBMode string

const (
	ActiveFirst LBMode = "active-first"
	WeightBased LBMode = "weight-based"
)

// ServiceFailureState is the per-family failure bookkeeping embedded
// in LoadBalancePolicy.
type ServiceFailureState struct {
	FailureThreshold int            `json:"failureThreshold"`
	CurrentFailures  map[string]int `json:"currentFailures"`
	ExcludedConfigs  []string       `json:"excludedConfigs"`
}

// LoadBalancePolicy is the single document described in spec.md §3.
type LoadBalancePolicy struct {
	Mode     LBMode                         `json:"mode"`
	Services map[Family]*ServiceFailureState `json:"services"`
}

// FilterOp is the operation a FilterRule applies.
type FilterOp string

const (
	OpReplace FilterOp = "replace"
	OpRemove  FilterOp = "remove"
)

// FilterRule is one redaction rule, applied in declared order.
type FilterRule struct {
	Source string   `json:"source"`
	Op     FilterOp `json:"op"`
	Target string   `json:"target,omitempty"`
}

// SystemSettings is data/system.json: logLimit plus Codex reasoning
// defaults keyed by model.
type SystemSettings struct {
	LogLimit         int               `json:"logLimit"`
	EffortByModel    map[string]string `json:"effortByModel,omitempty"`
	VerbosityByModel map[string]string `json:"verbosityByModel,omitempty"`
	SummaryByModel   map[string]string `json:"summaryByModel,omitempty"`
}

// DefaultSystemSettings returns the settings used when data/system.json
// does not yet exist.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{LogLimit: 50}
}
