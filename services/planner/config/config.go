// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the planner configuration: the target topology, the
// search, solver and switch settings, logging, the dump store and the HTTP
// server.
//
// Values are layered: defaults, then a YAML (or JSON) file, then NFC_*
// environment variables. The result is validated before use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/pkg/telemetry"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/search"
	"github.com/AleutianAI/nfcompile/services/planner/solver"
	store "github.com/AleutianAI/nfcompile/services/planner/storage/badger"
	"github.com/AleutianAI/nfcompile/services/planner/targets"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete planner configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	Topology  TopologyConfig   `json:"topology" yaml:"topology"`
	Search    search.Config    `json:"search" yaml:"search"`
	Portfolio []string         `json:"portfolio" yaml:"portfolio"`
	Solver    SolverConfig     `json:"solver" yaml:"solver"`
	Tofino    TofinoConfig     `json:"tofino" yaml:"tofino"`
	Logging   logging.Config   `json:"logging" yaml:"logging"`
	Dump      DumpConfig       `json:"dump" yaml:"dump"`
	Server    ServerConfig     `json:"server" yaml:"server"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// Port is a port number with its line rate.
type Port struct {
	Port int     `json:"port" yaml:"port" validate:"gte=0"`
	Gbps float64 `json:"gbps" yaml:"gbps" validate:"gt=0"`
}

// TopologyConfig describes the targets and their capacities.
type TopologyConfig struct {
	// Targets are the enabled targets: tofino, controller, x86.
	Targets []ep.TargetType `json:"targets" yaml:"targets" validate:"min=1,dive,oneof=tofino controller x86"`

	// Stages is the switch pipeline depth.
	Stages int `json:"stages" yaml:"stages" validate:"gte=0,lte=64"`

	// StageBudget is the resource budget of every stage.
	StageBudget pipeline.Budget `json:"stage_budget" yaml:"stage_budget"`

	// Ports are the front-panel ports.
	Ports []Port `json:"ports" yaml:"ports" validate:"min=1,dive"`

	// RecirculationPorts are the internal loopback ports.
	RecirculationPorts []Port `json:"recirculation_ports" yaml:"recirculation_ports" validate:"dive"`

	// PipelinePPS caps the switch packet rate. Zero leaves it unbounded.
	PipelinePPS float64 `json:"pipeline_pps" yaml:"pipeline_pps" validate:"gte=0"`

	// ControllerPPS is reported only.
	ControllerPPS float64 `json:"controller_pps" yaml:"controller_pps" validate:"gte=0"`

	// AvgPacketBytes converts line rates to packet rates.
	AvgPacketBytes int `json:"avg_packet_bytes" yaml:"avg_packet_bytes" validate:"gt=0"`
}

// SolverConfig bounds the exhaustive placer.
type SolverConfig struct {
	// Enabled turns on the exhaustive fallback behind the greedy placer.
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	MaxDecisions int           `json:"max_decisions" yaml:"max_decisions" validate:"gte=0"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	// CacheEntries sizes the memoized solve cache. Zero disables it.
	CacheEntries int `json:"cache_entries" yaml:"cache_entries" validate:"gte=0"`
}

// TofinoConfig configures the switch factories.
type TofinoConfig struct {
	CacheCapacities    []int `json:"cache_capacities" yaml:"cache_capacities" validate:"dive,gt=0"`
	MaxCacheCandidates int   `json:"max_cache_candidates" yaml:"max_cache_candidates" validate:"gte=0"`
	MaxRecirculations  int   `json:"max_recirculations" yaml:"max_recirculations" validate:"gte=0"`
	DefaultKeyBits     int   `json:"default_key_bits" yaml:"default_key_bits" validate:"gte=0"`
	DefaultValueBits   int   `json:"default_value_bits" yaml:"default_value_bits" validate:"gte=0"`
}

// DumpConfig configures the post-mortem store.
type DumpConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	store.Config `json:",inline" yaml:",inline"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr         string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	// MaxBodyBytes bounds a plan request body.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gt=0"`
}

// Default returns a single-switch topology with a controller and two
// 100G ports.
func Default() Config {
	td := tofino.DefaultConfig()
	sd := solver.DefaultConfig()
	return Config{
		Topology: TopologyConfig{
			Targets: []ep.TargetType{ep.TargetTofino, ep.TargetController},
			Stages:  12,
			StageBudget: pipeline.Budget{
				SRAM:     80 * 128 * 1024 * 8,
				TCAM:     24 * 512 * 44,
				MapRAM:   48 * 1024 * 8,
				XbarBits: 1024,
				Tables:   16,
			},
			Ports:              []Port{{Port: 1, Gbps: 100}, {Port: 2, Gbps: 100}},
			RecirculationPorts: []Port{{Port: 68, Gbps: 100}},
			PipelinePPS:        3.2e9,
			ControllerPPS:      1e6,
			AvgPacketBytes:     64,
		},
		Search: search.DefaultConfig(),
		Solver: SolverConfig{
			Enabled:      true,
			MaxDecisions: sd.MaxDecisions,
			Timeout:      sd.Timeout,
			CacheEntries: 4096,
		},
		Tofino: TofinoConfig{
			CacheCapacities:   td.CacheCapacities,
			MaxRecirculations: td.MaxRecirculations,
			DefaultKeyBits:    td.DefaultKeyBits,
			DefaultValueBits:  td.DefaultValueBits,
		},
		Logging:   logging.Config{Level: logging.LevelInfo, Format: logging.FormatAuto, Service: "nfcompile"},
		Dump:      DumpConfig{Config: store.DefaultConfig()},
		Telemetry: telemetry.DefaultConfig(),
		Server: ServerConfig{
			Addr:         ":8088",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			MaxBodyBytes: 32 << 20,
		},
	}
}

// Load builds the configuration with priority env > file > defaults.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing files leave the defaults.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file is unreadable or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return Parse(data, cfg)
}

// Parse overlays YAML or JSON data onto cfg.
func Parse(data []byte, cfg *Config) error {
	if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", yamlErr, jsonErr)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field topology rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			msgs := make([]string, len(ves))
			for i, fe := range ves {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	has := func(t ep.TargetType) bool { return slices.Contains(c.Topology.Targets, t) }
	if has(ep.TargetTofino) && c.Topology.Stages == 0 {
		return fmt.Errorf("%w: topology.stages must be positive with a tofino target", ErrInvalid)
	}
	if has(ep.TargetController) && !has(ep.TargetTofino) {
		return fmt.Errorf("%w: a controller target needs a tofino target", ErrInvalid)
	}
	seen := make(map[int]bool)
	for _, p := range slices.Concat(c.Topology.Ports, c.Topology.RecirculationPorts) {
		if seen[p.Port] {
			return fmt.Errorf("%w: port %d declared twice", ErrInvalid, p.Port)
		}
		seen[p.Port] = true
	}
	if c.Tofino.MaxRecirculations > 0 && has(ep.TargetTofino) && len(c.Topology.RecirculationPorts) == 0 {
		return fmt.Errorf("%w: recirculation needs at least one recirculation port", ErrInvalid)
	}
	if _, err := search.LookupHeuristic(c.Search.Heuristic, c.Search.Seed); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for _, h := range c.Portfolio {
		if _, err := search.LookupHeuristic(h, c.Search.Seed); err != nil {
			return fmt.Errorf("%w: portfolio: %w", ErrInvalid, err)
		}
	}
	if c.Dump.Enabled && !c.Dump.InMemory && c.Dump.Path == "" {
		return fmt.Errorf("%w: dump.path is required unless dump.in_memory is set", ErrInvalid)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

// Capacities converts the topology into oracle capacities.
func (t TopologyConfig) Capacities() oracle.Capacities {
	caps := oracle.Capacities{
		FrontPanel:     make(map[int]float64, len(t.Ports)),
		Recirculation:  make(map[int]float64, len(t.RecirculationPorts)),
		PipelinePPS:    t.PipelinePPS,
		ControllerPPS:  t.ControllerPPS,
		AvgPacketBytes: t.AvgPacketBytes,
	}
	for _, p := range t.Ports {
		caps.FrontPanel[p.Port] = p.Gbps * 1e9
	}
	for _, p := range t.RecirculationPorts {
		caps.Recirculation[p.Port] = p.Gbps * 1e9
	}
	return caps
}

// Targets converts the configuration into a target registry configuration.
func (c Config) Targets() targets.Config {
	td := tofino.DefaultConfig()
	td.CacheCapacities = c.Tofino.CacheCapacities
	td.MaxCacheCandidates = c.Tofino.MaxCacheCandidates
	td.MaxRecirculations = c.Tofino.MaxRecirculations
	td.DefaultKeyBits = c.Tofino.DefaultKeyBits
	td.DefaultValueBits = c.Tofino.DefaultValueBits
	td.RecirculationPorts = nil
	for _, p := range c.Topology.RecirculationPorts {
		td.RecirculationPorts = append(td.RecirculationPorts, p.Port)
	}

	var stages []pipeline.Budget
	if slices.Contains(c.Topology.Targets, ep.TargetTofino) {
		stages = pipeline.Uniform(c.Topology.Stages, c.Topology.StageBudget)
	}
	return targets.Config{
		Targets:    slices.Clone(c.Topology.Targets),
		Stages:     stages,
		Capacities: c.Topology.Capacities(),
		Tofino:     td,
	}
}

// Placer builds the switch placer the solver section describes.
func (c Config) Placer(logger *slog.Logger) *pipeline.Placer {
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if c.Solver.Enabled {
		sc := solver.DefaultConfig()
		sc.MaxDecisions = c.Solver.MaxDecisions
		sc.Timeout = c.Solver.Timeout
		opts = append(opts, pipeline.WithSolver(solver.New(sc, solver.WithLogger(logger))))
		if c.Solver.CacheEntries > 0 {
			opts = append(opts, pipeline.WithCache(pipeline.NewSolverCache(c.Solver.CacheEntries)))
		}
	}
	return pipeline.NewPlacer(opts...)
}

// Registry builds the target registry.
func (c Config) Registry(logger *slog.Logger) (*targets.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return targets.New(c.Targets(), targets.WithPlacer(c.Placer(logger)), targets.WithLogger(logger))
}
