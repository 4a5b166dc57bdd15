// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/search"
)

func env(vars map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	reg, err := cfg.Registry(nil)
	require.NoError(t, err)
	assert.Equal(t, []ep.TargetType{ep.TargetTofino, ep.TargetController}, reg.Targets())
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Topology.Stages, cfg.Topology.Stages)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfcompile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
topology:
  targets: [x86]
  ports:
    - {port: 0, gbps: 10}
  avg_packet_bytes: 128
search:
  heuristic: bfs
  budget:
    max_iterations: 500
    time_limit: 30s
portfolio: [max-tput, dfs]
logging:
  level: debug
  format: json
dump:
  enabled: true
  in_memory: true
server:
  addr: 127.0.0.1:9000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []ep.TargetType{ep.TargetX86}, cfg.Topology.Targets)
	assert.Equal(t, 128, cfg.Topology.AvgPacketBytes)
	assert.Equal(t, "bfs", cfg.Search.Heuristic)
	assert.Equal(t, 500, cfg.Search.Budget.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Search.Budget.TimeLimit)
	assert.True(t, cfg.Search.Speculate, "unset fields keep defaults")
	assert.Equal(t, []string{"max-tput", "dfs"}, cfg.Portfolio)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
	assert.True(t, cfg.Dump.Enabled)
	assert.True(t, cfg.Dump.InMemory)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)

	tc := cfg.Targets()
	assert.Empty(t, tc.Stages)
	assert.Equal(t, map[int]float64{0: 10e9}, tc.Capacities.FrontPanel)
}

func TestParse_JSON(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(`{"search": {"heuristic": "dfs", "seed": 7}}`), &cfg))
	assert.Equal(t, "dfs", cfg.Search.Heuristic)
	assert.Equal(t, uint64(7), cfg.Search.Seed)
}

func TestParse_Garbage(t *testing.T) {
	cfg := Default()
	assert.Error(t, Parse([]byte("topology: [unterminated"), &cfg))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, env(map[string]string{
		"NFC_TARGETS":        "tofino, x86",
		"NFC_STAGES":         "20",
		"NFC_HEURISTIC":      "max-switch",
		"NFC_SEED":           "42",
		"NFC_TIME_LIMIT":     "1m",
		"NFC_SPECULATE":      "false",
		"NFC_PORTFOLIO":      "bfs,dfs",
		"NFC_SOLVER_TIMEOUT": "250ms",
		"NFC_LOG_LEVEL":      "warn",
		"NFC_LOG_FORMAT":     "text",
		"NFC_DUMP_PATH":      "/tmp/dumps",
		"NFC_SERVER_ADDR":    ":9999",
		"NFC_TRACE_EXPORTER": "otlp",
		"NFC_OTLP_ENDPOINT":  "collector:4317",
	})))
	assert.Equal(t, []ep.TargetType{ep.TargetTofino, ep.TargetX86}, cfg.Topology.Targets)
	assert.Equal(t, 20, cfg.Topology.Stages)
	assert.Equal(t, "max-switch", cfg.Search.Heuristic)
	assert.Equal(t, uint64(42), cfg.Search.Seed)
	assert.Equal(t, time.Minute, cfg.Search.Budget.TimeLimit)
	assert.False(t, cfg.Search.Speculate)
	assert.Equal(t, []string{"bfs", "dfs"}, cfg.Portfolio)
	assert.Equal(t, 250*time.Millisecond, cfg.Solver.Timeout)
	assert.Equal(t, logging.LevelWarn, cfg.Logging.Level)
	assert.Equal(t, logging.FormatText, cfg.Logging.Format)
	assert.Equal(t, "/tmp/dumps", cfg.Dump.Path)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.True(t, cfg.Telemetry.Enabled())
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env(map[string]string{
		"NFC_STAGES":     "many",
		"NFC_TIME_LIMIT": "soon",
		"NFC_LOG_LEVEL":  "loud",
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.True(t, errors.Is(err, logging.ErrUnknownLevel))
	assert.Contains(t, err.Error(), "NFC_STAGES")
	assert.Contains(t, err.Error(), "NFC_TIME_LIMIT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no targets", func(c *Config) { c.Topology.Targets = nil }, "Targets"},
		{"unknown target", func(c *Config) { c.Topology.Targets = []ep.TargetType{"fpga"} }, "oneof"},
		{"no ports", func(c *Config) { c.Topology.Ports = nil }, "Ports"},
		{"zero packet size", func(c *Config) { c.Topology.AvgPacketBytes = 0 }, "AvgPacketBytes"},
		{"switch without stages", func(c *Config) { c.Topology.Stages = 0 }, "stages"},
		{"controller without switch", func(c *Config) {
			c.Topology.Targets = []ep.TargetType{ep.TargetController, ep.TargetX86}
		}, "controller"},
		{"duplicate port", func(c *Config) {
			c.Topology.RecirculationPorts = []Port{{Port: 1, Gbps: 100}}
		}, "port 1"},
		{"recirculation without port", func(c *Config) { c.Topology.RecirculationPorts = nil }, "recirculation"},
		{"unknown heuristic", func(c *Config) { c.Search.Heuristic = "astar" }, "unknown heuristic"},
		{"unknown portfolio heuristic", func(c *Config) { c.Portfolio = []string{"bfs", "astar"} }, "portfolio"},
		{"dump without path", func(c *Config) { c.Dump.Enabled = true; c.Dump.Path = "" }, "dump.path"},
		{"negative budget", func(c *Config) { c.Search.Budget.MaxIterations = -1 }, "MaxIterations"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"no server addr", func(c *Config) { c.Server.Addr = "" }, "Addr"},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "TraceExporter"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "SampleRatio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_UnknownHeuristicIsMatchable(t *testing.T) {
	cfg := Default()
	cfg.Search.Heuristic = "astar"
	assert.True(t, errors.Is(cfg.Validate(), search.ErrUnknownHeuristic))
}

func TestTargets_Conversion(t *testing.T) {
	cfg := Default()
	cfg.Tofino.MaxCacheCandidates = 2
	tc := cfg.Targets()

	assert.Len(t, tc.Stages, 12)
	assert.Equal(t, cfg.Topology.StageBudget, tc.Stages[0])
	assert.Equal(t, map[int]float64{1: 100e9, 2: 100e9}, tc.Capacities.FrontPanel)
	assert.Equal(t, map[int]float64{68: 100e9}, tc.Capacities.Recirculation)
	assert.Equal(t, []int{68}, tc.Tofino.RecirculationPorts)
	assert.Equal(t, 2, tc.Tofino.MaxCacheCandidates)
	assert.NotNil(t, tc.Tofino.Ranker)
}
