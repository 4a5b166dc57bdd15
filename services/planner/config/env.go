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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NFC_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// envBinder collects parse failures while applying overrides.
type envBinder struct {
	lookup LookupFunc
	errs   []error
}

func (b *envBinder) setString(key string, dst *string) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func (b *envBinder) setInt(key string, dst *int) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (b *envBinder) setUint64(key string, dst *uint64) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (b *envBinder) setBool(key string, dst *bool) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = p
	}
}

func (b *envBinder) setDuration(key string, dst *time.Duration) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

func (b *envBinder) setList(key string, dst *[]string) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func (b *envBinder) setLevel(key string, dst *logging.Level) {
	if v, ok := b.lookup(EnvPrefix + key); ok && v != "" {
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		}
	}
}

// applyEnv overlays NFC_* variables onto cfg.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	b := &envBinder{lookup: lookup}

	var targets []string
	b.setList("TARGETS", &targets)
	if targets != nil {
		cfg.Topology.Targets = nil
		for _, t := range targets {
			cfg.Topology.Targets = append(cfg.Topology.Targets, ep.TargetType(t))
		}
	}
	b.setInt("STAGES", &cfg.Topology.Stages)
	b.setInt("AVG_PACKET_BYTES", &cfg.Topology.AvgPacketBytes)

	b.setString("HEURISTIC", &cfg.Search.Heuristic)
	b.setUint64("SEED", &cfg.Search.Seed)
	b.setInt("MAX_ITERATIONS", &cfg.Search.Budget.MaxIterations)
	b.setDuration("TIME_LIMIT", &cfg.Search.Budget.TimeLimit)
	b.setInt("MAX_FINISHED", &cfg.Search.Budget.MaxFinished)
	b.setBool("STOP_ON_DOMINATED", &cfg.Search.StopOnDominated)
	b.setBool("SPECULATE", &cfg.Search.Speculate)
	b.setBool("TRACING", &cfg.Search.Tracing)
	b.setList("PORTFOLIO", &cfg.Portfolio)

	b.setBool("SOLVER_ENABLED", &cfg.Solver.Enabled)
	b.setInt("SOLVER_MAX_DECISIONS", &cfg.Solver.MaxDecisions)
	b.setDuration("SOLVER_TIMEOUT", &cfg.Solver.Timeout)

	b.setInt("MAX_CACHE_CANDIDATES", &cfg.Tofino.MaxCacheCandidates)
	b.setInt("MAX_RECIRCULATIONS", &cfg.Tofino.MaxRecirculations)

	b.setLevel("LOG_LEVEL", &cfg.Logging.Level)
	var format string
	b.setString("LOG_FORMAT", &format)
	if format != "" {
		cfg.Logging.Format = logging.Format(format)
	}
	b.setString("LOG_DIR", &cfg.Logging.LogDir)

	b.setBool("DUMP_ENABLED", &cfg.Dump.Enabled)
	b.setString("DUMP_PATH", &cfg.Dump.Path)
	b.setBool("DUMP_IN_MEMORY", &cfg.Dump.InMemory)

	b.setString("SERVER_ADDR", &cfg.Server.Addr)

	b.setString("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	b.setString("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if len(b.errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(b.errs...))
	}
	return nil
}
