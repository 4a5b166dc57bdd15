// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tofino implements the switch-pipeline target: its module types,
// the factories that build them and the target context holding the
// pipeline's placed data structures.
package tofino

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the switch factory settings.
type Config struct {
	// CacheCapacities are the cache sizes tried for a cached table.
	// Default: [1024, 4096, 16384]
	CacheCapacities []int

	// MaxCacheCandidates bounds how many cache sizes are emitted per node.
	// 0 emits every size that fits.
	MaxCacheCandidates int

	// MaxRecirculations bounds how many times a packet re-enters the
	// pipeline. Default: 1
	MaxRecirculations int

	// RecirculationPorts are used round-robin by recirculation depth.
	RecirculationPorts []int

	// Ranker orders cache candidates. Default: RankByHitRate.
	Ranker CandidateRanker

	// DefaultKeyBits and DefaultValueBits size primitives that do not
	// declare their widths. Default: 32
	DefaultKeyBits   int
	DefaultValueBits int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheCapacities:    []int{1024, 4096, 16384},
		MaxRecirculations:  1,
		RecirculationPorts: []int{68},
		Ranker:             RankByHitRate,
		DefaultKeyBits:     32,
		DefaultValueBits:   32,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Ranker == nil {
		c.Ranker = d.Ranker
	}
	if c.DefaultKeyBits <= 0 {
		c.DefaultKeyBits = d.DefaultKeyBits
	}
	if c.DefaultValueBits <= 0 {
		c.DefaultValueBits = d.DefaultValueBits
	}
}

// CacheCandidate is one feasible cache size for a cached table.
type CacheCandidate struct {
	Capacity  int
	HitRate   float64
	Footprint pipeline.Budget

	target *Context
}

// CandidateRanker orders cache candidates, best first. It follows the
// slices.SortFunc comparison contract.
type CandidateRanker func(a, b CacheCandidate) int

// RankByHitRate prefers the highest estimated hit rate and, on ties, the
// smallest footprint.
func RankByHitRate(a, b CacheCandidate) int {
	if c := cmp.Compare(b.HitRate, a.HitRate); c != 0 {
		return c
	}
	return cmp.Compare(footprintSize(a.Footprint), footprintSize(b.Footprint))
}

// RankBySmallest prefers the smallest cache.
func RankBySmallest(a, b CacheCandidate) int {
	return cmp.Compare(a.Capacity, b.Capacity)
}

// RankByLargest prefers the largest cache.
func RankByLargest(a, b CacheCandidate) int {
	return cmp.Compare(b.Capacity, a.Capacity)
}

var rankers = map[string]CandidateRanker{
	"hit-rate": RankByHitRate,
	"smallest": RankBySmallest,
	"largest":  RankByLargest,
}

// RankerByName returns a named ranker.
func RankerByName(name string) (CandidateRanker, error) {
	r, ok := rankers[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache candidate ranker %q", name)
	}
	return r, nil
}

// RankerNames lists the registered rankers.
func RankerNames() []string {
	out := make([]string, 0, len(rankers))
	for n := range rankers {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func footprintSize(b pipeline.Budget) int64 {
	return b.SRAM + b.TCAM + b.MapRAM + b.XbarBits
}

// -----------------------------------------------------------------------------
// Target context
// -----------------------------------------------------------------------------

// Context is the switch's state inside an execution plan: the pipeline
// resources and the log of placed data structures.
//
// Thread Safety: Not safe for concurrent use. Cloned with the plan.
type Context struct {
	resources *pipeline.Resources
	placer    *pipeline.Placer
}

// NewContext creates an empty pipeline with the given per-stage budgets.
// placer is shared between every clone.
func NewContext(stages []pipeline.Budget, placer *pipeline.Placer) *Context {
	if placer == nil {
		placer = pipeline.NewPlacer()
	}
	return &Context{resources: pipeline.NewResources(stages), placer: placer}
}

// Target implements ep.TargetContext.
func (c *Context) Target() ep.TargetType {
	return ep.TargetTofino
}

// Clone implements ep.TargetContext.
func (c *Context) Clone() ep.TargetContext {
	return c.clone()
}

func (c *Context) clone() *Context {
	return &Context{resources: c.resources.Clone(), placer: c.placer}
}

// Resources returns the pipeline resources.
func (c *Context) Resources() *pipeline.Resources {
	return c.resources
}

// Place runs a placement request against the pipeline. A rejected request
// leaves the context unchanged.
func (c *Context) Place(ctx context.Context, req pipeline.Request) pipeline.Result {
	return c.placer.Place(ctx, c.resources, req)
}

// Verify checks the pipeline still honors every stage budget and
// dependency edge. Search only commits placements the placer accepted, so a
// failure is an internal-consistency violation.
func (c *Context) Verify() error {
	return c.resources.Verify()
}

// -----------------------------------------------------------------------------
// Structures
// -----------------------------------------------------------------------------

// TableID names the match-action table realizing a read-only map.
func TableID(addr bdd.Addr) pipeline.DSID {
	return pipeline.DSID(fmt.Sprintf("table_%d", addr))
}

// RegisterID names the register array realizing a vector.
func RegisterID(addr bdd.Addr) pipeline.DSID {
	return pipeline.DSID(fmt.Sprintf("register_%d", addr))
}

// CachedTableID names the cached table realizing a map and its coalescing
// group.
func CachedTableID(addr bdd.Addr) pipeline.DSID {
	return pipeline.DSID(fmt.Sprintf("cached_table_%d", addr))
}

func (c *Config) widths(p bdd.Primitive) (key, value int64) {
	key, value = int64(p.KeyBits), int64(p.ValueBits)
	if key <= 0 {
		key = int64(c.DefaultKeyBits)
	}
	if value <= 0 {
		value = int64(c.DefaultValueBits)
	}
	return key, value
}

func capacityOf(p bdd.Primitive) int64 {
	if p.Capacity <= 0 {
		return 1
	}
	return int64(p.Capacity)
}

func (c *Config) tableStructure(p bdd.Primitive) pipeline.Structure {
	key, value := c.widths(p)
	return pipeline.NewPrimitive(TableID(p.Addr), capacityOf(p),
		pipeline.Budget{SRAM: key + value},
		pipeline.Budget{XbarBits: key, Tables: 1})
}

func (c *Config) registerStructure(p bdd.Primitive) pipeline.Structure {
	_, value := c.widths(p)
	return pipeline.NewPrimitive(RegisterID(p.Addr), capacityOf(p),
		pipeline.Budget{SRAM: value},
		pipeline.Budget{XbarBits: 32, Tables: 1})
}

// cachedTableStructure is the cache rows plus the key table used to match
// them. valueBits covers the map value and every coalesced vector.
func (c *Config) cachedTableStructure(p bdd.Primitive, valueBits int64, capacity int) pipeline.Structure {
	key, _ := c.widths(p)
	return pipeline.NewComposite(CachedTableID(p.Addr),
		pipeline.Part{
			ID:       "rows",
			Entries:  int64(capacity),
			PerEntry: pipeline.Budget{SRAM: valueBits},
			PerStage: pipeline.Budget{XbarBits: 32, Tables: 1},
		},
		pipeline.Part{
			ID:       "keys",
			Entries:  int64(capacity),
			PerEntry: pipeline.Budget{SRAM: key, MapRAM: key},
			PerStage: pipeline.Budget{XbarBits: key, Tables: 1},
		},
	)
}

// groupValueBits sums the value widths of the map and of the vectors
// coalesced with it.
func (c *Config) groupValueBits(ctx *ep.Context, p bdd.Primitive) int64 {
	_, value := c.widths(p)
	grp, ok := ctx.Group(p.Addr)
	if !ok {
		return value
	}
	for _, v := range grp.Vectors {
		if vp, has := ctx.Primitive(v); has {
			_, vb := c.widths(vp)
			value += vb
		}
	}
	return value
}
