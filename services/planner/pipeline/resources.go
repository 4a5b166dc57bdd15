// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline decides where stateful data structures live in a
// fixed-stage switch pipeline.
//
// Resources tracks per-stage consumption and the log of accepted placement
// requests. A Placer runs each request through the placement state machine:
//
//	Unplaced -> TryGreedy -> Placed
//	                      -> TryExhaustive -> Placed | Rejected
//
// A rejected request never mutates Resources. Rejection is an expected
// outcome (the plan is infeasible on this target), not an error.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Budget is a vector of pipeline resources. Units are whatever the target
// configuration uses (typically bits for memories and crossbar, a count for
// logical tables).
type Budget struct {
	SRAM     int64 `json:"sram" yaml:"sram"`
	TCAM     int64 `json:"tcam" yaml:"tcam"`
	MapRAM   int64 `json:"map_ram" yaml:"map_ram"`
	XbarBits int64 `json:"xbar_bits" yaml:"xbar_bits"`
	Tables   int64 `json:"tables" yaml:"tables"`
}

// Add returns b + o.
func (b Budget) Add(o Budget) Budget {
	return Budget{b.SRAM + o.SRAM, b.TCAM + o.TCAM, b.MapRAM + o.MapRAM, b.XbarBits + o.XbarBits, b.Tables + o.Tables}
}

// Sub returns b - o.
func (b Budget) Sub(o Budget) Budget {
	return Budget{b.SRAM - o.SRAM, b.TCAM - o.TCAM, b.MapRAM - o.MapRAM, b.XbarBits - o.XbarBits, b.Tables - o.Tables}
}

// Mul returns b scaled by n.
func (b Budget) Mul(n int64) Budget {
	return Budget{b.SRAM * n, b.TCAM * n, b.MapRAM * n, b.XbarBits * n, b.Tables * n}
}

// Within reports whether every component of b is at most the one of o.
func (b Budget) Within(o Budget) bool {
	return b.SRAM <= o.SRAM && b.TCAM <= o.TCAM && b.MapRAM <= o.MapRAM &&
		b.XbarBits <= o.XbarBits && b.Tables <= o.Tables
}

// IsZero reports whether every component is zero.
func (b Budget) IsZero() bool {
	return b == Budget{}
}

// components lists the fields in a fixed order for the solver encoding.
func (b Budget) components() [5]int64 {
	return [5]int64{b.SRAM, b.TCAM, b.MapRAM, b.XbarBits, b.Tables}
}

var componentNames = [5]string{"sram", "tcam", "map_ram", "xbar_bits", "tables"}

// units returns how many items of footprint per fit in b. A zero footprint
// fits without limit.
func (b Budget) units(per Budget) int64 {
	have, need := b.components(), per.components()
	n := int64(math.MaxInt64)
	for i := range need {
		if need[i] <= 0 {
			continue
		}
		if have[i] < 0 {
			return 0
		}
		if q := have[i] / need[i]; q < n {
			n = q
		}
	}
	return n
}

// String renders the non-zero components.
func (b Budget) String() string {
	var parts []string
	for i, v := range b.components() {
		if v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", componentNames[i], v))
		}
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Uniform returns n copies of b.
func Uniform(n int, b Budget) []Budget {
	out := make([]Budget, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// -----------------------------------------------------------------------------
// Placement records
// -----------------------------------------------------------------------------

// StageAlloc is the share of one part living in one stage.
type StageAlloc struct {
	Stage   int   `json:"stage"`
	Entries int64 `json:"entries"`
}

// PartPlacement is where one part of a structure was placed.
type PartPlacement struct {
	Part   PartID       `json:"part"`
	Allocs []StageAlloc `json:"allocs"`
}

// First returns the first stage occupied.
func (p PartPlacement) First() int {
	return p.Allocs[0].Stage
}

// Last returns the last stage occupied.
func (p PartPlacement) Last() int {
	return p.Allocs[len(p.Allocs)-1].Stage
}

// Placement is an accepted placement request.
type Placement struct {
	ID     DSID            `json:"id"`
	Deps   []DSID          `json:"deps,omitempty"`
	Parts  []PartPlacement `json:"parts"`
	Method Method          `json:"method"`

	structure Structure
}

// First returns the first stage occupied by any part.
func (p *Placement) First() int {
	first := math.MaxInt
	for _, pp := range p.Parts {
		first = min(first, pp.First())
	}
	return first
}

// Last returns the last stage occupied by any part.
func (p *Placement) Last() int {
	last := -1
	for _, pp := range p.Parts {
		last = max(last, pp.Last())
	}
	return last
}

// Structure returns the structure that was placed.
func (p *Placement) Structure() Structure {
	return p.structure
}

func (p *Placement) clone() *Placement {
	out := &Placement{ID: p.ID, Method: p.Method, structure: p.structure}
	out.Deps = append([]DSID(nil), p.Deps...)
	out.Parts = make([]PartPlacement, len(p.Parts))
	for i, pp := range p.Parts {
		out.Parts[i] = PartPlacement{Part: pp.Part, Allocs: append([]StageAlloc(nil), pp.Allocs...)}
	}
	return out
}

// usage returns what the placement consumes per stage.
func (p *Placement) usage() map[int]Budget {
	out := make(map[int]Budget)
	for i, pp := range p.Parts {
		part := p.structure.Parts[i]
		for _, a := range pp.Allocs {
			out[a.Stage] = out[a.Stage].Add(part.footprint(a.Entries))
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Resources
// -----------------------------------------------------------------------------

// Resources is the per-stage resource state of one switch pipeline plus the
// placement-request log.
//
// Thread Safety: Not safe for concurrent use. Each execution plan owns a
// clone.
type Resources struct {
	capacity   []Budget
	used       []Budget
	placements map[DSID]*Placement
	order      []DSID
}

// NewResources creates empty resources for stages with the given budgets.
func NewResources(stages []Budget) *Resources {
	return &Resources{
		capacity:   append([]Budget(nil), stages...),
		used:       make([]Budget, len(stages)),
		placements: make(map[DSID]*Placement),
	}
}

// NumStages returns the number of pipeline stages.
func (r *Resources) NumStages() int {
	return len(r.capacity)
}

// Capacity returns the budget of a stage.
func (r *Resources) Capacity(stage int) Budget {
	return r.capacity[stage]
}

// Used returns what is consumed in a stage.
func (r *Resources) Used(stage int) Budget {
	return r.used[stage]
}

// Free returns what is left in a stage.
func (r *Resources) Free(stage int) Budget {
	return r.capacity[stage].Sub(r.used[stage])
}

// TotalFree sums the free resources over all stages.
func (r *Resources) TotalFree() Budget {
	var out Budget
	for s := range r.capacity {
		out = out.Add(r.Free(s))
	}
	return out
}

// AlreadyRequested reports whether a structure was placed.
func (r *Resources) AlreadyRequested(id DSID) bool {
	_, ok := r.placements[id]
	return ok
}

// Placement returns the accepted placement of a structure.
func (r *Resources) Placement(id DSID) (*Placement, bool) {
	p, ok := r.placements[id]
	return p, ok
}

// Placements returns accepted placements in acceptance order.
func (r *Resources) Placements() []*Placement {
	out := make([]*Placement, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.placements[id])
	}
	return out
}

// Dependents returns the structures that declared id as a dependency.
func (r *Resources) Dependents(id DSID) []DSID {
	var out []DSID
	for _, other := range r.order {
		for _, d := range r.placements[other].Deps {
			if d == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Clone returns an independent copy.
func (r *Resources) Clone() *Resources {
	out := &Resources{
		capacity:   r.capacity,
		used:       append([]Budget(nil), r.used...),
		placements: make(map[DSID]*Placement, len(r.placements)),
		order:      append([]DSID(nil), r.order...),
	}
	for id, p := range r.placements {
		out.placements[id] = p.clone()
	}
	return out
}

// Equal reports whether two resource states hold the same consumption and
// placements.
func (r *Resources) Equal(o *Resources) bool {
	if len(r.used) != len(o.used) || len(r.order) != len(o.order) {
		return false
	}
	for i := range r.used {
		if r.used[i] != o.used[i] || r.capacity[i] != o.capacity[i] {
			return false
		}
	}
	for i, id := range r.order {
		if o.order[i] != id {
			return false
		}
	}
	return true
}

func (r *Resources) apply(p *Placement) {
	for stage, b := range p.usage() {
		r.used[stage] = r.used[stage].Add(b)
	}
	r.placements[p.ID] = p
	r.order = append(r.order, p.ID)
}

func (r *Resources) remove(id DSID) {
	p, ok := r.placements[id]
	if !ok {
		return
	}
	for stage, b := range p.usage() {
		r.used[stage] = r.used[stage].Sub(b)
	}
	delete(r.placements, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// replaceWith overwrites r with the state of o.
func (r *Resources) replaceWith(o *Resources) {
	r.used = o.used
	r.placements = o.placements
	r.order = o.order
}

// Verify checks that every stage stays within budget and every dependency
// edge A -> B satisfies last(A) <= first(B).
func (r *Resources) Verify() error {
	recomputed := make([]Budget, len(r.capacity))
	for _, id := range r.order {
		p := r.placements[id]
		for stage, b := range p.usage() {
			if stage < 0 || stage >= len(r.capacity) {
				return fmt.Errorf("%s: stage %d out of range", id, stage)
			}
			recomputed[stage] = recomputed[stage].Add(b)
		}
		for _, d := range p.Deps {
			dp, ok := r.placements[d]
			if !ok {
				return fmt.Errorf("%s: dependency %s not placed", id, d)
			}
			if dp.Last() > p.First() {
				return fmt.Errorf("%s: dependency %s ends in stage %d after first stage %d", id, d, dp.Last(), p.First())
			}
		}
	}
	for s := range recomputed {
		if !recomputed[s].Within(r.capacity[s]) {
			return fmt.Errorf("stage %d over budget: used %s capacity %s", s, recomputed[s], r.capacity[s])
		}
		if recomputed[s] != r.used[s] {
			return fmt.Errorf("stage %d accounting drift: recorded %s recomputed %s", s, r.used[s], recomputed[s])
		}
	}
	return nil
}

func sortedDeps(deps []DSID) []DSID {
	seen := make(map[DSID]bool, len(deps))
	out := make([]DSID, 0, len(deps))
	for _, d := range deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
