// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tofino

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
)

// cachedGroupMap returns the map whose cached table realizes addr, when addr
// is the map itself or a member of its coalescing group.
func cachedGroupMap(c *ep.Context, addr bdd.Addr) (bdd.Addr, bool) {
	if impl, ok := c.Impl(addr); !ok || impl != ep.ImplTofinoCachedTable {
		return 0, false
	}
	if grp, ok := c.Group(addr); ok {
		return grp.Map, true
	}
	return addr, true
}

// probe returns the structure the switch would need to run node, if node is
// a stateful call the switch can realize.
func (c *Config) probe(ctx *ep.Context, node *bdd.Node) (pipeline.Structure, bool) {
	if node.Kind != bdd.KindCall || node.Call == nil {
		return pipeline.Structure{}, false
	}
	addr := node.Call.Object
	if m, ok := cachedGroupMap(ctx, addr); ok {
		tc := ep.TargetAs[*Context](ctx, ep.TargetTofino)
		if p, placed := tc.Resources().Placement(CachedTableID(m)); placed {
			return p.Structure(), true
		}
	}
	p, ok := ctx.Primitive(addr)
	if !ok {
		return pipeline.Structure{}, false
	}
	switch node.Call.Function {
	case bdd.FnVectorBorrow, bdd.FnVectorReturn:
		return c.registerStructure(p), true
	case bdd.FnMapGet, bdd.FnMapPut, bdd.FnMapErase:
		if impl, has := ctx.Impl(addr); has && impl == ep.ImplTofinoTable {
			return c.tableStructure(p), true
		}
		caps := c.cacheCapacities(p)
		if len(caps) == 0 {
			return pipeline.Structure{}, false
		}
		return c.cachedTableStructure(p, c.groupValueBits(ctx, p), caps[0]), true
	}
	return pipeline.Structure{}, false
}

// cacheCapacities returns the configured cache sizes that do not exceed the
// map's own capacity, ascending.
func (c *Config) cacheCapacities(p bdd.Primitive) []int {
	var out []int
	for _, n := range c.CacheCapacities {
		if n > 0 && (p.Capacity <= 0 || n <= p.Capacity) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// -----------------------------------------------------------------------------
// Table
// -----------------------------------------------------------------------------

type tableFactory struct{ factory }

func (f *tableFactory) matches(g *bdd.Graph, c *ep.Context, node *bdd.Node) (bdd.Primitive, bool) {
	if !node.IsCall(bdd.FnMapGet) {
		return bdd.Primitive{}, false
	}
	p, ok := c.Primitive(node.Call.Object)
	if !ok || g.IsWritten(p.Addr) || !c.CanImplement(p.Addr, ep.ImplTofinoTable) {
		return bdd.Primitive{}, false
	}
	return p, true
}

func (f *tableFactory) build(node *bdd.Node) *Table {
	m := &Table{
		BaseModule: f.base(node.ID, fmt.Sprintf("table %d", node.Call.Object)),
		Addr:       node.Call.Object,
		Table:      TableID(node.Call.Object),
		Result:     node.Call.Results,
	}
	m.Key, _ = node.Call.Arg("key")
	return m
}

func (f *tableFactory) Speculate(e *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	p, ok := f.matches(e.Graph(), c, node)
	if !ok {
		return nil, false
	}
	tc, ok := f.tryPlace(context.Background(), c, pipeline.Request{Structure: f.cfg.tableStructure(p)})
	if !ok {
		return nil, false
	}
	nc := c.Clone()
	nc.SetTarget(tc)
	nc.SetImpl(p.Addr, ep.ImplTofinoTable)
	return speculated(f.build(node), nc)
}

func (f *tableFactory) Process(ctx context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok {
		return nil
	}
	p, ok := f.matches(e.Graph(), e.Context(), node)
	if !ok {
		return nil
	}
	s := f.cfg.tableStructure(p)
	tc, ok := f.tryPlace(ctx, e.Context(), pipeline.Request{Structure: s, Deps: pathStructures(e, leaf, s.ID)})
	if !ok {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.SetTarget(tc)
	nc.SetImpl(p.Addr, ep.ImplTofinoTable)
	return []ep.Implementation{ep.Place(next, f.build(node), leaf.Continue(node.Next))}
}

func (f *tableFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !node.IsCall(bdd.FnMapGet) {
		return nil, false
	}
	if impl, ok := c.Impl(node.Call.Object); !ok || impl != ep.ImplTofinoTable {
		return nil, false
	}
	return f.build(node), true
}

// -----------------------------------------------------------------------------
// Vector register
// -----------------------------------------------------------------------------

type vectorRegisterFactory struct{ factory }

func (f *vectorRegisterFactory) matches(c *ep.Context, node *bdd.Node) (bdd.Primitive, bool) {
	if !node.IsCall(bdd.FnVectorBorrow, bdd.FnVectorReturn) {
		return bdd.Primitive{}, false
	}
	p, ok := c.Primitive(node.Call.Object)
	if !ok || !c.CanImplement(p.Addr, ep.ImplTofinoRegister) {
		return bdd.Primitive{}, false
	}
	return p, true
}

func (f *vectorRegisterFactory) build(node *bdd.Node) *VectorRegister {
	write := node.Call.Function == bdd.FnVectorReturn
	verb := "read"
	if write {
		verb = "write"
	}
	m := &VectorRegister{
		BaseModule: f.base(node.ID, fmt.Sprintf("register %d %s", node.Call.Object, verb)),
		Addr:       node.Call.Object,
		Register:   RegisterID(node.Call.Object),
		Write:      write,
		Result:     node.Call.Results,
	}
	m.Index, _ = node.Call.Arg("index")
	m.Value, _ = node.Call.Arg("value")
	return m
}

func (f *vectorRegisterFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	p, ok := f.matches(c, node)
	if !ok {
		return nil, false
	}
	tc, ok := f.tryPlace(context.Background(), c, pipeline.Request{Structure: f.cfg.registerStructure(p)})
	if !ok {
		return nil, false
	}
	nc := c.Clone()
	nc.SetTarget(tc)
	nc.SetImpl(p.Addr, ep.ImplTofinoRegister)
	return speculated(f.build(node), nc)
}

func (f *vectorRegisterFactory) Process(ctx context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok {
		return nil
	}
	p, ok := f.matches(e.Context(), node)
	if !ok {
		return nil
	}
	s := f.cfg.registerStructure(p)
	tc, ok := f.tryPlace(ctx, e.Context(), pipeline.Request{Structure: s, Deps: pathStructures(e, leaf, s.ID)})
	if !ok {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.SetTarget(tc)
	nc.SetImpl(p.Addr, ep.ImplTofinoRegister)
	return []ep.Implementation{ep.Place(next, f.build(node), leaf.Continue(node.Next))}
}

func (f *vectorRegisterFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !node.IsCall(bdd.FnVectorBorrow, bdd.FnVectorReturn) {
		return nil, false
	}
	if impl, ok := c.Impl(node.Call.Object); !ok || impl != ep.ImplTofinoRegister {
		return nil, false
	}
	return f.build(node), true
}

// -----------------------------------------------------------------------------
// Cached table
// -----------------------------------------------------------------------------

type cachedTableReadFactory struct{ factory }

// candidates places one cached table per configured capacity on private
// copies of the switch context and ranks the ones that fit. deps must not
// contain the cached table itself.
func (f *cachedTableReadFactory) candidates(ctx context.Context, c *ep.Context, node *bdd.Node, deps []pipeline.DSID) []CacheCandidate {
	addr := node.Call.Object
	p, ok := c.Primitive(addr)
	if !ok || !c.CanImplement(addr, ep.ImplTofinoCachedTable) {
		return nil
	}
	caps := f.cfg.cacheCapacities(p)
	tc := ep.TargetAs[*Context](c, ep.TargetTofino)
	if existing, placed := tc.Resources().Placement(CachedTableID(addr)); placed {
		caps = []int{int(existing.Structure().Parts[0].Entries)}
	}
	valueBits := f.cfg.groupValueBits(c, p)

	var out []CacheCandidate
	for _, n := range caps {
		s := f.cfg.cachedTableStructure(p, valueBits, n)
		placed, ok := f.tryPlace(ctx, c, pipeline.Request{Structure: s, Deps: deps})
		if !ok {
			continue
		}
		var hit float64
		if prof := c.Profiler(); prof != nil {
			hit = prof.CacheHitRate(node.ID, addr, n)
		}
		out = append(out, CacheCandidate{Capacity: n, HitRate: hit, Footprint: s.Footprint(), target: placed})
	}
	slices.SortStableFunc(out, f.cfg.Ranker)
	if limit := f.cfg.MaxCacheCandidates; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *cachedTableReadFactory) lookup(node *bdd.Node, cand CacheCandidate, hit bdd.Expr) *CachedTableRead {
	m := &CachedTableRead{
		BaseModule: f.base(node.ID, fmt.Sprintf("cached table %d (%d)", node.Call.Object, cand.Capacity)),
		Addr:       node.Call.Object,
		Table:      CachedTableID(node.Call.Object),
		Capacity:   cand.Capacity,
		HitRate:    cand.HitRate,
		Hit:        hit,
		Result:     node.Call.Results,
	}
	m.Key, _ = node.Call.Arg("key")
	return m
}

// rowRead builds the module for a coalesced vector read served by the row
// the map lookup matched.
func (f *cachedTableReadFactory) rowRead(c *ep.Context, node *bdd.Node) (*CachedTableRead, pipeline.Structure, bool) {
	if !node.IsCall(bdd.FnVectorBorrow) {
		return nil, pipeline.Structure{}, false
	}
	mapAddr, ok := cachedGroupMap(c, node.Call.Object)
	if !ok || mapAddr == node.Call.Object {
		return nil, pipeline.Structure{}, false
	}
	tc := ep.TargetAs[*Context](c, ep.TargetTofino)
	pl, ok := tc.Resources().Placement(CachedTableID(mapAddr))
	if !ok {
		return nil, pipeline.Structure{}, false
	}
	m := &CachedTableRead{
		BaseModule: f.base(node.ID, fmt.Sprintf("cached row %d", node.Call.Object)),
		Addr:       node.Call.Object,
		Table:      pl.ID,
		Capacity:   int(pl.Structure().Parts[0].Entries),
		Result:     node.Call.Results,
	}
	m.Key, _ = node.Call.Arg("index")
	return m, pl.Structure(), true
}

func (f *cachedTableReadFactory) Speculate(e *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if m, _, ok := f.rowRead(c, node); ok {
		return speculated(m, c.Clone())
	}
	if !f.controller || !node.IsCall(bdd.FnMapGet) || !e.Graph().IsWritten(node.Call.Object) {
		return nil, false
	}
	cands := f.candidates(context.Background(), c, node, nil)
	if len(cands) == 0 {
		return nil, false
	}
	best := cands[0]
	nc := c.Clone()
	nc.SetTarget(best.target)
	nc.SetGroupImpl(node.Call.Object, ep.ImplTofinoCachedTable)
	nc.Oracle().AddController(nc.TrafficFraction(node.ID) * (1 - best.HitRate))
	return speculated(f.lookup(node, best, bdd.Expr{Repr: fmt.Sprintf("cache_hit_%d", node.Call.Object), Width: 1}), nc)
}

// Process emits one plan per ranked cache size. Each plan rewrites its graph
// so the lookup's subtree is guarded by the hit flag: the original subtree
// stays on the switch for hits and a fresh clone runs on the controller for
// misses. The profiler is rescaled so that both sides carry their share of
// the traffic.
func (f *cachedTableReadFactory) Process(ctx context.Context, e *ep.EP, node *bdd.Node, syms *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok {
		return nil
	}
	if m, s, ok := f.rowRead(e.Context(), node); ok {
		tc, placed := f.tryPlace(ctx, e.Context(), pipeline.Request{Structure: s, Deps: pathStructures(e, leaf, s.ID)})
		if !placed {
			return nil
		}
		next := e.Clone()
		next.Context().SetTarget(tc)
		return []ep.Implementation{ep.Place(next, m, leaf.Continue(node.Next))}
	}
	if !f.controller || !node.IsCall(bdd.FnMapGet) || !e.Graph().IsWritten(node.Call.Object) {
		return nil
	}
	if syms == nil {
		syms = bdd.NewSymbolAllocator()
	}

	var out []ep.Implementation
	deps := pathStructures(e, leaf, CachedTableID(node.Call.Object))
	for _, cand := range f.candidates(ctx, e.Context(), node, deps) {
		impl, ok := f.fork(e, leaf, node, cand, syms)
		if ok {
			out = append(out, impl)
		}
	}
	return out
}

func (f *cachedTableReadFactory) fork(e *ep.EP, leaf ep.Leaf, node *bdd.Node, cand CacheCandidate, syms *bdd.SymbolAllocator) (ep.Implementation, bool) {
	addr := node.Call.Object
	next := e.Clone()
	g := next.Graph().Clone()
	sym := syms.Fresh(fmt.Sprintf("cache_hit_%d", addr), 1)
	hit := bdd.Expr{Repr: sym.Name, Width: 1}
	_, missRoot, mapping, err := g.InsertBranchAbove(node.ID, hit)
	if err != nil {
		f.logger.Warn("cached table rewrite failed",
			slog.Int("node", int(node.ID)),
			slog.String("error", err.Error()))
		return ep.Implementation{}, false
	}

	nc := next.Context()
	fraction := nc.TrafficFraction(node.ID)
	if prof := nc.Profiler(); prof != nil {
		prof = prof.Clone()
		prof.CopyScaled(mapping, 1-cand.HitRate)
		prof.ScaleSubtree(g, node.ID, cand.HitRate)
		nc.SetProfiler(prof)
	}
	nc.Oracle().AddController(fraction * (1 - cand.HitRate))
	nc.SetTarget(cand.target.clone())
	nc.SetGroupImpl(addr, ep.ImplTofinoCachedTable)
	next.ReplaceGraph(g, nil)

	m := f.lookup(node, cand, hit)
	return ep.Place(next, m, leaf.Continue(node.Next), leaf.HandOff(missRoot, ep.TargetController)), true
}

func (f *cachedTableReadFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if m, _, ok := f.rowRead(c, node); ok {
		return m, true
	}
	if !node.IsCall(bdd.FnMapGet) {
		return nil, false
	}
	if impl, ok := c.Impl(node.Call.Object); !ok || impl != ep.ImplTofinoCachedTable {
		return nil, false
	}
	tc := ep.TargetAs[*Context](c, ep.TargetTofino)
	pl, ok := tc.Resources().Placement(CachedTableID(node.Call.Object))
	if !ok {
		return nil, false
	}
	cand := CacheCandidate{Capacity: int(pl.Structure().Parts[0].Entries)}
	if prof := c.Profiler(); prof != nil {
		cand.HitRate = prof.CacheHitRate(node.ID, node.Call.Object, cand.Capacity)
	}
	return f.lookup(node, cand, bdd.Expr{Repr: fmt.Sprintf("cache_hit_%d", node.Call.Object), Width: 1}), true
}

type cachedTableWriteFactory struct{ factory }

// matches returns the placed cached table a write on node updates.
func (f *cachedTableWriteFactory) matches(c *ep.Context, node *bdd.Node) (*pipeline.Placement, bool) {
	if !node.IsCall(bdd.FnMapPut, bdd.FnMapErase, bdd.FnVectorReturn) {
		return nil, false
	}
	mapAddr, ok := cachedGroupMap(c, node.Call.Object)
	if !ok {
		return nil, false
	}
	if node.Call.Function != bdd.FnVectorReturn && mapAddr != node.Call.Object {
		return nil, false
	}
	tc := ep.TargetAs[*Context](c, ep.TargetTofino)
	return tc.Resources().Placement(CachedTableID(mapAddr))
}

func (f *cachedTableWriteFactory) build(node *bdd.Node, table pipeline.DSID) *CachedTableWrite {
	m := &CachedTableWrite{
		BaseModule: f.base(node.ID, fmt.Sprintf("cached table write %d", node.Call.Object)),
		Addr:       node.Call.Object,
		Table:      table,
		Function:   node.Call.Function,
	}
	if k, ok := node.Call.Arg("key"); ok {
		m.Key = k
	} else {
		m.Key, _ = node.Call.Arg("index")
	}
	m.Value, _ = node.Call.Arg("value")
	return m
}

func (f *cachedTableWriteFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	pl, ok := f.matches(c, node)
	if !ok {
		return nil, false
	}
	return speculated(f.build(node, pl.ID), c.Clone())
}

func (f *cachedTableWriteFactory) Process(ctx context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok {
		return nil
	}
	pl, ok := f.matches(e.Context(), node)
	if !ok {
		return nil
	}
	tc, ok := f.tryPlace(ctx, e.Context(), pipeline.Request{Structure: pl.Structure(), Deps: pathStructures(e, leaf, pl.ID)})
	if !ok {
		return nil
	}
	next := e.Clone()
	next.Context().SetTarget(tc)
	return []ep.Implementation{ep.Place(next, f.build(node, pl.ID), leaf.Continue(node.Next))}
}

func (f *cachedTableWriteFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	pl, ok := f.matches(c, node)
	if !ok {
		return nil, false
	}
	return f.build(node, pl.ID), true
}
