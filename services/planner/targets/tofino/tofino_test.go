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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testCaps() oracle.Capacities {
	return oracle.Capacities{
		FrontPanel:     map[int]float64{1: 100e9, 2: 100e9},
		Recirculation:  map[int]float64{68: 100e9},
		AvgPacketBytes: 64,
	}
}

func roomyStages() []pipeline.Budget {
	return pipeline.Uniform(4, pipeline.Budget{SRAM: 1 << 20, MapRAM: 1 << 20, XbarBits: 1024, Tables: 16})
}

func newPlan(t *testing.T, g *bdd.Graph, prof *profiler.Profile, stages []pipeline.Budget) *ep.EP {
	t.Helper()
	pr, err := profiler.New(g, prof)
	require.NoError(t, err)
	orc, err := oracle.New(testCaps())
	require.NoError(t, err)
	c := ep.NewContext(g, pr, orc, NewContext(stages, pipeline.NewPlacer()))
	return ep.New(g, c, ep.TargetTofino, nil)
}

func factoryOf(t *testing.T, fs []ep.ModuleFactory, kind ep.ModuleKind) ep.ModuleFactory {
	t.Helper()
	for _, f := range fs {
		if f.Type().Kind == kind {
			return f
		}
	}
	t.Fatalf("no factory for %s", kind)
	return nil
}

// process runs f on the plan's active leaf.
func process(t *testing.T, f ep.ModuleFactory, e *ep.EP) []ep.Implementation {
	t.Helper()
	leaf, ok := e.ActiveLeaf()
	require.True(t, ok, "plan has no active leaf")
	return f.Process(context.Background(), e, e.Graph().MustGet(leaf.Next), bdd.NewSymbolAllocator())
}

func only(t *testing.T, impls []ep.Implementation) *ep.EP {
	t.Helper()
	require.Len(t, impls, 1)
	return impls[0].EP
}

func switchOf(e *ep.EP) *Context {
	return ep.TargetAs[*Context](e.Context(), ep.TargetTofino)
}

func mapGet(addr bdd.Addr, found string) *bdd.Call {
	return &bdd.Call{
		Function: bdd.FnMapGet,
		Object:   addr,
		Args:     map[string]bdd.Expr{"key": {Repr: "k", Width: 32}},
		Results:  []bdd.Symbol{{Name: found, Width: 1}},
	}
}

// -----------------------------------------------------------------------------
// Factory set
// -----------------------------------------------------------------------------

func TestFactories_ControllerGate(t *testing.T) {
	kinds := func(fs []ep.ModuleFactory) []ep.ModuleKind {
		var out []ep.ModuleKind
		for _, f := range fs {
			assert.Equal(t, ep.TargetTofino, f.Target())
			out = append(out, f.Type().Kind)
		}
		return out
	}

	without := kinds(Factories(DefaultConfig(), false))
	assert.NotContains(t, without, KindSendToController)
	assert.Contains(t, without, KindCachedTableRead)

	with := kinds(Factories(DefaultConfig(), true))
	assert.Contains(t, with, KindSendToController)
	assert.Len(t, with, len(without)+1)
}

func TestRankers(t *testing.T) {
	small := CacheCandidate{Capacity: 1024, HitRate: 0.8, Footprint: pipeline.Budget{SRAM: 10}}
	large := CacheCandidate{Capacity: 4096, HitRate: 0.8, Footprint: pipeline.Budget{SRAM: 40}}
	better := CacheCandidate{Capacity: 4096, HitRate: 0.9, Footprint: pipeline.Budget{SRAM: 40}}

	assert.Negative(t, RankByHitRate(better, small))
	assert.Negative(t, RankByHitRate(small, large), "ties go to the smaller footprint")
	assert.Negative(t, RankBySmallest(small, large))
	assert.Negative(t, RankByLargest(large, small))

	assert.Equal(t, []string{"hit-rate", "largest", "smallest"}, RankerNames())
	r, err := RankerByName("largest")
	require.NoError(t, err)
	assert.Negative(t, r(large, small))
	_, err = RankerByName("nope")
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// Tables and registers
// -----------------------------------------------------------------------------

func TestTable_ReadOnlyMap(t *testing.T) {
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 16})
	get := b.Call(mapGet(1, "found"))
	fwd := b.Forward(1)
	b.Chain(get, fwd)
	g, err := b.Build(get)
	require.NoError(t, err)

	fs := Factories(DefaultConfig(), true)
	e := newPlan(t, g, nil, roomyStages())

	next := only(t, process(t, factoryOf(t, fs, KindTable), e))
	impl, ok := next.Context().Impl(1)
	require.True(t, ok)
	assert.Equal(t, ep.ImplTofinoTable, impl)
	m, ok := next.Node(next.Root()).Module.(*Table)
	require.True(t, ok)
	assert.Equal(t, TableID(1), m.Structure())
	assert.Equal(t, "k", m.Key.Repr)

	_, placed := switchOf(next).Resources().Placement(TableID(1))
	assert.True(t, placed)
	_, placed = switchOf(e).Resources().Placement(TableID(1))
	assert.False(t, placed, "the input plan must not change")

	done := only(t, process(t, factoryOf(t, fs, KindForward), next))
	assert.True(t, done.Finished())
	assert.NoError(t, switchOf(done).Verify())

	rebuilt, ok := factoryOf(t, fs, KindTable).Create(g, next.Context(), g.MustGet(get))
	require.True(t, ok)
	assert.Equal(t, m.Table, rebuilt.(*Table).Table)
	_, ok = factoryOf(t, fs, KindTable).Create(g, e.Context(), g.MustGet(get))
	assert.False(t, ok)
}

func TestTable_RejectsWrittenMap(t *testing.T) {
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 16})
	get := b.Call(mapGet(1, "found"))
	put := b.Call(&bdd.Call{Function: bdd.FnMapPut, Object: 1, Args: map[string]bdd.Expr{"key": {Repr: "k"}, "value": {Repr: "v"}}})
	fwd := b.Forward(1)
	b.Chain(get, put, fwd)
	g, err := b.Build(get)
	require.NoError(t, err)

	fs := Factories(DefaultConfig(), true)
	e := newPlan(t, g, nil, roomyStages())
	assert.Empty(t, process(t, factoryOf(t, fs, KindTable), e))
}

func TestVectorRegister_ReadThenWrite(t *testing.T) {
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 2, Kind: bdd.PrimitiveVector, Capacity: 64})
	borrow := b.Call(&bdd.Call{
		Function: bdd.FnVectorBorrow,
		Object:   2,
		Args:     map[string]bdd.Expr{"index": {Repr: "i"}},
		Results:  []bdd.Symbol{{Name: "cell"}},
	})
	ret := b.Call(&bdd.Call{
		Function: bdd.FnVectorReturn,
		Object:   2,
		Args:     map[string]bdd.Expr{"index": {Repr: "i"}, "value": {Repr: "cell + 1"}},
	})
	fwd := b.Forward(2)
	b.Chain(borrow, ret, fwd)
	g, err := b.Build(borrow)
	require.NoError(t, err)

	fs := Factories(DefaultConfig(), false)
	reg := factoryOf(t, fs, KindVectorRegister)
	e := newPlan(t, g, nil, roomyStages())

	read := only(t, process(t, reg, e))
	write := only(t, process(t, reg, read))

	first := read.Node(read.Root()).Module.(*VectorRegister)
	assert.False(t, first.Write)
	assert.Equal(t, "i", first.Index.Repr)
	second := write.Node(write.Node(write.Root()).Children[0]).Module.(*VectorRegister)
	assert.True(t, second.Write)
	assert.Equal(t, "cell + 1", second.Value.Repr)

	assert.Len(t, switchOf(write).Resources().Placements(), 1, "both accesses share one register")
	impl, _ := write.Context().Impl(2)
	assert.Equal(t, ep.ImplTofinoRegister, impl)
}

// -----------------------------------------------------------------------------
// Cached table
// -----------------------------------------------------------------------------

// cachedGraph builds: 0 get(map 1) -> 1 if found T: 2 fwd(1) F: 3 put -> 4 fwd(2)
func cachedGraph(t *testing.T) *bdd.Graph {
	t.Helper()
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 65536, KeyBits: 32, ValueBits: 32})
	get := b.Call(mapGet(1, "found"))
	br := b.Branch(bdd.Expr{Repr: "found", Width: 1})
	hit := b.Forward(1)
	put := b.Call(&bdd.Call{Function: bdd.FnMapPut, Object: 1, Args: map[string]bdd.Expr{"key": {Repr: "k"}, "value": {Repr: "v"}}})
	miss := b.Forward(2)
	b.Chain(get, br)
	b.Sides(br, hit, put)
	b.Chain(put, miss)
	g, err := b.Build(get)
	require.NoError(t, err)
	return g
}

func cachedProfile() *profiler.Profile {
	return &profiler.Profile{
		TotalPackets: 1000,
		Nodes: []profiler.NodeProfile{{
			Node:  0,
			Flows: map[bdd.Addr]profiler.FlowStats{1: {Packets: 1000, Flows: 10, ChurnRate: 0.2}},
		}},
	}
}

func TestCachedTableRead_ForksPerCandidate(t *testing.T) {
	g := cachedGraph(t)
	cfg := DefaultConfig()
	cfg.CacheCapacities = []int{4096, 1024}
	fs := Factories(cfg, true)
	e := newPlan(t, g, cachedProfile(), roomyStages())

	impls := process(t, factoryOf(t, fs, KindCachedTableRead), e)
	require.Len(t, impls, 2)

	first := impls[0].Module.(*CachedTableRead)
	assert.Equal(t, 1024, first.Capacity, "equal hit rates prefer the smaller footprint")
	assert.InDelta(t, 0.8, first.HitRate, 1e-9)
	assert.Equal(t, 4096, impls[1].Module.(*CachedTableRead).Capacity)

	next := impls[0].EP
	assert.Equal(t, 5, e.Graph().Len(), "the input graph is untouched")
	assert.Equal(t, 11, next.Graph().Len())

	leaves := next.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, bdd.NodeID(1), leaves[0].Next)
	assert.Equal(t, ep.TargetTofino, leaves[0].Target)
	assert.Equal(t, ep.TargetController, leaves[1].Target)
	missRoot := leaves[1].Next
	assert.NotEqual(t, bdd.NodeID(0), missRoot)
	clone := next.Graph().MustGet(missRoot)
	require.True(t, clone.IsCall(bdd.FnMapGet))
	assert.Equal(t, bdd.Addr(1), clone.Call.Object)

	root := next.Node(next.Root())
	assert.True(t, root.IsBranch())
	assert.Equal(t, first.Hit, root.Condition)
	assert.True(t, next.Graph().MustGet(next.Graph().Root()).Kind == bdd.KindBranch)

	c := next.Context()
	impl, _ := c.Impl(1)
	assert.Equal(t, ep.ImplTofinoCachedTable, impl)
	assert.InDelta(t, 0.2, c.Oracle().ControllerFraction(), 1e-9)
	assert.InDelta(t, 0.8, c.Profiler().Fraction(0), 1e-9)
	assert.InDelta(t, 0.2, c.Profiler().Fraction(missRoot), 1e-9)
	assert.InDelta(t, 1.0, e.Context().Profiler().Fraction(0), 1e-9)

	pl, ok := switchOf(next).Resources().Placement(CachedTableID(1))
	require.True(t, ok)
	assert.EqualValues(t, 1024, pl.Structure().Parts[0].Entries)
}

func TestCachedTableRead_RankerAndLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheCapacities = []int{1024, 4096}
	cfg.Ranker = RankByLargest
	cfg.MaxCacheCandidates = 1
	fs := Factories(cfg, true)
	e := newPlan(t, cachedGraph(t), cachedProfile(), roomyStages())

	impls := process(t, factoryOf(t, fs, KindCachedTableRead), e)
	require.Len(t, impls, 1)
	assert.Equal(t, 4096, impls[0].Module.(*CachedTableRead).Capacity)
}

func TestCachedTableRead_NeedsController(t *testing.T) {
	fs := Factories(DefaultConfig(), false)
	e := newPlan(t, cachedGraph(t), cachedProfile(), roomyStages())
	assert.Empty(t, process(t, factoryOf(t, fs, KindCachedTableRead), e))
}

func TestCachedTableWrite_FollowsCachedRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheCapacities = []int{1024}
	fs := Factories(cfg, true)
	e := newPlan(t, cachedGraph(t), cachedProfile(), roomyStages())

	read := only(t, process(t, factoryOf(t, fs, KindCachedTableRead), e))
	branched := only(t, process(t, factoryOf(t, fs, KindIf), read))
	hit := only(t, process(t, factoryOf(t, fs, KindForward), branched))

	leaf, ok := hit.ActiveLeaf()
	require.True(t, ok)
	require.True(t, hit.Graph().MustGet(leaf.Next).IsCall(bdd.FnMapPut))
	write := only(t, process(t, factoryOf(t, fs, KindCachedTableWrite), hit))

	m := write.Node(ep.EPNodeID(write.Len() - 1)).Module.(*CachedTableWrite)
	assert.Equal(t, CachedTableID(1), m.Structure())
	assert.Equal(t, bdd.FnMapPut, m.Function)
	assert.Len(t, switchOf(write).Resources().Placements(), 1)
	assert.NoError(t, switchOf(write).Verify())
}

// -----------------------------------------------------------------------------
// Recirculation and hand-offs
// -----------------------------------------------------------------------------

// orderingConflict builds get(3) -> get(1) -> borrow(2) -> get(3) -> fwd on a
// pipeline with one table per stage. The first pass places map 3 in stage 0
// and map 1 and vector 2 after it, so the second lookup of map 3 cannot follow
// them in the same pass.
func orderingConflict(t *testing.T) *bdd.Graph {
	t.Helper()
	b := bdd.NewBuilder().
		Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 16}).
		Primitive(bdd.Primitive{Addr: 2, Kind: bdd.PrimitiveVector, Capacity: 16}).
		Primitive(bdd.Primitive{Addr: 3, Kind: bdd.PrimitiveMap, Capacity: 16})
	first := b.Call(mapGet(3, "a"))
	second := b.Call(mapGet(1, "b"))
	borrow := b.Call(&bdd.Call{Function: bdd.FnVectorBorrow, Object: 2, Args: map[string]bdd.Expr{"index": {Repr: "b"}}})
	again := b.Call(mapGet(3, "c"))
	fwd := b.Forward(1)
	b.Chain(first, second, borrow, again, fwd)
	g, err := b.Build(first)
	require.NoError(t, err)
	return g
}

func TestRecirculate_ResolvesOrderingConflict(t *testing.T) {
	stages := pipeline.Uniform(4, pipeline.Budget{SRAM: 1 << 16, XbarBits: 256, Tables: 1})
	fs := Factories(DefaultConfig(), true)
	table := factoryOf(t, fs, KindTable)
	reg := factoryOf(t, fs, KindVectorRegister)
	recirc := factoryOf(t, fs, KindRecirculate)

	e := newPlan(t, orderingConflict(t), nil, stages)
	assert.Empty(t, process(t, recirc, e), "nothing to reorder yet")

	e = only(t, process(t, table, e))
	e = only(t, process(t, table, e))
	e = only(t, process(t, reg, e))

	res := switchOf(e).Resources()
	p3, _ := res.Placement(TableID(3))
	p2, _ := res.Placement(RegisterID(2))
	assert.Equal(t, 0, p3.First())
	assert.Equal(t, 2, p2.First())

	assert.Empty(t, process(t, table, e), "map 3 is already placed before its new dependencies")

	looped := only(t, process(t, recirc, e))
	leaf, ok := looped.ActiveLeaf()
	require.True(t, ok)
	assert.Equal(t, 1, leaf.RecircDepth)
	assert.Equal(t, ep.TargetTofino, leaf.Target)
	assert.False(t, looped.Processed(leaf.Next), "recirculation does not consume the node")
	assert.InDelta(t, 1.0, looped.Context().Oracle().RecirculationFraction(), 1e-9)

	again := only(t, process(t, table, looped))
	p3, _ = switchOf(again).Resources().Placement(TableID(3))
	assert.Equal(t, 0, p3.First(), "the second pass reuses the first placement")

	assert.Empty(t, process(t, recirc, looped), "depth is bounded")
}

func TestSendToController_HandsOff(t *testing.T) {
	g := cachedGraph(t)
	fs := Factories(DefaultConfig(), true)
	e := newPlan(t, g, nil, roomyStages())

	next := only(t, process(t, factoryOf(t, fs, KindSendToController), e))
	leaf, ok := next.ActiveLeaf()
	require.True(t, ok)
	assert.Equal(t, bdd.NodeID(0), leaf.Next)
	assert.Equal(t, ep.TargetController, leaf.Target)
	assert.False(t, next.Processed(0))
	assert.InDelta(t, 1.0, next.Context().Oracle().ControllerFraction(), 1e-9)

	assert.Empty(t, process(t, factoryOf(t, fs, KindSendToController), next), "the leaf is no longer on the switch")
}

func TestIgnore_RejuvenateFollowsImplementation(t *testing.T) {
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 4, Kind: bdd.PrimitiveDchain, Capacity: 16})
	rej := b.Call(&bdd.Call{Function: bdd.FnDchainRejuvenate, Object: 4, Args: map[string]bdd.Expr{"index": {Repr: "i"}}})
	sum := b.Call(&bdd.Call{Function: bdd.FnChecksum})
	drop := b.Drop()
	b.Chain(rej, sum, drop)
	g, err := b.Build(rej)
	require.NoError(t, err)

	ignore := factoryOf(t, Factories(DefaultConfig(), false), KindIgnore)
	e := newPlan(t, g, nil, roomyStages())
	assert.Empty(t, process(t, ignore, e))

	e.Context().SetImpl(4, ep.ImplTofinoTable)
	next := only(t, process(t, ignore, e))
	next = only(t, process(t, ignore, next))
	assert.True(t, next.Processed(1))

	done := only(t, process(t, factoryOf(t, Factories(DefaultConfig(), false), KindDrop), next))
	assert.True(t, done.Finished())
	assert.InDelta(t, 1.0, done.Context().Oracle().DropFraction(), 1e-9)
}
