// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bdd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFlowTable builds a small flow-table NF:
//
//	0 parse -> 1 map_get -> 2 if(found)
//	  T: 3 vector_borrow -> 4 dchain_rejuvenate -> 5 forward(1)
//	  F: 6 dchain_allocate -> 7 if(ok)
//	       T: 8 map_put -> 9 vector_borrow -> 10 forward(1)
//	       F: 11 drop
func buildFlowTable(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder()
	b.Primitive(Primitive{Addr: 1, Kind: PrimitiveMap, Capacity: 1024, KeyBits: 104, ValueBits: 32})
	b.Primitive(Primitive{Addr: 2, Kind: PrimitiveDchain, Capacity: 1024})
	b.Primitive(Primitive{Addr: 3, Kind: PrimitiveVector, Capacity: 1024, ValueBits: 64})

	parse := b.Call(&Call{Function: FnParseHeader})
	get := b.Call(&Call{Function: FnMapGet, Object: 1,
		Args:    map[string]Expr{"key": {Repr: "flow", Width: 104}},
		Results: []Symbol{{Name: "value_0", Width: 32}, {Name: "found_0", Width: 1}}})
	found := b.Branch(Expr{Repr: "found_0 == 1"})
	vb1 := b.Call(&Call{Function: FnVectorBorrow, Object: 3, Args: map[string]Expr{"index": {Repr: "value_0"}}})
	rej := b.Call(&Call{Function: FnDchainRejuvenate, Object: 2, Args: map[string]Expr{"index": {Repr: "value_0"}}})
	fwd1 := b.Forward(1)
	alloc := b.Call(&Call{Function: FnDchainAllocate, Object: 2,
		Results: []Symbol{{Name: "index_0", Width: 32}, {Name: "ok_0", Width: 1}}})
	ok := b.Branch(Expr{Repr: "ok_0 != 0"})
	put := b.Call(&Call{Function: FnMapPut, Object: 1,
		Args: map[string]Expr{"key": {Repr: "flow"}, "value": {Repr: "index_0"}}})
	vb2 := b.Call(&Call{Function: FnVectorBorrow, Object: 3, Args: map[string]Expr{"index": {Repr: "index_0"}}})
	fwd2 := b.Forward(1)
	drop := b.Drop()

	b.Chain(parse, get, found)
	b.Sides(found, vb1, alloc)
	b.Chain(vb1, rej, fwd1)
	b.Chain(alloc, ok)
	b.Sides(ok, put, drop)
	b.Chain(put, vb2, fwd2)

	g, err := b.Build(parse)
	require.NoError(t, err)
	return g
}

func TestBuild_LinksAndConstraints(t *testing.T) {
	g := buildFlowTable(t)

	assert.Equal(t, NodeID(0), g.Root())
	assert.Equal(t, 12, g.Len())
	assert.Equal(t, NodeID(1), g.MustGet(2).Prev)

	put := g.MustGet(8)
	require.Len(t, put.Constraints, 2)
	assert.Equal(t, "!(found_0 == 1)", put.Constraints[0].Repr)
	assert.Equal(t, "ok_0 != 0", put.Constraints[1].Repr)
	assert.True(t, g.Reachable(11))
	assert.Equal(t, []NodeID{0, 1, 2, 6, 7}, g.Ancestors(8))
}

func TestBuild_RejectsMalformedGraphs(t *testing.T) {
	t.Run("two parents", func(t *testing.T) {
		b := NewBuilder()
		a := b.Call(&Call{Function: FnParseHeader})
		c := b.Call(&Call{Function: FnParseHeader})
		br := b.Branch(Expr{Repr: "x"})
		b.Chain(a, br)
		b.Sides(br, c, c)
		_, err := b.Build(a)
		assert.ErrorIs(t, err, ErrInvalidGraph)
	})
	t.Run("orphan", func(t *testing.T) {
		b := NewBuilder()
		a := b.Call(&Call{Function: FnParseHeader})
		b.Drop()
		_, err := b.Build(a)
		assert.ErrorIs(t, err, ErrInvalidGraph)
	})
	t.Run("branch missing a side", func(t *testing.T) {
		b := NewBuilder()
		br := b.Branch(Expr{Repr: "x"})
		_, err := b.Build(br)
		assert.ErrorIs(t, err, ErrInvalidGraph)
	})
}

func TestMustGet_PanicsWithLookupError(t *testing.T) {
	g := buildFlowTable(t)
	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrUnknownNode))
	}()
	g.MustGet(999)
}

func TestClone_IsIndependent(t *testing.T) {
	g := buildFlowTable(t)
	c := g.Clone()
	assert.Equal(t, g.Hash(), c.Hash())

	_, err := c.Delete(3)
	require.NoError(t, err)
	assert.NotEqual(t, g.Hash(), c.Hash())
	assert.True(t, g.Contains(3))
	assert.False(t, c.Contains(3))
}

func TestDelete_SplicesSuccessor(t *testing.T) {
	g := buildFlowTable(t).Clone()

	next, err := g.Delete(4)
	require.NoError(t, err)
	assert.Equal(t, NodeID(5), next)
	assert.Equal(t, NodeID(5), g.MustGet(3).Next)
	assert.Equal(t, NodeID(3), g.MustGet(5).Prev)

	next, err = g.Delete(0)
	require.NoError(t, err)
	assert.Equal(t, NodeID(1), next)
	assert.Equal(t, NodeID(1), g.Root())
	assert.Equal(t, NoNode, g.MustGet(1).Prev)
}

func TestDelete_Errors(t *testing.T) {
	g := buildFlowTable(t).Clone()

	_, err := g.Delete(2)
	assert.ErrorIs(t, err, ErrUnsupportedRewrite)

	_, err = g.Delete(11)
	assert.ErrorIs(t, err, ErrUnsupportedRewrite, "drop is the only node on a branch side")

	_, err = g.Delete(42)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestDeleteBranch_KeepsOneSide(t *testing.T) {
	g := buildFlowTable(t).Clone()

	kept, err := g.DeleteBranch(7, true)
	require.NoError(t, err)
	assert.Equal(t, NodeID(8), kept)
	assert.Equal(t, NodeID(8), g.MustGet(6).Next)
	assert.False(t, g.Contains(11))
	assert.False(t, g.Contains(7))
	require.Len(t, g.MustGet(8).Constraints, 1)
	assert.Equal(t, "!(found_0 == 1)", g.MustGet(8).Constraints[0].Repr)
}

func TestInsertBranchAbove_ClonesSubtree(t *testing.T) {
	g := buildFlowTable(t).Clone()
	before := g.Len()

	br, clone, mapping, err := g.InsertBranchAbove(1, Expr{Repr: "cache_hit_0"})
	require.NoError(t, err)

	assert.Equal(t, before*2-1+1, g.Len(), "subtree below parse copied plus one branch")
	assert.Len(t, mapping, before-1)
	assert.Equal(t, br, g.MustGet(0).Next)
	assert.Equal(t, NodeID(1), g.MustGet(br).OnTrue)
	assert.Equal(t, clone, g.MustGet(br).OnFalse)
	assert.True(t, g.Reachable(clone))
	assert.True(t, g.Reachable(mapping[11]))

	cloned := g.MustGet(mapping[8])
	assert.Equal(t, FnMapPut, cloned.Call.Function)
	require.Len(t, cloned.Constraints, 3)
	assert.Equal(t, "!(cache_hit_0)", cloned.Constraints[0].Repr)
}

func TestFutureCalls(t *testing.T) {
	g := buildFlowTable(t)

	assert.Equal(t, []NodeID{3, 9}, g.FutureCalls(0, FnVectorBorrow))
	assert.Equal(t, []NodeID{8}, g.FutureCallsOn(1, 1, FnMapPut))
	assert.Empty(t, g.FutureCallsOn(8, 1, FnMapPut), "from itself is excluded")
	assert.True(t, g.IsWritten(1))
	assert.False(t, g.IsWritten(3))
}

func TestMatchAllocateThenPut(t *testing.T) {
	g := buildFlowTable(t)

	branch, put, ok := g.MatchAllocateThenPut(6)
	require.True(t, ok)
	assert.Equal(t, NodeID(7), branch)
	assert.Equal(t, NodeID(8), put)

	_, _, ok = g.MatchAllocateThenPut(1)
	assert.False(t, ok)
}

func TestFindCoalescingGroups(t *testing.T) {
	g := buildFlowTable(t)

	groups := g.FindCoalescingGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, CoalescingGroup{Map: 1, Dchain: 2, Vectors: []Addr{3}}, groups[0])
	assert.ElementsMatch(t, []Addr{1, 2, 3}, groups[0].Members())
}

func TestExpr_References(t *testing.T) {
	e := Expr{Repr: "index_0 + index_10"}
	assert.True(t, e.References("index_0"))
	assert.True(t, e.References("index_10"))
	assert.False(t, e.References("index_1"))
	assert.Equal(t, "x", Expr{Repr: "x"}.Not().Not().Repr)
}

func TestDocument_RoundTrip(t *testing.T) {
	g := buildFlowTable(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(g.ToDocument()))
	doc, err := Decode(&buf)
	require.NoError(t, err)
	back, err := doc.Graph()
	require.NoError(t, err)

	assert.Equal(t, g.Hash(), back.Hash())
	assert.Equal(t, g.Primitives(), back.Primitives())
}

func TestSymbolAllocator_Fresh(t *testing.T) {
	a := NewSymbolAllocator()
	assert.Equal(t, "hit_0", a.Fresh("hit", 1).Name)
	assert.Equal(t, "hit_1", a.Fresh("hit", 1).Name)
	assert.Equal(t, "recirc_0", a.Fresh("recirc", 8).Name)
}
