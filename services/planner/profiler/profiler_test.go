// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiler

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
)

// twoWay builds: 0 map_get -> 1 if(found) T: 2 fwd(1) F: 3 drop
func twoWay(t *testing.T) *bdd.Graph {
	t.Helper()
	b := bdd.NewBuilder()
	get := b.Call(&bdd.Call{Function: bdd.FnMapGet, Object: 7,
		Results: []bdd.Symbol{{Name: "v"}, {Name: "found"}}})
	br := b.Branch(bdd.Expr{Repr: "found"})
	fwd := b.Forward(1)
	drop := b.Drop()
	b.Chain(get, br)
	b.Sides(br, fwd, drop)
	g, err := b.Build(get)
	require.NoError(t, err)
	return g
}

func ptr(f float64) *float64 { return &f }

func TestNew_DerivesMissingFractions(t *testing.T) {
	g := twoWay(t)

	t.Run("even split without data", func(t *testing.T) {
		p, err := New(g, nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, p.Fraction(0), 1e-9)
		assert.InDelta(t, 1.0, p.Fraction(1), 1e-9)
		assert.InDelta(t, 0.5, p.Fraction(2), 1e-9)
		assert.InDelta(t, 0.5, p.Fraction(3), 1e-9)
	})

	t.Run("sibling gets the remainder", func(t *testing.T) {
		p, err := New(g, &Profile{Nodes: []NodeProfile{{Node: 2, Fraction: ptr(0.8)}}})
		require.NoError(t, err)
		assert.InDelta(t, 0.8, p.Fraction(2), 1e-9)
		assert.InDelta(t, 0.2, p.Fraction(3), 1e-9)
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := New(g, &Profile{Nodes: []NodeProfile{{Node: 99}}})
		assert.ErrorIs(t, err, bdd.ErrUnknownNode)
	})

	t.Run("fraction out of range", func(t *testing.T) {
		_, err := New(g, &Profile{Nodes: []NodeProfile{{Node: 2, Fraction: ptr(1.5)}}})
		assert.Error(t, err)
	})
}

func TestDecode(t *testing.T) {
	raw := json.RawMessage(`{"total_packets": 1000, "nodes": [
		{"node": 0, "flows": {"7": {"packets": 1000, "flows": 10, "top_flows": [500, 300], "churn_rate": 0.1}}}
	]}`)
	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), p.TotalPackets)
	require.Len(t, p.Nodes, 1)
	assert.Equal(t, uint64(10), p.Nodes[0].Flows[7].Flows)

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
}

func TestCacheHitRate(t *testing.T) {
	g := twoWay(t)
	p, err := New(g, &Profile{
		TotalPackets: 1000,
		Nodes: []NodeProfile{{
			Node: 0,
			Flows: map[bdd.Addr]FlowStats{
				7: {Packets: 1000, Flows: 10, TopFlows: []uint64{500, 300}, ChurnRate: 0.1},
			},
		}},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		capacity int
		want     float64
	}{
		{"no capacity", 0, 0},
		{"heaviest flow only", 1, 0.5 * 0.9},
		{"both top flows", 2, 0.8 * 0.9},
		{"top flows plus residual", 4, (800 + 2*25) / 1000.0 * 0.9},
		{"every flow fits", 10, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.CacheHitRate(0, 7, tt.capacity), 1e-9)
		})
	}

	assert.Zero(t, p.CacheHitRate(1, 7, 4), "no statistics at node")
	assert.Zero(t, p.CacheHitRate(0, 8, 4), "no statistics for primitive")
}

func TestCloneAndRescale(t *testing.T) {
	g := twoWay(t).Clone()
	p, err := New(g, &Profile{Nodes: []NodeProfile{{
		Node:  0,
		Flows: map[bdd.Addr]FlowStats{7: {Packets: 100, Flows: 4}},
	}}})
	require.NoError(t, err)

	c := p.Clone()
	c.ScaleSubtree(g, 0, 0.5)
	assert.InDelta(t, 0.5, c.Fraction(0), 1e-9)
	assert.InDelta(t, 0.25, c.Fraction(2), 1e-9)
	assert.InDelta(t, 1.0, p.Fraction(0), 1e-9, "original untouched")

	f, ok := c.Flows(0, 7)
	require.True(t, ok)
	assert.Equal(t, uint64(50), f.Packets)
	orig, _ := p.Flows(0, 7)
	assert.Equal(t, uint64(100), orig.Packets)

	_, clone, mapping, err := g.InsertBranchAbove(0, bdd.Expr{Repr: "hit"})
	require.NoError(t, err)
	p.CopyScaled(mapping, 0.1)
	assert.InDelta(t, 0.1, p.Fraction(clone), 1e-9)
	assert.InDelta(t, 0.05, p.Fraction(mapping[3]), 1e-9)
}

func TestFromDocument(t *testing.T) {
	d, err := bdd.Decode(strings.NewReader(`{
		"root": 0,
		"nodes": [
			{"id": 0, "kind": "branch", "condition": {"repr": "hit"}, "on_true": 1, "on_false": 2},
			{"id": 1, "kind": "route", "route": {"op": "forward", "port": 1}},
			{"id": 2, "kind": "route", "route": {"op": "drop"}}
		],
		"profile": {"total_packets": 100, "nodes": [{"node": 1, "fraction": 0.9}]}
	}`))
	require.NoError(t, err)

	g, p, err := FromDocument(d)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, uint64(100), p.TotalPackets())
	assert.InDelta(t, 0.9, p.Fraction(1), 1e-9)
	assert.InDelta(t, 0.1, p.Fraction(2), 1e-9)

	d.Profile = json.RawMessage(`{"nodes": [{"node": 42}]}`)
	_, _, err = FromDocument(d)
	assert.ErrorIs(t, err, bdd.ErrUnknownNode)
}
