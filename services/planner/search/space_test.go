// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package search

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

func TestSpace_Lifecycle(t *testing.T) {
	g, prof := callChain(t, "choose", "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	root, err := reg.NewPlan(g, prof, nil)
	require.NoError(t, err)

	s := NewSpace("max-tput")
	assert.Equal(t, "Empty search space", s.Format())

	s.AddRoot(root, Score{1})
	f := reg.factories[0]
	leaf, _ := root.ActiveLeaf()
	impls := f.Process(context.Background(), root, g.MustGet(leaf.Next), nil)
	require.Len(t, impls, 2)
	for _, impl := range impls {
		s.Add(root.ID(), impl, Score{2})
	}
	s.Expand(root.ID(), 1, false)

	second := impls[1].EP
	leaf, _ = second.ActiveLeaf()
	done := f.Process(context.Background(), second, g.MustGet(leaf.Next), nil)
	require.Len(t, done, 2)
	s.Expand(second.ID(), 2, true)
	s.Add(second.ID(), done[0], Score{3})
	s.MarkDeadEnd(impls[0].EP.ID())
	s.Select(done[0].EP.ID())

	assert.Equal(t, 4, s.Len())
	assert.Equal(t, map[NodeState]int{
		StateExpanded: 2,
		StateDeadEnd:  1,
		StateFinished: 1,
	}, s.CountByState())
	assert.Equal(t, 1, s.Backtracks())
	assert.Equal(t, 2, s.MaxDepth())

	n, ok := s.Node(done[0].EP.ID())
	require.True(t, ok)
	assert.Equal(t, second.ID(), n.Parent)
	assert.Equal(t, "out 1", n.Module)
	assert.Equal(t, ep.TargetX86, n.Target)
	assert.True(t, n.Selected)
	assert.Empty(t, n.Next)

	r, ok := s.Node(root.ID())
	require.True(t, ok)
	assert.True(t, r.Selected)
	assert.Len(t, r.Children, 2)
	assert.Equal(t, "0:choose()", r.Next)

	other, _ := s.Node(impls[0].EP.ID())
	assert.False(t, other.Selected)

	_, ok = s.Node(9999)
	assert.False(t, ok)

	out := s.Format()
	assert.Contains(t, out, "Heuristic: max-tput")
	assert.Contains(t, out, "Plans: 4")
	assert.Contains(t, out, "✓ ★")
	assert.Contains(t, out, "✗")
	assert.Contains(t, out, "start")
}

func TestSpace_MarshalJSON(t *testing.T) {
	g, prof := callChain(t, "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	root, err := reg.NewPlan(g, prof, nil)
	require.NoError(t, err)

	s := NewSpace("bfs")
	s.AddRoot(root, Score{0})
	impls := reg.factories[0].Process(context.Background(), root, g.MustGet(0), nil)
	for _, impl := range impls {
		s.Add(root.ID(), impl, Score{1})
	}

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded struct {
		Heuristic string      `json:"heuristic"`
		Root      ep.ID       `json:"root"`
		Nodes     []SpaceNode `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "bfs", decoded.Heuristic)
	assert.Equal(t, root.ID(), decoded.Root)
	require.Len(t, decoded.Nodes, 3)
	assert.Equal(t, root.ID(), decoded.Nodes[0].ID)
	assert.Equal(t, impls[0].EP.ID(), decoded.Nodes[1].ID)
	assert.Equal(t, StateFinished, decoded.Nodes[2].State)
}
