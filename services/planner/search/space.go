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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// NodeState is the lifecycle state of a search-space node.
type NodeState string

const (
	StateOpen     NodeState = "open"
	StateExpanded NodeState = "expanded"
	StateFinished NodeState = "finished"
	StateDeadEnd  NodeState = "dead_end"
)

// String returns the state name.
func (s NodeState) String() string {
	return string(s)
}

// SpaceNode mirrors one generated plan. It is presentation data only.
type SpaceNode struct {
	ID        ep.ID         `json:"id"`
	Parent    ep.ID         `json:"parent,omitempty"`
	Depth     int           `json:"depth"`
	Module    string        `json:"module,omitempty"`
	Target    ep.TargetType `json:"target,omitempty"`
	Next      string        `json:"next,omitempty"`
	Score     Score         `json:"score"`
	TputPPS   float64       `json:"tput_pps"`
	Iteration int           `json:"iteration,omitempty"`
	Backtrack bool          `json:"backtrack,omitempty"`
	Selected  bool          `json:"selected,omitempty"`
	State     NodeState     `json:"state"`
	Children  []ep.ID       `json:"children,omitempty"`
}

// Space is the audit tree of one search run: one node per generated plan,
// linked by the plan it was expanded from. The search never reads it back.
//
// Thread Safety: Safe for concurrent use.
type Space struct {
	Heuristic string `json:"heuristic"`
	CreatedAt int64  `json:"created_at"` // Unix milliseconds UTC

	mu    sync.RWMutex
	root  ep.ID
	nodes map[ep.ID]*SpaceNode
	order []ep.ID
}

// NewSpace creates an empty audit tree.
func NewSpace(heuristic string) *Space {
	return &Space{
		Heuristic: heuristic,
		CreatedAt: time.Now().UnixMilli(),
		nodes:     make(map[ep.ID]*SpaceNode),
	}
}

func nextOf(e *ep.EP) string {
	leaf, ok := e.ActiveLeaf()
	if !ok {
		return ""
	}
	if n, found := e.Graph().Get(leaf.Next); found {
		return n.Describe()
	}
	return ""
}

// AddRoot records the initial plan.
func (s *Space) AddRoot(e *ep.EP, score Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = e.ID()
	s.insert(&SpaceNode{
		ID:      e.ID(),
		Next:    nextOf(e),
		Score:   score,
		TputPPS: e.EstimateTputPPS(),
		State:   StateOpen,
	})
}

// Add records a plan generated from parent.
func (s *Space) Add(parent ep.ID, impl ep.Implementation, score Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &SpaceNode{
		ID:      impl.EP.ID(),
		Parent:  parent,
		Next:    nextOf(impl.EP),
		Score:   score,
		TputPPS: impl.EP.EstimateTputPPS(),
		State:   StateOpen,
	}
	if impl.Module != nil {
		n.Module = impl.Module.Name()
		n.Target = impl.Module.Target()
	}
	if impl.EP.Finished() {
		n.State = StateFinished
	}
	if p, ok := s.nodes[parent]; ok {
		n.Depth = p.Depth + 1
		p.Children = append(p.Children, n.ID)
	}
	s.insert(n)
}

func (s *Space) insert(n *SpaceNode) {
	s.nodes[n.ID] = n
	s.order = append(s.order, n.ID)
}

// Expand marks a plan as popped by the given iteration.
func (s *Space) Expand(id ep.ID, iteration int, backtrack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.State = StateExpanded
		n.Iteration = iteration
		n.Backtrack = backtrack
	}
}

// MarkDeadEnd marks a plan no factory could advance.
func (s *Space) MarkDeadEnd(id ep.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.State = StateDeadEnd
	}
}

// Select marks the path from the root to id as the chosen plan.
func (s *Space) Select(id ep.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, ok := s.nodes[id]; ok; n, ok = s.nodes[n.Parent] {
		n.Selected = true
		if n.ID == s.root {
			return
		}
	}
}

// Node returns a copy of a node.
func (s *Space) Node(id ep.ID) (SpaceNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return SpaceNode{}, false
	}
	out := *n
	out.Children = append([]ep.ID(nil), n.Children...)
	return out, true
}

// Len returns the number of recorded plans.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// CountByState returns node counts by state.
func (s *Space) CountByState() map[NodeState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[NodeState]int)
	for _, n := range s.nodes {
		counts[n.State]++
	}
	return counts
}

// Backtracks returns how many expansions did not continue from the
// previous iteration's output.
func (s *Space) Backtracks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.nodes {
		if n.Backtrack {
			count++
		}
	}
	return count
}

// MaxDepth returns the depth of the deepest recorded plan.
func (s *Space) MaxDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := 0
	for _, n := range s.nodes {
		d = max(d, n.Depth)
	}
	return d
}

// Format renders the tree for terminals and logs.
func (s *Space) Format() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.nodes[s.root]
	if !ok {
		return "Empty search space"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Heuristic: %s\n", s.Heuristic)
	fmt.Fprintf(&sb, "Plans: %d\n\n", len(s.nodes))
	s.formatNode(&sb, root, "", true)
	return sb.String()
}

func (s *Space) formatNode(sb *strings.Builder, n *SpaceNode, prefix string, isLast bool) {
	branch := "├── "
	if isLast {
		branch = "└── "
	}
	icon := " "
	switch n.State {
	case StateFinished:
		icon = "✓"
	case StateDeadEnd:
		icon = "✗"
	case StateExpanded:
		icon = "→"
	}
	star := ""
	if n.Selected {
		star = " ★"
	}
	label := n.Module
	if label == "" {
		label = "start"
	}
	fmt.Fprintf(sb, "%s%s[%d] %s next=%s (tput: %.3g pps) %s%s\n",
		prefix, branch, n.ID, truncate(label, 48), n.Next, n.TputPPS, icon, star)

	childPrefix := prefix + "│   "
	if isLast {
		childPrefix = prefix + "    "
	}
	for i, c := range n.Children {
		if child, ok := s.nodes[c]; ok {
			s.formatNode(sb, child, childPrefix, i == len(n.Children)-1)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// MarshalJSON implements json.Marshaler. Nodes appear in generation order.
func (s *Space) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type spaceJSON struct {
		Heuristic string       `json:"heuristic"`
		CreatedAt time.Time    `json:"created_at"`
		Root      ep.ID        `json:"root"`
		Nodes     []*SpaceNode `json:"nodes"`
	}
	nodes := make([]*SpaceNode, 0, len(s.order))
	for _, id := range s.order {
		nodes = append(nodes, s.nodes[id])
	}
	return json.Marshal(&spaceJSON{
		Heuristic: s.Heuristic,
		CreatedAt: time.UnixMilli(s.CreatedAt),
		Root:      s.root,
		Nodes:     nodes,
	})
}
