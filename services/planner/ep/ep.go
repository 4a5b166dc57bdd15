// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ep holds the execution plan: a tree of placed modules over a
// private behavior-graph snapshot, the frontier of graph nodes still to be
// processed, and the per-plan Context.
//
// The tree is an arena. EPNodes reference their parent and children by
// EPNodeID, so Clone is a copy of the arena slice. A plan never shares
// mutable state with another: forking a candidate is always Clone followed
// by mutation of the clone.
package ep

import (
	"encoding/binary"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
)

// ID identifies a plan within one search run.
type ID uint64

// EPNodeID identifies a node of the plan tree.
type EPNodeID int

// NoEPNode is the null plan-node reference.
const NoEPNode EPNodeID = -1

// EPNode is one vertex of the plan tree.
type EPNode struct {
	ID       EPNodeID
	Module   Module
	Parent   EPNodeID
	Children []EPNodeID

	// Condition is set iff the node has exactly two children.
	Condition bdd.Expr
}

// IsBranch reports whether the node forks control flow.
func (n *EPNode) IsBranch() bool {
	return len(n.Children) == 2 && !n.Condition.IsZero()
}

// Leaf is one open continuation of the plan: the last placed node, which of
// its child slots the next module goes into, and the graph node to process
// next (NoNode once the continuation is complete).
type Leaf struct {
	Node        EPNodeID   `json:"ep_node"`
	Slot        int        `json:"slot"`
	Next        bdd.NodeID `json:"next"`
	Target      TargetType `json:"target"`
	RecircDepth int        `json:"recirc_depth"`
}

// Active reports whether the continuation still has a node to process.
func (l Leaf) Active() bool {
	return l.Next != bdd.NoNode
}

// LeafSpec describes a continuation to open below a new module.
type LeafSpec struct {
	Next        bdd.NodeID
	Target      TargetType
	RecircDepth int
}

// Continue keeps the leaf's target and recirculation depth.
func (l Leaf) Continue(next bdd.NodeID) LeafSpec {
	return LeafSpec{Next: next, Target: l.Target, RecircDepth: l.RecircDepth}
}

// HandOff moves the continuation to another target.
func (l Leaf) HandOff(next bdd.NodeID, t TargetType) LeafSpec {
	return LeafSpec{Next: next, Target: t, RecircDepth: l.RecircDepth}
}

// IDSource hands out plan ids. One source is shared by every plan of a run.
//
// Thread Safety: Safe for concurrent use.
type IDSource struct {
	next atomic.Uint64
}

// NewIDSource returns a source whose first id is 1.
func NewIDSource() *IDSource {
	return &IDSource{}
}

func (s *IDSource) take() ID {
	return ID(s.next.Add(1))
}

// EP is a candidate execution plan.
//
// Thread Safety: Not safe for concurrent use. Clone to fork.
type EP struct {
	id        ID
	ids       *IDSource
	ancestors []ID

	graph  *bdd.Graph
	ctx    *Context
	nodes  []EPNode
	root   EPNodeID
	leaves []Leaf

	processed map[bdd.NodeID]struct{}

	specTput    float64
	hasSpecTput bool
}

// New creates an empty plan over g whose first continuation runs on target.
func New(g *bdd.Graph, ctx *Context, target TargetType, ids *IDSource) *EP {
	if ids == nil {
		ids = NewIDSource()
	}
	e := &EP{
		id:        ids.take(),
		ids:       ids,
		graph:     g,
		ctx:       ctx,
		root:      NoEPNode,
		processed: make(map[bdd.NodeID]struct{}),
	}
	if g.Root() != bdd.NoNode {
		e.leaves = []Leaf{{Node: NoEPNode, Next: g.Root(), Target: target}}
	}
	return e
}

// ID returns the plan id.
func (e *EP) ID() ID { return e.id }

// Graph returns the plan's behavior-graph snapshot. It must not be mutated;
// rewrite a Clone and install it with ReplaceGraph.
func (e *EP) Graph() *bdd.Graph { return e.graph }

// Context returns the plan's context.
func (e *EP) Context() *Context { return e.ctx }

// Root returns the root of the plan tree.
func (e *EP) Root() EPNodeID { return e.root }

// Len returns the number of placed modules.
func (e *EP) Len() int { return len(e.nodes) }

// Node returns a plan node. It panics with *InvariantError for unknown ids.
func (e *EP) Node(id EPNodeID) *EPNode {
	if id < 0 || int(id) >= len(e.nodes) {
		invariant("EP.Node", "unknown plan node %d", id)
	}
	return &e.nodes[id]
}

// Leaves returns a copy of the frontier.
func (e *EP) Leaves() []Leaf {
	return append([]Leaf(nil), e.leaves...)
}

// ActiveLeaf returns the first continuation that still has a node to
// process.
func (e *EP) ActiveLeaf() (Leaf, bool) {
	for _, l := range e.leaves {
		if l.Active() {
			return l, true
		}
	}
	return Leaf{}, false
}

// Finished reports whether every continuation is complete.
func (e *EP) Finished() bool {
	_, ok := e.ActiveLeaf()
	return !ok
}

// Ancestors returns the ids of the plans this one was cloned from, oldest
// first.
func (e *EP) Ancestors() []ID {
	return e.ancestors
}

// DescendsFrom reports whether id is this plan or one of its ancestors.
func (e *EP) DescendsFrom(id ID) bool {
	return e.id == id || slices.Contains(e.ancestors, id)
}

// Processed reports whether a module consumed the graph node.
func (e *EP) Processed(id bdd.NodeID) bool {
	_, ok := e.processed[id]
	return ok
}

// ProcessedCount returns the number of consumed graph nodes.
func (e *EP) ProcessedCount() int {
	return len(e.processed)
}

// SpeculativeTput returns the cached look-ahead throughput estimate.
func (e *EP) SpeculativeTput() (float64, bool) {
	return e.specTput, e.hasSpecTput
}

// SetSpeculativeTput caches a look-ahead throughput estimate.
func (e *EP) SetSpeculativeTput(v float64) {
	e.specTput, e.hasSpecTput = v, true
}

// EstimateTputPPS returns the oracle's estimate for the plan so far.
func (e *EP) EstimateTputPPS() float64 {
	if e.ctx == nil || e.ctx.Oracle() == nil {
		return 0
	}
	return e.ctx.Oracle().EstimateTputPPS()
}

// Clone returns an independent plan with a fresh id whose ancestry includes
// the receiver. The graph snapshot is shared because it is immutable.
func (e *EP) Clone() *EP {
	out := &EP{
		id:          e.ids.take(),
		ids:         e.ids,
		ancestors:   append(slices.Clip(e.ancestors), e.id),
		graph:       e.graph,
		root:        e.root,
		leaves:      append([]Leaf(nil), e.leaves...),
		nodes:       make([]EPNode, len(e.nodes)),
		processed:   make(map[bdd.NodeID]struct{}, len(e.processed)),
		specTput:    e.specTput,
		hasSpecTput: e.hasSpecTput,
	}
	if e.ctx != nil {
		out.ctx = e.ctx.Clone()
	}
	for i, n := range e.nodes {
		n.Children = append([]EPNodeID(nil), n.Children...)
		out.nodes[i] = n
	}
	for id := range e.processed {
		out.processed[id] = struct{}{}
	}
	return out
}

// ProcessLeaf places m on the active leaf and opens the given continuations
// below it.
//
// Description:
//
//	The active leaf is replaced by one leaf per LeafSpec, in place, so the
//	frontier keeps depth-first order. The new node becomes the child of the
//	leaf's node in the leaf's slot. A module that forks control flow (two
//	specs) must implement Conditional; the condition is recorded on the node.
//
//	Afterwards len(Leaves()) == before - 1 + len(specs).
//
// Inputs:
//
//	m - A module built for the active leaf's next node.
//	specs - Zero, one or two continuations.
//
// Outputs:
//
//	EPNodeID - The new node.
//
// Panics with *InvariantError when there is no active leaf, when m was built
// for another node, or when a continuation points outside the graph.
func (e *EP) ProcessLeaf(m Module, specs ...LeafSpec) EPNodeID {
	idx := -1
	for i, l := range e.leaves {
		if l.Active() {
			idx = i
			break
		}
	}
	if idx < 0 {
		invariant("EP.ProcessLeaf", "plan %d has no active leaf", e.id)
	}
	leaf := e.leaves[idx]
	if m.Node() != leaf.Next {
		invariant("EP.ProcessLeaf", "module %s built for node %d, active leaf is at %d", m.Name(), m.Node(), leaf.Next)
	}
	if len(specs) > 2 {
		invariant("EP.ProcessLeaf", "module %s opens %d continuations", m.Name(), len(specs))
	}
	var cond bdd.Expr
	if c, ok := m.(Conditional); ok {
		cond = c.Condition()
	}
	if (len(specs) == 2) != !cond.IsZero() {
		invariant("EP.ProcessLeaf", "module %s has condition %q and %d continuations", m.Name(), cond.Repr, len(specs))
	}
	for _, s := range specs {
		if s.Next != bdd.NoNode && !e.graph.Reachable(s.Next) {
			invariant("EP.ProcessLeaf", "continuation %d not reachable in plan graph", s.Next)
		}
	}

	id := EPNodeID(len(e.nodes))
	node := EPNode{ID: id, Module: m, Parent: leaf.Node, Condition: cond}
	node.Children = make([]EPNodeID, len(specs))
	for i := range node.Children {
		node.Children[i] = NoEPNode
	}
	e.nodes = append(e.nodes, node)
	if leaf.Node == NoEPNode {
		e.root = id
	} else {
		e.nodes[leaf.Node].Children[leaf.Slot] = id
	}

	fresh := make([]Leaf, len(specs))
	for i, s := range specs {
		fresh[i] = Leaf{Node: id, Slot: i, Next: s.Next, Target: s.Target, RecircDepth: s.RecircDepth}
	}
	e.leaves = slices.Replace(e.leaves, idx, idx+1, fresh...)

	if m.Consumes() {
		e.processed[m.Node()] = struct{}{}
	}
	e.hasSpecTput = false
	return id
}

// ReplaceGraph installs a rewritten graph snapshot. remap sends ids of the
// previous snapshot to their replacement; leaves pointing at a remapped id
// follow it.
//
// Panics with *InvariantError when an active leaf would point outside the
// new graph.
func (e *EP) ReplaceGraph(g *bdd.Graph, remap map[bdd.NodeID]bdd.NodeID) {
	for i := range e.leaves {
		l := &e.leaves[i]
		if !l.Active() {
			continue
		}
		if to, ok := remap[l.Next]; ok {
			l.Next = to
		}
		if l.Next != bdd.NoNode && !g.Reachable(l.Next) {
			invariant("EP.ReplaceGraph", "leaf points at node %d missing from the new graph", l.Next)
		}
	}
	e.graph = g
	e.hasSpecTput = false
}

// Walk visits the plan tree depth-first, children in slot order. Returning
// false prunes the subtree.
func (e *EP) Walk(fn func(n *EPNode, depth int) bool) {
	if e.root == NoEPNode {
		return
	}
	type item struct {
		id    EPNodeID
		depth int
	}
	stack := []item{{e.root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &e.nodes[it.id]
		if !fn(n, it.depth) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			if c := n.Children[i]; c != NoEPNode {
				stack = append(stack, item{c, it.depth + 1})
			}
		}
	}
}

// TargetCounts returns how many modules run on each target.
func (e *EP) TargetCounts() map[TargetType]int {
	out := make(map[TargetType]int)
	for i := range e.nodes {
		out[e.nodes[i].Module.Target()]++
	}
	return out
}

// Hash returns a structural hash of the plan tree, its frontier and its
// graph snapshot. Plan ids are excluded.
func (e *EP) Hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	put(int64(e.graph.Hash()))
	put(int64(len(e.nodes)))
	e.Walk(func(n *EPNode, depth int) bool {
		put(int64(depth))
		_, _ = d.WriteString(n.Module.Type().String())
		put(int64(n.Module.Node()))
		_, _ = d.WriteString(n.Condition.Repr)
		put(int64(len(n.Children)))
		return true
	})
	for _, l := range e.leaves {
		put(int64(l.Node))
		put(int64(l.Slot))
		put(int64(l.Next))
		_, _ = d.WriteString(string(l.Target))
		put(int64(l.RecircDepth))
	}
	return d.Sum64()
}
