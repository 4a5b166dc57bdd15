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
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// PrimitiveKind names the family of a stateful primitive.
type PrimitiveKind string

const (
	PrimitiveMap    PrimitiveKind = "map"
	PrimitiveVector PrimitiveKind = "vector"
	PrimitiveDchain PrimitiveKind = "dchain"
	PrimitiveSketch PrimitiveKind = "sketch"
)

// Primitive is the static configuration of one stateful primitive as
// declared by the network function.
type Primitive struct {
	Addr      Addr          `json:"addr" yaml:"addr"`
	Kind      PrimitiveKind `json:"kind" yaml:"kind"`
	Capacity  int           `json:"capacity" yaml:"capacity"`
	KeyBits   int           `json:"key_bits,omitempty" yaml:"key_bits,omitempty"`
	ValueBits int           `json:"value_bits,omitempty" yaml:"value_bits,omitempty"`
}

// Graph is an arena-backed behavior graph.
//
// Thread Safety: Safe for concurrent reads. Mutating methods must only be
// called on a private clone.
type Graph struct {
	root       NodeID
	nodes      map[NodeID]*Node
	nextID     NodeID
	primitives map[Addr]Primitive
}

// Root returns the root node id (NoNode for an empty graph).
func (g *Graph) Root() NodeID {
	return g.root
}

// Len returns the number of nodes in the arena.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Get returns the node with the given id. The returned node must be treated
// as read-only.
func (g *Graph) Get(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// MustGet returns the node or panics with *LookupError.
func (g *Graph) MustGet(id NodeID) *Node {
	n, ok := g.nodes[id]
	if !ok {
		panic(&LookupError{ID: id})
	}
	return n
}

// Contains reports whether id is part of the arena.
func (g *Graph) Contains(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Primitive returns the configuration of a primitive.
func (g *Graph) Primitive(addr Addr) (Primitive, bool) {
	p, ok := g.primitives[addr]
	return p, ok
}

// Primitives returns all primitives sorted by address.
func (g *Graph) Primitives() []Primitive {
	out := make([]Primitive, 0, len(g.primitives))
	for _, p := range g.primitives {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// IDs returns all node ids in ascending order.
func (g *Graph) IDs() []NodeID {
	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the graph. Node ids are preserved.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		root:       g.root,
		nodes:      make(map[NodeID]*Node, len(g.nodes)),
		nextID:     g.nextID,
		primitives: make(map[Addr]Primitive, len(g.primitives)),
	}
	for id, n := range g.nodes {
		out.nodes[id] = n.clone()
	}
	for a, p := range g.primitives {
		out.primitives[a] = p
	}
	return out
}

// Walk visits every node reachable from `from` in depth-first pre-order,
// on_true before on_false. Returning false from fn prunes the subtree.
func (g *Graph) Walk(from NodeID, fn func(n *Node) bool) {
	if from == NoNode {
		return
	}
	stack := []NodeID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		if !fn(n) {
			continue
		}
		succ := n.Successors()
		for i := len(succ) - 1; i >= 0; i-- {
			stack = append(stack, succ[i])
		}
	}
}

// Reachable reports whether id can be reached from the root.
func (g *Graph) Reachable(id NodeID) bool {
	if id == NoNode || !g.Contains(id) {
		return false
	}
	// Walk up through prev links; cheaper than a full traversal.
	cur := id
	for steps := 0; steps <= len(g.nodes); steps++ {
		if cur == g.root {
			return true
		}
		n := g.nodes[cur]
		if n == nil || n.Prev == NoNode {
			return false
		}
		cur = n.Prev
	}
	return false
}

// Ancestors returns the chain of ids from the root down to (excluding) id.
func (g *Graph) Ancestors(id NodeID) []NodeID {
	var chain []NodeID
	n, ok := g.nodes[id]
	for ok && n.Prev != NoNode {
		chain = append(chain, n.Prev)
		n, ok = g.nodes[n.Prev]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Hash returns a structural hash of the reachable graph.
func (g *Graph) Hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	writeInt(int64(g.root))
	g.Walk(g.root, func(n *Node) bool {
		writeInt(int64(n.ID))
		writeInt(int64(n.Kind))
		switch n.Kind {
		case KindCall:
			if n.Call != nil {
				_, _ = d.WriteString(n.Call.Function)
				writeInt(int64(n.Call.Object))
			}
			writeInt(int64(n.Next))
		case KindBranch:
			_, _ = d.WriteString(n.Condition.Repr)
			writeInt(int64(n.OnTrue))
			writeInt(int64(n.OnFalse))
		case KindRoute:
			if n.Route != nil {
				writeInt(int64(n.Route.Op))
				writeInt(int64(n.Route.Port))
			}
			writeInt(int64(n.Next))
		}
		return true
	})
	return d.Sum64()
}

// allocID returns a fresh id never used in this arena.
func (g *Graph) allocID() NodeID {
	id := g.nextID
	g.nextID++
	return id
}

// finalize links prev pointers, recomputes path constraints and validates
// the tree shape.
func (g *Graph) finalize() error {
	if g.root == NoNode {
		if len(g.nodes) != 0 {
			return fmt.Errorf("%w: nodes without root", ErrInvalidGraph)
		}
		return nil
	}
	if _, ok := g.nodes[g.root]; !ok {
		return fmt.Errorf("%w: root %d missing", ErrInvalidGraph, g.root)
	}
	for _, n := range g.nodes {
		n.Prev = NoNode
		if n.ID >= g.nextID {
			g.nextID = n.ID + 1
		}
	}
	for _, id := range g.IDs() {
		n := g.nodes[id]
		if err := validateNode(n); err != nil {
			return err
		}
		for _, s := range n.Successors() {
			child, ok := g.nodes[s]
			if !ok {
				return fmt.Errorf("%w: node %d links to missing node %d", ErrInvalidGraph, id, s)
			}
			if s == g.root {
				return fmt.Errorf("%w: node %d links back to root", ErrInvalidGraph, id)
			}
			if child.Prev != NoNode {
				return fmt.Errorf("%w: node %d has two parents (%d, %d)", ErrInvalidGraph, s, child.Prev, id)
			}
			child.Prev = id
		}
	}
	// Every node must hang off the root, otherwise a cycle or an orphan exists.
	seen := 0
	g.Walk(g.root, func(*Node) bool {
		seen++
		return seen <= len(g.nodes)
	})
	if seen != len(g.nodes) {
		return fmt.Errorf("%w: %d of %d nodes reachable from root", ErrInvalidGraph, seen, len(g.nodes))
	}
	g.recomputeConstraints(g.root, nil)
	return nil
}

func validateNode(n *Node) error {
	switch n.Kind {
	case KindCall:
		if n.Call == nil || n.Call.Function == "" {
			return fmt.Errorf("%w: call node %d without function", ErrInvalidGraph, n.ID)
		}
	case KindBranch:
		if n.Condition.IsZero() {
			return fmt.Errorf("%w: branch node %d without condition", ErrInvalidGraph, n.ID)
		}
		if n.OnTrue == NoNode || n.OnFalse == NoNode {
			return fmt.Errorf("%w: branch node %d missing a side", ErrInvalidGraph, n.ID)
		}
	case KindRoute:
		if n.Route == nil {
			return fmt.Errorf("%w: route node %d without route", ErrInvalidGraph, n.ID)
		}
	default:
		return fmt.Errorf("%w: node %d has unknown kind", ErrInvalidGraph, n.ID)
	}
	return nil
}

// recomputeConstraints refreshes path constraints of the subtree rooted at
// from, given the constraints that hold on entry.
func (g *Graph) recomputeConstraints(from NodeID, base []Expr) {
	type item struct {
		id   NodeID
		cons []Expr
	}
	stack := []item{{from, base}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[it.id]
		if !ok {
			continue
		}
		n.Constraints = append([]Expr(nil), it.cons...)
		switch n.Kind {
		case KindBranch:
			t := append(append([]Expr(nil), it.cons...), n.Condition)
			f := append(append([]Expr(nil), it.cons...), n.Condition.Not())
			stack = append(stack, item{n.OnFalse, f}, item{n.OnTrue, t})
		default:
			if n.Next != NoNode {
				stack = append(stack, item{n.Next, it.cons})
			}
		}
	}
}
