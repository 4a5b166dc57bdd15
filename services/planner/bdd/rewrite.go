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

import "fmt"

// Rewrites mutate the receiver. Callers own the graph (see package doc).

// Delete removes a call or route node, splicing its successor into its
// place. It returns the id that now occupies the removed position, which
// may be NoNode when a terminal node at the end of a chain is removed.
func (g *Graph) Delete(id NodeID) (NodeID, error) {
	n, ok := g.nodes[id]
	if !ok {
		return NoNode, fmt.Errorf("delete %d: %w", id, ErrUnknownNode)
	}
	if n.Kind == KindBranch {
		return NoNode, fmt.Errorf("delete %d: %w: use DeleteBranch", id, ErrUnsupportedRewrite)
	}
	if n.Prev != NoNode && n.Next == NoNode {
		if p := g.nodes[n.Prev]; p.Kind == KindBranch {
			return NoNode, fmt.Errorf("delete %d: %w: would empty a branch side", id, ErrUnsupportedRewrite)
		}
	}
	g.replaceLink(n.Prev, id, n.Next)
	delete(g.nodes, id)
	return n.Next, nil
}

// DeleteBranch removes a branch node together with the side that is not
// kept. It returns the root of the kept side.
func (g *Graph) DeleteBranch(id NodeID, keepTrue bool) (NodeID, error) {
	n, ok := g.nodes[id]
	if !ok {
		return NoNode, fmt.Errorf("delete branch %d: %w", id, ErrUnknownNode)
	}
	if n.Kind != KindBranch {
		return NoNode, fmt.Errorf("delete branch %d: %w: not a branch", id, ErrUnsupportedRewrite)
	}
	keep, drop := n.OnTrue, n.OnFalse
	if !keepTrue {
		keep, drop = drop, keep
	}
	g.removeSubtree(drop)
	g.replaceLink(n.Prev, id, keep)
	delete(g.nodes, id)
	var base []Expr
	if n.Prev != NoNode {
		base = g.entryConstraints(keep)
	}
	g.recomputeConstraints(keep, base)
	return keep, nil
}

// CloneSubtree copies the subtree rooted at id under fresh ids. The copy is
// detached: its root has no parent until the caller links it. The returned
// map sends every original id to its copy.
func (g *Graph) CloneSubtree(id NodeID) (NodeID, map[NodeID]NodeID, error) {
	if !g.Contains(id) {
		return NoNode, nil, fmt.Errorf("clone subtree %d: %w", id, ErrUnknownNode)
	}
	mapping := make(map[NodeID]NodeID)
	var order []NodeID
	g.Walk(id, func(n *Node) bool {
		mapping[n.ID] = g.allocID()
		order = append(order, n.ID)
		return true
	})
	remap := func(old NodeID) NodeID {
		if old == NoNode {
			return NoNode
		}
		return mapping[old]
	}
	for _, old := range order {
		c := g.nodes[old].clone()
		c.ID = mapping[old]
		c.Next = remap(c.Next)
		c.OnTrue = remap(c.OnTrue)
		c.OnFalse = remap(c.OnFalse)
		if old == id {
			c.Prev = NoNode
		} else {
			c.Prev = remap(c.Prev)
		}
		g.nodes[c.ID] = c
	}
	return mapping[id], mapping, nil
}

// InsertBranchAbove puts a new branch on cond in place of id. The true side
// is the original subtree, the false side a fresh clone of it. It returns the
// branch id, the clone root and the original-to-clone id mapping.
func (g *Graph) InsertBranchAbove(id NodeID, cond Expr) (NodeID, NodeID, map[NodeID]NodeID, error) {
	n, ok := g.nodes[id]
	if !ok {
		return NoNode, NoNode, nil, fmt.Errorf("insert branch above %d: %w", id, ErrUnknownNode)
	}
	if cond.IsZero() {
		return NoNode, NoNode, nil, fmt.Errorf("insert branch above %d: %w: empty condition", id, ErrUnsupportedRewrite)
	}
	cloneRoot, mapping, err := g.CloneSubtree(id)
	if err != nil {
		return NoNode, NoNode, nil, err
	}
	parent := n.Prev
	entry := append([]Expr(nil), n.Constraints...)
	b := &Node{
		ID:        g.allocID(),
		Kind:      KindBranch,
		Prev:      NoNode,
		Next:      NoNode,
		OnTrue:    id,
		OnFalse:   cloneRoot,
		Condition: cond,
	}
	g.nodes[b.ID] = b
	g.replaceLink(parent, id, b.ID)
	n.Prev = b.ID
	g.nodes[cloneRoot].Prev = b.ID
	g.recomputeConstraints(b.ID, entry)
	return b.ID, cloneRoot, mapping, nil
}

// replaceLink makes parent point to newID where it pointed to oldID. With no
// parent the root is replaced.
func (g *Graph) replaceLink(parent, oldID, newID NodeID) {
	if parent == NoNode {
		g.root = newID
	} else {
		p := g.nodes[parent]
		switch {
		case p.Kind == KindBranch && p.OnTrue == oldID:
			p.OnTrue = newID
		case p.Kind == KindBranch && p.OnFalse == oldID:
			p.OnFalse = newID
		case p.Next == oldID:
			p.Next = newID
		}
	}
	if newID != NoNode {
		if c, ok := g.nodes[newID]; ok {
			c.Prev = parent
		}
	}
}

func (g *Graph) removeSubtree(id NodeID) {
	var doomed []NodeID
	g.Walk(id, func(n *Node) bool {
		doomed = append(doomed, n.ID)
		return true
	})
	for _, d := range doomed {
		delete(g.nodes, d)
	}
}

// entryConstraints returns the constraints holding when control reaches id
// from its current parent.
func (g *Graph) entryConstraints(id NodeID) []Expr {
	n, ok := g.nodes[id]
	if !ok || n.Prev == NoNode {
		return nil
	}
	p := g.nodes[n.Prev]
	out := append([]Expr(nil), p.Constraints...)
	if p.Kind == KindBranch {
		if p.OnTrue == id {
			out = append(out, p.Condition)
		} else {
			out = append(out, p.Condition.Not())
		}
	}
	return out
}
