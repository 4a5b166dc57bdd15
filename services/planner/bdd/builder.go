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

// Builder assembles a Graph programmatically.
//
// Example:
//
//	b := bdd.NewBuilder()
//	parse := b.Call(&bdd.Call{Function: bdd.FnParseHeader})
//	fwd := b.Forward(1)
//	b.Chain(parse, fwd)
//	g, err := b.Build(parse)
type Builder struct {
	nodes      map[NodeID]*Node
	primitives map[Addr]Primitive
	next       NodeID
	err        error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:      make(map[NodeID]*Node),
		primitives: make(map[Addr]Primitive),
	}
}

func (b *Builder) add(n *Node) NodeID {
	n.ID = b.next
	b.next++
	n.Prev, n.Next, n.OnTrue, n.OnFalse = NoNode, NoNode, NoNode, NoNode
	b.nodes[n.ID] = n
	return n.ID
}

// Primitive declares a stateful primitive.
func (b *Builder) Primitive(p Primitive) *Builder {
	b.primitives[p.Addr] = p
	return b
}

// Call adds an unlinked call node.
func (b *Builder) Call(c *Call) NodeID {
	return b.add(&Node{Kind: KindCall, Call: c})
}

// Branch adds an unlinked branch node.
func (b *Builder) Branch(cond Expr) NodeID {
	return b.add(&Node{Kind: KindBranch, Condition: cond})
}

// Forward adds a route node forwarding to port.
func (b *Builder) Forward(port int) NodeID {
	return b.add(&Node{Kind: KindRoute, Route: &Route{Op: RouteForward, Port: port}})
}

// Drop adds a route node dropping the packet.
func (b *Builder) Drop() NodeID {
	return b.add(&Node{Kind: KindRoute, Route: &Route{Op: RouteDrop}})
}

// Broadcast adds a route node flooding the packet.
func (b *Builder) Broadcast() NodeID {
	return b.add(&Node{Kind: KindRoute, Route: &Route{Op: RouteBroadcast}})
}

// Chain links the given call/route nodes sequentially.
func (b *Builder) Chain(ids ...NodeID) *Builder {
	for i := 0; i+1 < len(ids); i++ {
		n, ok := b.nodes[ids[i]]
		if !ok {
			b.fail(fmt.Errorf("%w: chain references unknown node %d", ErrInvalidGraph, ids[i]))
			return b
		}
		if n.Kind == KindBranch {
			b.fail(fmt.Errorf("%w: cannot chain from branch %d", ErrInvalidGraph, ids[i]))
			return b
		}
		n.Next = ids[i+1]
	}
	return b
}

// Sides links a branch to its two continuations.
func (b *Builder) Sides(branch, onTrue, onFalse NodeID) *Builder {
	n, ok := b.nodes[branch]
	if !ok || n.Kind != KindBranch {
		b.fail(fmt.Errorf("%w: %d is not a branch", ErrInvalidGraph, branch))
		return b
	}
	n.OnTrue, n.OnFalse = onTrue, onFalse
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates and returns the graph rooted at root. The builder must not
// be reused afterwards.
func (b *Builder) Build(root NodeID) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	g := &Graph{
		root:       root,
		nodes:      b.nodes,
		primitives: b.primitives,
	}
	if err := g.finalize(); err != nil {
		return nil, err
	}
	return g, nil
}
