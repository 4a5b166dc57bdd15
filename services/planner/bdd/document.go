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
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Document is the serialized input handed over by the front end: the node
// table, the primitive declarations and the raw profiling section (decoded
// by the profiler package).
type Document struct {
	Root       NodeID          `json:"root"`
	Nodes      []DocumentNode  `json:"nodes"`
	Primitives []Primitive     `json:"primitives,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// DocumentNode is the wire form of a node. Absent links decode as NoNode.
type DocumentNode struct {
	ID        NodeID  `json:"id"`
	Kind      Kind    `json:"kind"`
	Next      *NodeID `json:"next,omitempty"`
	OnTrue    *NodeID `json:"on_true,omitempty"`
	OnFalse   *NodeID `json:"on_false,omitempty"`
	Condition Expr    `json:"condition,omitempty"`
	Call      *Call   `json:"call,omitempty"`
	Route     *Route  `json:"route,omitempty"`
}

func link(p *NodeID) NodeID {
	if p == nil {
		return NoNode
	}
	return *p
}

func linkPtr(id NodeID) *NodeID {
	if id == NoNode {
		return nil
	}
	return &id
}

// Graph builds and validates the graph described by the document.
func (d *Document) Graph() (*Graph, error) {
	g := &Graph{
		root:       d.Root,
		nodes:      make(map[NodeID]*Node, len(d.Nodes)),
		primitives: make(map[Addr]Primitive, len(d.Primitives)),
	}
	if len(d.Nodes) == 0 {
		g.root = NoNode
	}
	for _, dn := range d.Nodes {
		if dn.ID < 0 {
			return nil, fmt.Errorf("%w: negative node id %d", ErrInvalidGraph, dn.ID)
		}
		if _, dup := g.nodes[dn.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrInvalidGraph, dn.ID)
		}
		n := &Node{
			ID:        dn.ID,
			Kind:      dn.Kind,
			Prev:      NoNode,
			Next:      link(dn.Next),
			OnTrue:    link(dn.OnTrue),
			OnFalse:   link(dn.OnFalse),
			Condition: dn.Condition,
			Call:      dn.Call,
			Route:     dn.Route,
		}
		g.nodes[n.ID] = n
	}
	for _, p := range d.Primitives {
		if _, dup := g.primitives[p.Addr]; dup {
			return nil, fmt.Errorf("%w: duplicate primitive %d", ErrInvalidGraph, p.Addr)
		}
		g.primitives[p.Addr] = p
	}
	if err := g.finalize(); err != nil {
		return nil, err
	}
	return g, nil
}

// ToDocument serializes the reachable graph.
func (g *Graph) ToDocument() *Document {
	d := &Document{Root: g.root, Primitives: g.Primitives()}
	g.Walk(g.root, func(n *Node) bool {
		d.Nodes = append(d.Nodes, DocumentNode{
			ID:        n.ID,
			Kind:      n.Kind,
			Next:      linkPtr(n.Next),
			OnTrue:    linkPtr(n.OnTrue),
			OnFalse:   linkPtr(n.OnFalse),
			Condition: n.Condition,
			Call:      n.Call,
			Route:     n.Route,
		})
		return true
	})
	return d
}

// Decode reads a Document from r.
func Decode(r io.Reader) (*Document, error) {
	var d Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode behavior graph: %w", err)
	}
	return &d, nil
}

// LoadFile reads a Document from a JSON file.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open behavior graph: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
