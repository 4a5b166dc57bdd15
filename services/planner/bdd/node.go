// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bdd models the verified behavior graph of a network function.
//
// The graph is an arena of Call, Branch and Route nodes addressed by stable
// integer ids. Links between nodes (prev, next, on_true, on_false) are ids,
// never pointers, so cloning a graph is a plain copy of the arena.
//
// A Graph is treated as immutable once built. Rewrites (Delete, DeleteBranch,
// InsertBranchAbove) are only performed on a private Clone owned by a single
// execution plan.
package bdd

import (
	"fmt"
	"strings"
)

// NodeID identifies a node inside a Graph.
type NodeID int64

// NoNode is the null node reference.
const NoNode NodeID = -1

// Addr is the address of a stateful primitive (map, vector, dchain, sketch).
type Addr uint64

// Kind is the node variant.
type Kind int

const (
	KindCall Kind = iota
	KindBranch
	KindRoute
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindBranch:
		return "branch"
	case KindRoute:
		return "route"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "call":
		*k = KindCall
	case "branch":
		*k = KindBranch
	case "route":
		*k = KindRoute
	default:
		return fmt.Errorf("%w: node kind %q", ErrInvalidGraph, string(text))
	}
	return nil
}

// RouteOp is the forwarding decision of a Route node.
type RouteOp int

const (
	RouteForward RouteOp = iota
	RouteDrop
	RouteBroadcast
)

// String returns the lowercase name of the operation.
func (o RouteOp) String() string {
	switch o {
	case RouteForward:
		return "forward"
	case RouteDrop:
		return "drop"
	case RouteBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o RouteOp) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *RouteOp) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "forward", "fwd":
		*o = RouteForward
	case "drop":
		*o = RouteDrop
	case "broadcast", "bcast":
		*o = RouteBroadcast
	default:
		return fmt.Errorf("%w: route op %q", ErrInvalidGraph, string(text))
	}
	return nil
}

// Expr is a symbolic expression as produced by the symbolic-execution front
// end. The core never interprets it beyond symbol references.
type Expr struct {
	Repr  string `json:"repr" yaml:"repr"`
	Width int    `json:"width,omitempty" yaml:"width,omitempty"`
}

// IsZero reports whether the expression is empty.
func (e Expr) IsZero() bool {
	return e.Repr == ""
}

// Not returns the logical negation of a boolean expression.
func (e Expr) Not() Expr {
	if strings.HasPrefix(e.Repr, "!(") && strings.HasSuffix(e.Repr, ")") {
		return Expr{Repr: e.Repr[2 : len(e.Repr)-1], Width: e.Width}
	}
	return Expr{Repr: "!(" + e.Repr + ")", Width: e.Width}
}

// References reports whether the expression mentions the given symbol.
func (e Expr) References(sym string) bool {
	if sym == "" {
		return false
	}
	idx := 0
	for {
		i := strings.Index(e.Repr[idx:], sym)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(sym)
		if isBoundary(e.Repr, start-1) && isBoundary(e.Repr, end) {
			return true
		}
		idx = end
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z')
}

// String returns the textual form.
func (e Expr) String() string {
	return e.Repr
}

// Symbol is a value generated by a Call (e.g. the result of a map lookup).
type Symbol struct {
	Name  string `json:"name" yaml:"name"`
	Width int    `json:"width,omitempty" yaml:"width,omitempty"`
}

// Call is the payload of a Call node.
type Call struct {
	Function string          `json:"function"`
	Object   Addr            `json:"object,omitempty"`
	Args     map[string]Expr `json:"args,omitempty"`
	Results  []Symbol        `json:"results,omitempty"`
}

// Arg returns a named argument.
func (c *Call) Arg(name string) (Expr, bool) {
	e, ok := c.Args[name]
	return e, ok
}

// Result returns the first generated symbol, if any.
func (c *Call) Result() (Symbol, bool) {
	if len(c.Results) == 0 {
		return Symbol{}, false
	}
	return c.Results[0], true
}

func (c *Call) clone() *Call {
	out := &Call{Function: c.Function, Object: c.Object}
	if c.Args != nil {
		out.Args = make(map[string]Expr, len(c.Args))
		for k, v := range c.Args {
			out.Args[k] = v
		}
	}
	if c.Results != nil {
		out.Results = append([]Symbol(nil), c.Results...)
	}
	return out
}

// Route is the payload of a Route node.
type Route struct {
	Op   RouteOp `json:"op"`
	Port int     `json:"port,omitempty"`
}

// Node is one vertex of the behavior graph.
type Node struct {
	ID   NodeID `json:"id"`
	Kind Kind   `json:"kind"`

	Prev    NodeID `json:"-"`
	Next    NodeID `json:"next"`
	OnTrue  NodeID `json:"on_true"`
	OnFalse NodeID `json:"on_false"`

	Condition Expr   `json:"condition"`
	Call      *Call  `json:"call,omitempty"`
	Route     *Route `json:"route,omitempty"`

	// Constraints are the branch conditions collected from the root to this node.
	Constraints []Expr `json:"-"`
}

// Successors returns the ids this node links to, on_true first for branches.
func (n *Node) Successors() []NodeID {
	switch n.Kind {
	case KindBranch:
		out := make([]NodeID, 0, 2)
		if n.OnTrue != NoNode {
			out = append(out, n.OnTrue)
		}
		if n.OnFalse != NoNode {
			out = append(out, n.OnFalse)
		}
		return out
	default:
		if n.Next == NoNode {
			return nil
		}
		return []NodeID{n.Next}
	}
}

// IsCall reports whether the node is a call to one of the given functions.
// With no functions it reports whether the node is a call at all.
func (n *Node) IsCall(functions ...string) bool {
	if n.Kind != KindCall || n.Call == nil {
		return false
	}
	if len(functions) == 0 {
		return true
	}
	for _, fn := range functions {
		if n.Call.Function == fn {
			return true
		}
	}
	return false
}

// Describe returns a one-line human readable summary.
func (n *Node) Describe() string {
	switch n.Kind {
	case KindCall:
		if n.Call == nil {
			return fmt.Sprintf("%d:call", n.ID)
		}
		if n.Call.Object != 0 {
			return fmt.Sprintf("%d:%s(obj=%d)", n.ID, n.Call.Function, n.Call.Object)
		}
		return fmt.Sprintf("%d:%s()", n.ID, n.Call.Function)
	case KindBranch:
		return fmt.Sprintf("%d:if(%s)", n.ID, n.Condition.Repr)
	case KindRoute:
		if n.Route == nil {
			return fmt.Sprintf("%d:route", n.ID)
		}
		if n.Route.Op == RouteForward {
			return fmt.Sprintf("%d:forward(%d)", n.ID, n.Route.Port)
		}
		return fmt.Sprintf("%d:%s", n.ID, n.Route.Op)
	default:
		return fmt.Sprintf("%d:?", n.ID)
	}
}

func (n *Node) clone() *Node {
	out := *n
	if n.Call != nil {
		out.Call = n.Call.clone()
	}
	if n.Route != nil {
		r := *n.Route
		out.Route = &r
	}
	if n.Constraints != nil {
		out.Constraints = append([]Expr(nil), n.Constraints...)
	}
	return &out
}
