// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ep

import (
	"context"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
)

// Implementation is one way a factory consumed a node: a fully independent
// plan with the new module placed and the frontier advanced.
type Implementation struct {
	EP     *EP
	Module Module
	Node   EPNodeID
}

// SpeculativeImpl is the cheap answer of Speculate: the module that would be
// built, the context after taking it, and graph nodes it would subsume.
type SpeculativeImpl struct {
	Module  Module
	Context *Context
	Skip    []bdd.NodeID

	// NextTarget is where the continuation runs after the module.
	NextTarget TargetType
}

// ModuleFactory decides whether and how one kind of module consumes a
// behavior-graph node. There is one factory per (target, kind).
//
// All three operations leave their inputs unmodified.
type ModuleFactory interface {
	// Type returns the type of the modules the factory builds.
	Type() ModuleType

	// Target returns the target of the modules the factory builds.
	Target() TargetType

	// Speculate estimates the effect of consuming node without building a
	// plan. The returned Context is a private clone.
	Speculate(e *EP, node *bdd.Node, ctx *Context) (*SpeculativeImpl, bool)

	// Process returns one Implementation per legal way of consuming node on
	// the plan's active leaf, or nil when the node does not match.
	Process(ctx context.Context, e *EP, node *bdd.Node, syms *bdd.SymbolAllocator) []Implementation

	// Create rebuilds the module for node from a context that already
	// records the decision.
	Create(g *bdd.Graph, ctx *Context, node *bdd.Node) (Module, bool)
}

// Extend clones e, places m on the clone's active leaf and returns the
// resulting Implementation. Use it when the factory has no context change
// to make beyond the module itself.
func Extend(e *EP, m Module, specs ...LeafSpec) Implementation {
	c := e.Clone()
	return Place(c, m, specs...)
}

// Place places m on an already cloned plan.
func Place(c *EP, m Module, specs ...LeafSpec) Implementation {
	id := c.ProcessLeaf(m, specs...)
	return Implementation{EP: c, Module: m, Node: id}
}
