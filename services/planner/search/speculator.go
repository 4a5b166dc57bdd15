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
	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// FactorySource yields the factories of a target.
type FactorySource interface {
	Factories(t ep.TargetType) []ep.ModuleFactory
}

// Speculator estimates the throughput a plan would reach if every remaining
// node took the best speculative implementation available where it runs.
//
// Thread Safety: Safe for concurrent use. Estimates work on private clones.
type Speculator struct {
	src FactorySource
}

// NewSpeculator creates a speculator over src.
func NewSpeculator(src FactorySource) *Speculator {
	return &Speculator{src: src}
}

// Estimate walks the unprocessed graph from every active leaf of e and
// returns the oracle estimate of the resulting context. It returns 0 when
// some remaining node has no speculative implementation at all. e is not
// modified.
func (s *Speculator) Estimate(e *ep.EP) float64 {
	if e.Finished() {
		return e.EstimateTputPPS()
	}
	type visit struct {
		node   bdd.NodeID
		target ep.TargetType
	}
	var stack []visit
	for _, l := range e.Leaves() {
		if l.Active() {
			stack = append(stack, visit{l.Next, l.Target})
		}
	}

	g := e.Graph()
	c := e.Context().Clone()
	skipped := make(map[bdd.NodeID]struct{})
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, ok := g.Get(v.node)
		if !ok {
			continue
		}
		if _, skip := skipped[n.ID]; skip {
			for _, succ := range n.Successors() {
				stack = append(stack, visit{succ, v.target})
			}
			continue
		}

		best, ok := s.best(e, n, c, v.target)
		if !ok {
			return 0
		}
		c = best.Context
		for _, id := range best.Skip {
			skipped[id] = struct{}{}
		}
		if !best.Module.Consumes() {
			stack = append(stack, visit{n.ID, best.NextTarget})
			continue
		}
		for _, succ := range n.Successors() {
			stack = append(stack, visit{succ, best.NextTarget})
		}
	}
	return c.Oracle().EstimateTputPPS()
}

// best returns the speculation with the highest resulting estimate. Ties go
// to the earlier factory. A hand-off that stays on the same target is
// ignored since it would revisit the node forever.
func (s *Speculator) best(e *ep.EP, n *bdd.Node, c *ep.Context, target ep.TargetType) (*ep.SpeculativeImpl, bool) {
	var (
		out  *ep.SpeculativeImpl
		tput float64
	)
	for _, f := range s.src.Factories(target) {
		si, ok := f.Speculate(e, n, c)
		if !ok || si == nil || si.Context == nil {
			continue
		}
		if !si.Module.Consumes() && si.NextTarget == target {
			continue
		}
		v := si.Context.Oracle().EstimateTputPPS()
		if out == nil || v > tput {
			out, tput = si, v
		}
	}
	return out, out != nil
}
