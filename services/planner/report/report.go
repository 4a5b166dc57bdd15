// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package report turns a selected execution plan into a document for code
// emitters and humans: the plan tree, the placed pipeline structures, the
// traffic split and the estimated throughput.
package report

import (
	"cmp"
	"errors"
	"slices"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/search"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// ErrNoPlan is returned when a search result carries no plan.
var ErrNoPlan = errors.New("result has no plan")

// Document is the serialized form of a plan.
type Document struct {
	RunID      string                `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Heuristic  string                `json:"heuristic,omitempty" yaml:"heuristic,omitempty"`
	Throughput Throughput            `json:"throughput" yaml:"throughput"`
	Traffic    oracle.Snapshot       `json:"traffic" yaml:"traffic"`
	Modules    map[ep.TargetType]int `json:"modules" yaml:"modules"`
	Search     *SearchStats          `json:"search,omitempty" yaml:"search,omitempty"`
	Placements []Placement           `json:"placements,omitempty" yaml:"placements,omitempty"`
	Impls      []ep.AddrImpl         `json:"impls,omitempty" yaml:"impls,omitempty"`
	Plan       *Node                 `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// Throughput is the admissible input rate of the plan.
type Throughput struct {
	PPS float64 `json:"pps" yaml:"pps"`
	BPS float64 `json:"bps" yaml:"bps"`
}

// SearchStats summarizes the run that produced the plan.
type SearchStats struct {
	Iterations int    `json:"iterations" yaml:"iterations"`
	Generated  int    `json:"generated" yaml:"generated"`
	Finished   int    `json:"finished" yaml:"finished"`
	DeadEnds   int    `json:"dead_ends" yaml:"dead_ends"`
	Backtracks int    `json:"backtracks" yaml:"backtracks"`
	ElapsedMS  int64  `json:"elapsed_ms" yaml:"elapsed_ms"`
	StoppedBy  string `json:"stopped_by" yaml:"stopped_by"`
}

// Placement is one structure placed in the switch pipeline.
type Placement struct {
	Structure  pipeline.DSID            `json:"structure" yaml:"structure"`
	Method     string                   `json:"method" yaml:"method"`
	FirstStage int                      `json:"first_stage" yaml:"first_stage"`
	LastStage  int                      `json:"last_stage" yaml:"last_stage"`
	Deps       []pipeline.DSID          `json:"deps,omitempty" yaml:"deps,omitempty"`
	Parts      []pipeline.PartPlacement `json:"parts" yaml:"parts"`
}

// Node is one module of the plan tree.
type Node struct {
	Module    string        `json:"module" yaml:"module"`
	Type      string        `json:"type" yaml:"type"`
	Target    ep.TargetType `json:"target" yaml:"target"`
	BDDNode   bdd.NodeID    `json:"bdd_node" yaml:"bdd_node"`
	Detail    string        `json:"detail" yaml:"detail"`
	Condition string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Children  []*Node       `json:"children,omitempty" yaml:"children,omitempty"`
}

// FromPlan builds the document of a plan.
func FromPlan(e *ep.EP) *Document {
	doc := &Document{
		Modules: e.TargetCounts(),
		Plan:    tree(e, e.Root()),
	}
	c := e.Context()
	if c != nil {
		if orc := c.Oracle(); orc != nil {
			doc.Throughput = Throughput{PPS: orc.EstimateTputPPS(), BPS: orc.EstimateTputBPS()}
			doc.Traffic = orc.Snapshot()
		}
		doc.Impls = c.Impls()
		if c.HasTarget(ep.TargetTofino) {
			doc.Placements = placements(ep.TargetAs[*tofino.Context](c, ep.TargetTofino).Resources())
		}
	}
	return doc
}

// FromResult builds the document of a search result's selected plan.
func FromResult(res *search.Result) (*Document, error) {
	if res == nil || res.Plan == nil {
		return nil, ErrNoPlan
	}
	doc := FromPlan(res.Plan)
	doc.RunID = res.RunID
	doc.Heuristic = res.Heuristic
	doc.Search = &SearchStats{
		Iterations: res.Iterations,
		Generated:  res.Generated,
		Finished:   res.Finished,
		DeadEnds:   res.DeadEnds,
		Backtracks: res.Backtracks,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		StoppedBy:  res.StoppedBy,
	}
	return doc, nil
}

func tree(e *ep.EP, id ep.EPNodeID) *Node {
	if id == ep.NoEPNode {
		return nil
	}
	n := e.Node(id)
	out := &Node{
		Module:    n.Module.Name(),
		Type:      n.Module.Type().String(),
		Target:    n.Module.Target(),
		BDDNode:   n.Module.Node(),
		Detail:    Describe(n.Module),
		Condition: n.Condition.Repr,
	}
	for _, c := range n.Children {
		if child := tree(e, c); child != nil {
			out.Children = append(out.Children, child)
		}
	}
	return out
}

func placements(r *pipeline.Resources) []Placement {
	var out []Placement
	for _, p := range r.Placements() {
		out = append(out, Placement{
			Structure:  p.ID,
			Method:     p.Method.String(),
			FirstStage: p.First(),
			LastStage:  p.Last(),
			Deps:       p.Deps,
			Parts:      p.Parts,
		})
	}
	slices.SortFunc(out, func(a, b Placement) int {
		return cmp.Or(cmp.Compare(a.FirstStage, b.FirstStage), cmp.Compare(a.Structure, b.Structure))
	})
	return out
}
