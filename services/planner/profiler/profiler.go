// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profiler exposes the traffic statistics collected for a behavior
// graph: the fraction of total traffic reaching each node and, for stateful
// calls, per-primitive flow statistics.
//
// A Profiler is owned by one execution plan. Plans that rewrite their graph
// (cloning a subtree for a controller miss path, for instance) rescale their
// own copy; the original snapshot is never touched.
package profiler

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
)

// FlowStats describes the flows observed on one primitive at one node.
type FlowStats struct {
	// Packets is the number of packets that reached the node.
	Packets uint64 `json:"packets"`

	// Flows is the number of distinct keys seen.
	Flows uint64 `json:"flows"`

	// TopFlows holds packet counts of the heaviest flows, descending.
	TopFlows []uint64 `json:"top_flows,omitempty"`

	// ChurnRate is the fraction of packets that open a flow not seen within
	// the expiration window.
	ChurnRate float64 `json:"churn_rate"`
}

func (f FlowStats) scaled(factor float64) FlowStats {
	out := f
	out.Packets = uint64(math.Round(float64(f.Packets) * factor))
	if f.TopFlows != nil {
		out.TopFlows = make([]uint64, len(f.TopFlows))
		for i, v := range f.TopFlows {
			out.TopFlows[i] = uint64(math.Round(float64(v) * factor))
		}
	}
	return out
}

// NodeProfile is the wire form of one node's statistics.
type NodeProfile struct {
	Node     bdd.NodeID             `json:"node"`
	Fraction *float64               `json:"fraction,omitempty"`
	Flows    map[bdd.Addr]FlowStats `json:"flows,omitempty"`
}

// Profile is the wire form of the profiling section of an input document.
type Profile struct {
	TotalPackets uint64        `json:"total_packets"`
	Nodes        []NodeProfile `json:"nodes"`
}

// Decode parses the raw profiling section. An empty section yields an empty
// profile.
func Decode(raw json.RawMessage) (*Profile, error) {
	p := &Profile{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// FromDocument builds the graph of an input document and the profiler of
// its profiling section.
func FromDocument(d *bdd.Document) (*bdd.Graph, *Profiler, error) {
	g, err := d.Graph()
	if err != nil {
		return nil, nil, err
	}
	p, err := Decode(d.Profile)
	if err != nil {
		return nil, nil, err
	}
	prof, err := New(g, p)
	if err != nil {
		return nil, nil, err
	}
	return g, prof, nil
}

type nodeStats struct {
	fraction float64
	flows    map[bdd.Addr]FlowStats
}

// Profiler answers hit-rate and flow questions per behavior-graph node.
//
// Thread Safety: Not safe for concurrent mutation. Clone before rescaling.
type Profiler struct {
	totalPackets uint64
	nodes        map[bdd.NodeID]*nodeStats
}

// New builds a profiler for g. Fractions missing from p are derived from the
// graph: a call or route inherits its parent's fraction, an unprofiled
// branch side gets what its sibling leaves over, or an even split.
func New(g *bdd.Graph, p *Profile) (*Profiler, error) {
	if p == nil {
		p = &Profile{}
	}
	pr := &Profiler{
		totalPackets: p.TotalPackets,
		nodes:        make(map[bdd.NodeID]*nodeStats, g.Len()),
	}
	explicit := make(map[bdd.NodeID]float64)
	for _, np := range p.Nodes {
		if !g.Contains(np.Node) {
			return nil, fmt.Errorf("profile references node %d: %w", np.Node, bdd.ErrUnknownNode)
		}
		st := &nodeStats{flows: np.Flows}
		if np.Fraction != nil {
			if *np.Fraction < 0 || *np.Fraction > 1 {
				return nil, fmt.Errorf("profile node %d: fraction %f out of [0,1]", np.Node, *np.Fraction)
			}
			explicit[np.Node] = *np.Fraction
		}
		pr.nodes[np.Node] = st
	}
	if g.Root() == bdd.NoNode {
		return pr, nil
	}

	type item struct {
		id       bdd.NodeID
		inherits float64
	}
	stack := []item{{g.Root(), 1.0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := g.MustGet(it.id)
		f, ok := explicit[n.ID]
		if !ok {
			f = it.inherits
		}
		st := pr.nodes[n.ID]
		if st == nil {
			st = &nodeStats{}
			pr.nodes[n.ID] = st
		}
		st.fraction = f
		if n.Kind != bdd.KindBranch {
			if n.Next != bdd.NoNode {
				stack = append(stack, item{n.Next, f})
			}
			continue
		}
		tf, tOK := explicit[n.OnTrue]
		ff, fOK := explicit[n.OnFalse]
		switch {
		case tOK && !fOK:
			ff = math.Max(0, f-tf)
		case fOK && !tOK:
			tf = math.Max(0, f-ff)
		case !tOK && !fOK:
			tf, ff = f/2, f/2
		}
		stack = append(stack, item{n.OnFalse, ff}, item{n.OnTrue, tf})
	}
	return pr, nil
}

// TotalPackets returns the number of packets in the profiled trace.
func (p *Profiler) TotalPackets() uint64 {
	return p.totalPackets
}

// Fraction returns the fraction of total traffic reaching node.
func (p *Profiler) Fraction(node bdd.NodeID) float64 {
	if st, ok := p.nodes[node]; ok {
		return st.fraction
	}
	return 0
}

// Flows returns flow statistics for a primitive at a node.
func (p *Profiler) Flows(node bdd.NodeID, addr bdd.Addr) (FlowStats, bool) {
	st, ok := p.nodes[node]
	if !ok || st.flows == nil {
		return FlowStats{}, false
	}
	f, ok := st.flows[addr]
	return f, ok
}

// CacheHitRate estimates the fraction of packets reaching node that would
// find their key resident in a cache of the given capacity on addr. Without
// flow statistics the estimate is 0.
func (p *Profiler) CacheHitRate(node bdd.NodeID, addr bdd.Addr, capacity int) float64 {
	f, ok := p.Flows(node, addr)
	if !ok || f.Packets == 0 || capacity <= 0 {
		return 0
	}
	retained := 1 - clamp01(f.ChurnRate)
	if f.Flows <= uint64(capacity) {
		return retained
	}
	var covered, top uint64
	n := len(f.TopFlows)
	if n > capacity {
		n = capacity
	}
	for i := 0; i < n; i++ {
		covered += f.TopFlows[i]
	}
	for _, v := range f.TopFlows {
		top += v
	}
	if rest := capacity - n; rest > 0 && f.Flows > uint64(len(f.TopFlows)) && f.Packets > top {
		residualFlows := f.Flows - uint64(len(f.TopFlows))
		perFlow := float64(f.Packets-top) / float64(residualFlows)
		extra := math.Min(float64(rest), float64(residualFlows))
		covered += uint64(extra * perFlow)
	}
	return clamp01(float64(covered)/float64(f.Packets)) * retained
}

// SetFraction overrides the traffic fraction of a single node.
func (p *Profiler) SetFraction(node bdd.NodeID, f float64) {
	st, ok := p.nodes[node]
	if !ok {
		st = &nodeStats{}
		p.nodes[node] = st
	}
	st.fraction = clamp01(f)
}

// ScaleSubtree multiplies the fraction and flow counts of every node in the
// subtree of g rooted at from.
func (p *Profiler) ScaleSubtree(g *bdd.Graph, from bdd.NodeID, factor float64) {
	g.Walk(from, func(n *bdd.Node) bool {
		st, ok := p.nodes[n.ID]
		if !ok {
			return true
		}
		st.fraction = clamp01(st.fraction * factor)
		if st.flows != nil {
			scaled := make(map[bdd.Addr]FlowStats, len(st.flows))
			for a, f := range st.flows {
				scaled[a] = f.scaled(factor)
			}
			st.flows = scaled
		}
		return true
	})
}

// CopyScaled gives every cloned node the statistics of its original scaled
// by factor. mapping is the original-to-clone map returned by graph rewrites.
func (p *Profiler) CopyScaled(mapping map[bdd.NodeID]bdd.NodeID, factor float64) {
	for orig, cl := range mapping {
		st, ok := p.nodes[orig]
		if !ok {
			continue
		}
		cp := &nodeStats{fraction: clamp01(st.fraction * factor)}
		if st.flows != nil {
			cp.flows = make(map[bdd.Addr]FlowStats, len(st.flows))
			for a, f := range st.flows {
				cp.flows[a] = f.scaled(factor)
			}
		}
		p.nodes[cl] = cp
	}
}

// Clone returns an independent copy.
func (p *Profiler) Clone() *Profiler {
	out := &Profiler{
		totalPackets: p.totalPackets,
		nodes:        make(map[bdd.NodeID]*nodeStats, len(p.nodes)),
	}
	for id, st := range p.nodes {
		// flows maps are replaced, never mutated, so sharing them is safe.
		out.nodes[id] = &nodeStats{fraction: st.fraction, flows: st.flows}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
