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

import "sort"

// Call functions emitted by the symbolic-execution front end.
const (
	FnParseHeader      = "packet_borrow_next_chunk"
	FnReturnHeader     = "packet_return_chunk"
	FnChecksum         = "nf_set_ipv4_udptcp_checksum"
	FnExpireItems      = "expire_items_single_map"
	FnMapGet           = "map_get"
	FnMapPut           = "map_put"
	FnMapErase         = "map_erase"
	FnVectorBorrow     = "vector_borrow"
	FnVectorReturn     = "vector_return"
	FnDchainAllocate   = "dchain_allocate_new_index"
	FnDchainRejuvenate = "dchain_rejuvenate_index"
)

// WriteFunctions are the calls that modify a primitive's contents.
var WriteFunctions = []string{FnMapPut, FnMapErase, FnVectorReturn, FnDchainAllocate}

// FutureCalls returns, in depth-first order, every call strictly below from
// whose function is in fns (any call when fns is empty).
func (g *Graph) FutureCalls(from NodeID, fns ...string) []NodeID {
	var out []NodeID
	g.Walk(from, func(n *Node) bool {
		if n.ID != from && n.IsCall(fns...) {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

// FutureCallsOn is FutureCalls restricted to calls on the primitive addr.
func (g *Graph) FutureCallsOn(from NodeID, addr Addr, fns ...string) []NodeID {
	var out []NodeID
	for _, id := range g.FutureCalls(from, fns...) {
		if g.nodes[id].Call.Object == addr {
			out = append(out, id)
		}
	}
	return out
}

// CallsOn returns every call on addr anywhere in the reachable graph.
func (g *Graph) CallsOn(addr Addr, fns ...string) []NodeID {
	var out []NodeID
	g.Walk(g.root, func(n *Node) bool {
		if n.IsCall(fns...) && n.Call.Object == addr {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

// IsWritten reports whether any reachable call modifies addr.
func (g *Graph) IsWritten(addr Addr) bool {
	return len(g.CallsOn(addr, WriteFunctions...)) > 0
}

// MatchAllocateThenPut recognizes the "allocate an index, then conditionally
// store it in a map" idiom starting at the dchain allocation alloc. It
// returns the branch that tests the allocation outcome and the map_put on
// its success side.
func (g *Graph) MatchAllocateThenPut(alloc NodeID) (branch NodeID, put NodeID, ok bool) {
	n, found := g.nodes[alloc]
	if !found || !n.IsCall(FnDchainAllocate) {
		return NoNode, NoNode, false
	}
	// Results are [index, success]; a single result is the index alone.
	idxSym, outSym := "", ""
	if len(n.Call.Results) > 0 {
		idxSym = n.Call.Results[0].Name
		outSym = n.Call.Results[len(n.Call.Results)-1].Name
	}
	branch, put = NoNode, NoNode
	g.Walk(n.Next, func(m *Node) bool {
		if branch != NoNode {
			return false
		}
		if m.Kind == KindBranch && (m.Condition.References(outSym) || m.Condition.References(idxSym)) {
			branch = m.ID
			return false
		}
		return true
	})
	if branch == NoNode {
		return NoNode, NoNode, false
	}
	b := g.nodes[branch]
	// The success side is the one where the index is usable: the branch that
	// reaches a map_put storing the index.
	for _, side := range []NodeID{b.OnTrue, b.OnFalse} {
		g.Walk(side, func(m *Node) bool {
			if put != NoNode {
				return false
			}
			if m.IsCall(FnMapPut) {
				if v, has := m.Call.Arg("value"); has && v.References(idxSym) {
					put = m.ID
					return false
				}
			}
			return true
		})
		if put != NoNode {
			return branch, put, true
		}
	}
	return NoNode, NoNode, false
}

// CoalescingGroup is a map, the index allocator whose indexes it stores and
// the vectors indexed by those indexes. Together they can be realized as one
// physical structure.
type CoalescingGroup struct {
	Map     Addr   `json:"map"`
	Dchain  Addr   `json:"dchain"`
	Vectors []Addr `json:"vectors,omitempty"`
}

// Members returns every address of the group.
func (c CoalescingGroup) Members() []Addr {
	out := []Addr{c.Map, c.Dchain}
	return append(out, c.Vectors...)
}

// FindCoalescingGroups discovers coalescing groups in the reachable graph.
func (g *Graph) FindCoalescingGroups() []CoalescingGroup {
	byMap := make(map[Addr]*CoalescingGroup)
	var allocs []*Node
	g.Walk(g.root, func(n *Node) bool {
		if n.IsCall(FnDchainAllocate) {
			allocs = append(allocs, n)
		}
		return true
	})
	for _, a := range allocs {
		idx, ok := a.Call.Result()
		if !ok {
			continue
		}
		_, put, matched := g.MatchAllocateThenPut(a.ID)
		if !matched {
			continue
		}
		mapAddr := g.nodes[put].Call.Object
		grp, exists := byMap[mapAddr]
		if !exists {
			grp = &CoalescingGroup{Map: mapAddr, Dchain: a.Call.Object}
			byMap[mapAddr] = grp
		}
		seen := make(map[Addr]bool)
		for _, v := range grp.Vectors {
			seen[v] = true
		}
		for _, vid := range g.FutureCalls(a.ID, FnVectorBorrow) {
			vn := g.nodes[vid]
			if ix, has := vn.Call.Arg("index"); has && ix.References(idx.Name) && !seen[vn.Call.Object] {
				seen[vn.Call.Object] = true
				grp.Vectors = append(grp.Vectors, vn.Call.Object)
			}
		}
	}
	out := make([]CoalescingGroup, 0, len(byMap))
	for _, grp := range byMap {
		sort.Slice(grp.Vectors, func(i, j int) bool { return grp.Vectors[i] < grp.Vectors[j] })
		out = append(out, *grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Map < out[j].Map })
	return out
}
