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
	"sort"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
)

// DSImpl names the physical implementation chosen for a primitive.
type DSImpl string

const (
	ImplTofinoTable       DSImpl = "tofino_table"
	ImplTofinoCachedTable DSImpl = "tofino_cached_table"
	ImplTofinoRegister    DSImpl = "tofino_register"
	ImplControllerMap     DSImpl = "controller_map"
	ImplControllerVector  DSImpl = "controller_vector"
	ImplControllerDchain  DSImpl = "controller_dchain"
	ImplX86Map            DSImpl = "x86_map"
	ImplX86Vector         DSImpl = "x86_vector"
	ImplX86Dchain         DSImpl = "x86_dchain"
)

// TargetContext is target-specific state carried by a Context (the switch's
// placed structures, for instance).
type TargetContext interface {
	Target() TargetType
	Clone() TargetContext
}

// Context is the per-plan bookkeeping: primitive configurations, chosen
// implementations, coalescing groups, per-target state, the performance
// oracle and the profiler.
//
// Thread Safety: Not safe for concurrent use. Clone when a plan forks.
type Context struct {
	primitives map[bdd.Addr]bdd.Primitive
	impls      map[bdd.Addr]DSImpl
	groups     []bdd.CoalescingGroup
	targets    map[TargetType]TargetContext
	oracle     *oracle.Oracle
	profiler   *profiler.Profiler
}

// NewContext seeds a context from the graph's primitive declarations and
// coalescing groups.
func NewContext(g *bdd.Graph, prof *profiler.Profiler, orc *oracle.Oracle, targets ...TargetContext) *Context {
	c := &Context{
		primitives: make(map[bdd.Addr]bdd.Primitive),
		impls:      make(map[bdd.Addr]DSImpl),
		groups:     g.FindCoalescingGroups(),
		targets:    make(map[TargetType]TargetContext, len(targets)),
		oracle:     orc,
		profiler:   prof,
	}
	for _, p := range g.Primitives() {
		c.primitives[p.Addr] = p
	}
	for _, t := range targets {
		c.targets[t.Target()] = t
	}
	return c
}

// Primitive returns the configuration of a primitive.
func (c *Context) Primitive(addr bdd.Addr) (bdd.Primitive, bool) {
	p, ok := c.primitives[addr]
	return p, ok
}

// Impl returns the implementation chosen for a primitive.
func (c *Context) Impl(addr bdd.Addr) (DSImpl, bool) {
	i, ok := c.impls[addr]
	return i, ok
}

// CanImplement reports whether addr is still free to take impl: nothing
// was chosen yet, or impl was.
func (c *Context) CanImplement(addr bdd.Addr, impl DSImpl) bool {
	cur, ok := c.impls[addr]
	return !ok || cur == impl
}

// SetImpl records the implementation of a single primitive.
func (c *Context) SetImpl(addr bdd.Addr, impl DSImpl) {
	c.impls[addr] = impl
}

// SetGroupImpl records impl for addr and, when addr belongs to a coalescing
// group, for every other member too.
func (c *Context) SetGroupImpl(addr bdd.Addr, impl DSImpl) {
	if g, ok := c.Group(addr); ok {
		for _, m := range g.Members() {
			c.impls[m] = impl
		}
		return
	}
	c.impls[addr] = impl
}

// Impls returns every recorded implementation, sorted by address.
func (c *Context) Impls() []AddrImpl {
	out := make([]AddrImpl, 0, len(c.impls))
	for a, i := range c.impls {
		out = append(out, AddrImpl{Addr: a, Impl: i})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// AddrImpl pairs a primitive with its implementation.
type AddrImpl struct {
	Addr bdd.Addr `json:"addr"`
	Impl DSImpl   `json:"impl"`
}

// Group returns the coalescing group containing addr.
func (c *Context) Group(addr bdd.Addr) (bdd.CoalescingGroup, bool) {
	for _, g := range c.groups {
		for _, m := range g.Members() {
			if m == addr {
				return g, true
			}
		}
	}
	return bdd.CoalescingGroup{}, false
}

// Groups returns the coalescing groups.
func (c *Context) Groups() []bdd.CoalescingGroup {
	return c.groups
}

// Oracle returns the performance oracle.
func (c *Context) Oracle() *oracle.Oracle {
	return c.oracle
}

// Profiler returns the profiler snapshot.
func (c *Context) Profiler() *profiler.Profiler {
	return c.profiler
}

// SetProfiler installs a rescaled profiler after a graph rewrite.
func (c *Context) SetProfiler(p *profiler.Profiler) {
	c.profiler = p
}

// TrafficFraction returns the profiled fraction of total traffic reaching
// node, or 0 without a profiler.
func (c *Context) TrafficFraction(node bdd.NodeID) float64 {
	if c.profiler == nil {
		return 0
	}
	return c.profiler.Fraction(node)
}

// SetTarget installs or replaces the context of tc's target.
func (c *Context) SetTarget(tc TargetContext) {
	c.targets[tc.Target()] = tc
}

// HasTarget reports whether a target context is present.
func (c *Context) HasTarget(t TargetType) bool {
	_, ok := c.targets[t]
	return ok
}

// Target returns the context of target t. It panics with *InvariantError
// when the target is not configured.
func (c *Context) Target(t TargetType) TargetContext {
	tc, ok := c.targets[t]
	if !ok {
		invariant("Context.Target", "no context for target %s", t)
	}
	return tc
}

// TargetAs returns the context of target t as its concrete type. It panics
// with *InvariantError when the target is missing or of another type.
func TargetAs[T TargetContext](c *Context, t TargetType) T {
	tc := c.Target(t)
	typed, ok := tc.(T)
	if !ok {
		invariant("TargetAs", "context of target %s is %T", t, tc)
	}
	return typed
}

// Clone returns an independent copy. Coalescing groups are shared since
// they never change after seeding; the profiler is shared until a rewrite
// replaces it with SetProfiler.
func (c *Context) Clone() *Context {
	out := &Context{
		primitives: c.primitives,
		impls:      make(map[bdd.Addr]DSImpl, len(c.impls)),
		groups:     c.groups,
		targets:    make(map[TargetType]TargetContext, len(c.targets)),
		profiler:   c.profiler,
	}
	for a, i := range c.impls {
		out.impls[a] = i
	}
	for t, tc := range c.targets {
		out.targets[t] = tc.Clone()
	}
	if c.oracle != nil {
		out.oracle = c.oracle.Clone()
	}
	return out
}
