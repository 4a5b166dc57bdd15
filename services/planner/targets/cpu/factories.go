// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cpu

import (
	"context"
	"fmt"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// Factories returns the factories of a software target.
//
// Description:
//
//	On the controller, traffic reaching a route was already accounted as
//	controller-bound by the switch hand-off, so routes move it out of the
//	controller ledger. On x86 the host is the whole data plane and routes
//	record traffic directly. Maps cached on the switch are served on the
//	controller by the full copy it keeps.
//
// Inputs:
//
//	t - ep.TargetController or ep.TargetX86.
//
// Outputs:
//
//	[]ep.ModuleFactory - One factory per module kind, nil for other targets.
func Factories(t ep.TargetType) []ep.ModuleFactory {
	if t != ep.TargetController && t != ep.TargetX86 {
		return nil
	}
	call := func(k ep.ModuleKind, prim bdd.PrimitiveKind, build func(ep.BaseModule, *bdd.Node) ep.Module, fns ...string) *callFactory {
		return &callFactory{factory: factory{target: t, kind: k}, fns: fns, prim: prim, build: build}
	}
	return []ep.ModuleFactory{
		&ifFactory{factory{target: t, kind: KindIf}},
		&routeFactory{factory{target: t, kind: KindForward}, bdd.RouteForward},
		&routeFactory{factory{target: t, kind: KindDrop}, bdd.RouteDrop},
		&routeFactory{factory{target: t, kind: KindBroadcast}, bdd.RouteBroadcast},
		call(KindParseHeader, "", func(b ep.BaseModule, n *bdd.Node) ep.Module {
			m := &ParseHeader{BaseModule: b}
			m.Length, _ = n.Call.Arg("length")
			m.Header, _ = n.Call.Result()
			return m
		}, bdd.FnParseHeader),
		call(KindIgnore, "", func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &Ignore{BaseModule: b, Function: n.Call.Function}
		}, bdd.FnReturnHeader, bdd.FnChecksum, bdd.FnExpireItems),
		call(KindMapGet, bdd.PrimitiveMap, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &MapGet{b, accessOf(n)}
		}, bdd.FnMapGet),
		call(KindMapPut, bdd.PrimitiveMap, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &MapPut{b, accessOf(n)}
		}, bdd.FnMapPut),
		call(KindMapErase, bdd.PrimitiveMap, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &MapErase{b, accessOf(n)}
		}, bdd.FnMapErase),
		call(KindVectorBorrow, bdd.PrimitiveVector, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &VectorBorrow{b, accessOf(n)}
		}, bdd.FnVectorBorrow),
		call(KindVectorReturn, bdd.PrimitiveVector, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &VectorReturn{b, accessOf(n)}
		}, bdd.FnVectorReturn),
		call(KindDchainAllocate, bdd.PrimitiveDchain, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &DchainAllocate{b, accessOf(n)}
		}, bdd.FnDchainAllocate),
		call(KindDchainRejuvenate, bdd.PrimitiveDchain, func(b ep.BaseModule, n *bdd.Node) ep.Module {
			return &DchainRejuvenate{b, accessOf(n)}
		}, bdd.FnDchainRejuvenate),
	}
}

// ImplFor returns the implementation a software target uses for a kind of
// primitive.
func ImplFor(t ep.TargetType, k bdd.PrimitiveKind) (ep.DSImpl, bool) {
	type key struct {
		t ep.TargetType
		k bdd.PrimitiveKind
	}
	impl, ok := map[key]ep.DSImpl{
		{ep.TargetController, bdd.PrimitiveMap}:    ep.ImplControllerMap,
		{ep.TargetController, bdd.PrimitiveVector}: ep.ImplControllerVector,
		{ep.TargetController, bdd.PrimitiveDchain}:  ep.ImplControllerDchain,
		{ep.TargetX86, bdd.PrimitiveMap}:           ep.ImplX86Map,
		{ep.TargetX86, bdd.PrimitiveVector}:        ep.ImplX86Vector,
		{ep.TargetX86, bdd.PrimitiveDchain}:        ep.ImplX86Dchain,
	}[key{t, k}]
	return impl, ok
}

// factory is the part shared by every software factory.
type factory struct {
	target ep.TargetType
	kind   ep.ModuleKind
}

// Type implements ep.ModuleFactory.
func (f *factory) Type() ep.ModuleType {
	return ep.ModuleType{Target: f.target, Kind: f.kind}
}

// Target implements ep.ModuleFactory.
func (f *factory) Target() ep.TargetType { return f.target }

func (f *factory) base(node *bdd.Node) ep.BaseModule {
	return ep.NewBaseModule(f.Type(), node.ID, fmt.Sprintf("%s %s", f.kind, node.Describe()))
}

func (f *factory) leafAt(e *ep.EP, node *bdd.Node) (ep.Leaf, bool) {
	leaf, ok := e.ActiveLeaf()
	if !ok || leaf.Next != node.ID || leaf.Target != f.target {
		return ep.Leaf{}, false
	}
	return leaf, true
}

func (f *factory) speculated(m ep.Module, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	return &ep.SpeculativeImpl{Module: m, Context: c, NextTarget: f.target}, true
}

// -----------------------------------------------------------------------------
// Control flow
// -----------------------------------------------------------------------------

type ifFactory struct{ factory }

func (f *ifFactory) build(node *bdd.Node) *If {
	return &If{BaseModule: f.base(node), Cond: node.Condition}
}

func (f *ifFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if node.Kind != bdd.KindBranch {
		return nil, false
	}
	return f.speculated(f.build(node), c.Clone())
}

func (f *ifFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := f.leafAt(e, node)
	if !ok || node.Kind != bdd.KindBranch {
		return nil
	}
	return []ep.Implementation{ep.Extend(e, f.build(node), leaf.Continue(node.OnTrue), leaf.Continue(node.OnFalse))}
}

func (f *ifFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if node.Kind != bdd.KindBranch {
		return nil, false
	}
	return f.build(node), true
}

type routeFactory struct {
	factory
	op bdd.RouteOp
}

func (f *routeFactory) matches(node *bdd.Node) bool {
	return node.Kind == bdd.KindRoute && node.Route != nil && node.Route.Op == f.op
}

func (f *routeFactory) build(node *bdd.Node) ep.Module {
	b := f.base(node)
	switch f.op {
	case bdd.RouteForward:
		return &Forward{BaseModule: b, Port: node.Route.Port}
	case bdd.RouteDrop:
		return &Drop{b}
	default:
		return &Broadcast{b}
	}
}

// account records where the node's traffic ends up.
func (f *routeFactory) account(c *ep.Context, node *bdd.Node) {
	o := c.Oracle()
	frac := c.TrafficFraction(node.ID)
	if f.target == ep.TargetController {
		switch f.op {
		case bdd.RouteForward:
			o.MoveControllerToEgress(node.Route.Port, frac)
		case bdd.RouteDrop:
			o.MoveControllerToDrop(frac)
		case bdd.RouteBroadcast:
			o.MoveControllerToBroadcast(frac)
		}
		return
	}
	switch f.op {
	case bdd.RouteForward:
		o.AddEgress(node.Route.Port, 0, frac)
	case bdd.RouteDrop:
		o.AddDrop(frac)
	case bdd.RouteBroadcast:
		o.AddBroadcast(frac)
	}
}

func (f *routeFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !f.matches(node) {
		return nil, false
	}
	nc := c.Clone()
	f.account(nc, node)
	return f.speculated(f.build(node), nc)
}

func (f *routeFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	if _, ok := f.leafAt(e, node); !ok || !f.matches(node) {
		return nil
	}
	next := e.Clone()
	f.account(next.Context(), node)
	return []ep.Implementation{ep.Place(next, f.build(node))}
}

func (f *routeFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !f.matches(node) {
		return nil, false
	}
	return f.build(node), true
}

// -----------------------------------------------------------------------------
// Calls
// -----------------------------------------------------------------------------

// callFactory consumes one call node and continues after it. Stateful calls
// (prim set) also record the implementation of the primitive and of the rest
// of its coalescing group.
type callFactory struct {
	factory
	fns   []string
	prim  bdd.PrimitiveKind
	build func(ep.BaseModule, *bdd.Node) ep.Module
}

// servesCached reports whether the target serves primitives the switch
// caches.
func (f *callFactory) servesCached(c *ep.Context, addr bdd.Addr) bool {
	impl, ok := c.Impl(addr)
	return ok && impl == ep.ImplTofinoCachedTable && f.target == ep.TargetController
}

func (f *callFactory) accepts(c *ep.Context, node *bdd.Node) bool {
	if !node.IsCall(f.fns...) {
		return false
	}
	if f.prim == "" {
		return true
	}
	addr := node.Call.Object
	p, ok := c.Primitive(addr)
	if !ok || p.Kind != f.prim {
		return false
	}
	if f.servesCached(c, addr) {
		return true
	}
	impl, _ := ImplFor(f.target, f.prim)
	return c.CanImplement(addr, impl)
}

func (f *callFactory) record(c *ep.Context, addr bdd.Addr) {
	if f.prim == "" {
		return
	}
	members := []bdd.Addr{addr}
	if grp, ok := c.Group(addr); ok {
		members = grp.Members()
	}
	for _, m := range members {
		if f.servesCached(c, m) {
			continue
		}
		p, ok := c.Primitive(m)
		if !ok {
			continue
		}
		if impl, ok := ImplFor(f.target, p.Kind); ok && c.CanImplement(m, impl) {
			c.SetImpl(m, impl)
		}
	}
}

func (f *callFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !f.accepts(c, node) {
		return nil, false
	}
	nc := c.Clone()
	f.record(nc, node.Call.Object)
	return f.speculated(f.build(f.base(node), node), nc)
}

func (f *callFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := f.leafAt(e, node)
	if !ok || !f.accepts(e.Context(), node) {
		return nil
	}
	next := e.Clone()
	f.record(next.Context(), node.Call.Object)
	return []ep.Implementation{ep.Place(next, f.build(f.base(node), node), leaf.Continue(node.Next))}
}

func (f *callFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !node.IsCall(f.fns...) {
		return nil, false
	}
	if f.prim != "" {
		impl, ok := c.Impl(node.Call.Object)
		want, _ := ImplFor(f.target, f.prim)
		if !ok || (impl != want && !f.servesCached(c, node.Call.Object)) {
			return nil, false
		}
	}
	return f.build(f.base(node), node), true
}
