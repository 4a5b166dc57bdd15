// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tofino

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
)

// Option configures the switch factories.
type Option func(*factory)

// WithLogger sets the logger used to report rejected placements.
func WithLogger(l *slog.Logger) Option {
	return func(f *factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// Factories returns every switch factory.
//
// Description:
//
//	The factories assume the plan's Context carries a *Context for the
//	switch and an oracle. Factories that hand traffic to the controller
//	only produce candidates when controllerEnabled is set.
//
// Inputs:
//
//	cfg - Factory settings. Zero fields take their defaults.
//	controllerEnabled - Whether a controller target exists.
//	opts - Optional settings.
//
// Outputs:
//
//	[]ep.ModuleFactory - One factory per module kind.
func Factories(cfg Config, controllerEnabled bool, opts ...Option) []ep.ModuleFactory {
	cfg.normalize()
	mk := func(k ep.ModuleKind) factory {
		f := factory{kind: k, cfg: &cfg, controller: controllerEnabled, logger: slog.Default()}
		for _, opt := range opts {
			opt(&f)
		}
		return f
	}
	out := []ep.ModuleFactory{
		&ifFactory{mk(KindIf)},
		&forwardFactory{mk(KindForward)},
		&dropFactory{mk(KindDrop)},
		&broadcastFactory{mk(KindBroadcast)},
		&parseHeaderFactory{mk(KindParseHeader)},
		&ignoreFactory{mk(KindIgnore)},
		&tableFactory{mk(KindTable)},
		&vectorRegisterFactory{mk(KindVectorRegister)},
		&cachedTableReadFactory{mk(KindCachedTableRead)},
		&cachedTableWriteFactory{mk(KindCachedTableWrite)},
		&recirculateFactory{mk(KindRecirculate)},
	}
	if controllerEnabled {
		out = append(out, &sendToControllerFactory{mk(KindSendToController)})
	}
	return out
}

// factory is the part shared by every switch factory.
type factory struct {
	kind       ep.ModuleKind
	cfg        *Config
	controller bool
	logger     *slog.Logger
}

// Type implements ep.ModuleFactory.
func (f *factory) Type() ep.ModuleType { return moduleType(f.kind) }

// Target implements ep.ModuleFactory.
func (f *factory) Target() ep.TargetType { return ep.TargetTofino }

func (f *factory) base(node bdd.NodeID, name string) ep.BaseModule {
	return ep.NewBaseModule(moduleType(f.kind), node, name)
}

// leafAt returns the plan's active leaf when it is about to process node.
func leafAt(e *ep.EP, node *bdd.Node) (ep.Leaf, bool) {
	leaf, ok := e.ActiveLeaf()
	if !ok || leaf.Next != node.ID || leaf.Target != ep.TargetTofino {
		return ep.Leaf{}, false
	}
	return leaf, true
}

// speculated wraps a module and a context clone into a SpeculativeImpl
// that stays on the switch.
func speculated(m ep.Module, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	return &ep.SpeculativeImpl{Module: m, Context: c, NextTarget: ep.TargetTofino}, true
}

// tryPlace places req on a private copy of the switch context of c.
func (f *factory) tryPlace(ctx context.Context, c *ep.Context, req pipeline.Request) (*Context, bool) {
	tc := ep.TargetAs[*Context](c, ep.TargetTofino).clone()
	res := tc.Place(ctx, req)
	if !res.Placed() {
		f.logger.Debug("switch placement rejected",
			slog.String("factory", f.Type().String()),
			slog.String("structure", string(req.Structure.ID)),
			slog.String("reason", res.Reason))
		return nil, false
	}
	return tc, true
}

// pathStructures returns the structures placed on the path from the plan
// root to leaf within the current pipeline pass, exclude left out.
func pathStructures(e *ep.EP, leaf ep.Leaf, exclude pipeline.DSID) []pipeline.DSID {
	var out []pipeline.DSID
	for id := leaf.Node; id != ep.NoEPNode; {
		n := e.Node(id)
		switch m := n.Module.(type) {
		case *Recirculate:
			return out
		case StructureModule:
			if s := m.Structure(); s != exclude {
				out = append(out, s)
			}
		}
		id = n.Parent
	}
	return out
}

// -----------------------------------------------------------------------------
// Control flow
// -----------------------------------------------------------------------------

type ifFactory struct{ factory }

func (f *ifFactory) build(node *bdd.Node) *If {
	return &If{BaseModule: f.base(node.ID, "if "+node.Condition.Repr), Cond: node.Condition}
}

func (f *ifFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if node.Kind != bdd.KindBranch {
		return nil, false
	}
	return speculated(f.build(node), c.Clone())
}

func (f *ifFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
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

type forwardFactory struct{ factory }

func isRoute(node *bdd.Node, op bdd.RouteOp) bool {
	return node.Kind == bdd.KindRoute && node.Route != nil && node.Route.Op == op
}

func (f *forwardFactory) build(node *bdd.Node) *Forward {
	return &Forward{BaseModule: f.base(node.ID, "forward"), Port: node.Route.Port}
}

func (f *forwardFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !isRoute(node, bdd.RouteForward) {
		return nil, false
	}
	nc := c.Clone()
	nc.Oracle().AddEgress(node.Route.Port, 0, nc.TrafficFraction(node.ID))
	return speculated(f.build(node), nc)
}

func (f *forwardFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok || !isRoute(node, bdd.RouteForward) {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.Oracle().AddEgress(node.Route.Port, leaf.RecircDepth, nc.TrafficFraction(node.ID))
	return []ep.Implementation{ep.Place(next, f.build(node))}
}

func (f *forwardFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !isRoute(node, bdd.RouteForward) {
		return nil, false
	}
	return f.build(node), true
}

type dropFactory struct{ factory }

func (f *dropFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !isRoute(node, bdd.RouteDrop) {
		return nil, false
	}
	nc := c.Clone()
	nc.Oracle().AddDrop(nc.TrafficFraction(node.ID))
	return speculated(&Drop{f.base(node.ID, "drop")}, nc)
}

func (f *dropFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	if _, ok := leafAt(e, node); !ok || !isRoute(node, bdd.RouteDrop) {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.Oracle().AddDrop(nc.TrafficFraction(node.ID))
	return []ep.Implementation{ep.Place(next, &Drop{f.base(node.ID, "drop")})}
}

func (f *dropFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !isRoute(node, bdd.RouteDrop) {
		return nil, false
	}
	return &Drop{f.base(node.ID, "drop")}, true
}

type broadcastFactory struct{ factory }

func (f *broadcastFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !isRoute(node, bdd.RouteBroadcast) {
		return nil, false
	}
	nc := c.Clone()
	nc.Oracle().AddBroadcast(nc.TrafficFraction(node.ID))
	return speculated(&Broadcast{f.base(node.ID, "broadcast")}, nc)
}

func (f *broadcastFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	if _, ok := leafAt(e, node); !ok || !isRoute(node, bdd.RouteBroadcast) {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.Oracle().AddBroadcast(nc.TrafficFraction(node.ID))
	return []ep.Implementation{ep.Place(next, &Broadcast{f.base(node.ID, "broadcast")})}
}

func (f *broadcastFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !isRoute(node, bdd.RouteBroadcast) {
		return nil, false
	}
	return &Broadcast{f.base(node.ID, "broadcast")}, true
}

// -----------------------------------------------------------------------------
// Stateless calls
// -----------------------------------------------------------------------------

type parseHeaderFactory struct{ factory }

func (f *parseHeaderFactory) build(node *bdd.Node) *ParseHeader {
	m := &ParseHeader{BaseModule: f.base(node.ID, "parse header")}
	m.Length, _ = node.Call.Arg("length")
	m.Header, _ = node.Call.Result()
	return m
}

func (f *parseHeaderFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !node.IsCall(bdd.FnParseHeader) {
		return nil, false
	}
	return speculated(f.build(node), c.Clone())
}

func (f *parseHeaderFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok || !node.IsCall(bdd.FnParseHeader) {
		return nil
	}
	return []ep.Implementation{ep.Extend(e, f.build(node), leaf.Continue(node.Next))}
}

func (f *parseHeaderFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !node.IsCall(bdd.FnParseHeader) {
		return nil, false
	}
	return f.build(node), true
}

type ignoreFactory struct{ factory }

// ignorable reports whether the switch can skip the call. Index refreshes of
// an allocator realized inside a table are implicit.
func ignorable(c *ep.Context, node *bdd.Node) bool {
	if node.IsCall(bdd.FnReturnHeader, bdd.FnChecksum, bdd.FnExpireItems) {
		return true
	}
	if node.IsCall(bdd.FnDchainRejuvenate) {
		impl, ok := c.Impl(node.Call.Object)
		return ok && (impl == ep.ImplTofinoCachedTable || impl == ep.ImplTofinoTable)
	}
	return false
}

func (f *ignoreFactory) build(node *bdd.Node) *Ignore {
	return &Ignore{BaseModule: f.base(node.ID, "ignore "+node.Call.Function), Function: node.Call.Function}
}

func (f *ignoreFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !ignorable(c, node) {
		return nil, false
	}
	return speculated(f.build(node), c.Clone())
}

func (f *ignoreFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok || !ignorable(e.Context(), node) {
		return nil
	}
	return []ep.Implementation{ep.Extend(e, f.build(node), leaf.Continue(node.Next))}
}

func (f *ignoreFactory) Create(_ *bdd.Graph, c *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !ignorable(c, node) {
		return nil, false
	}
	return f.build(node), true
}

// -----------------------------------------------------------------------------
// Hand-offs
// -----------------------------------------------------------------------------

type sendToControllerFactory struct{ factory }

func (f *sendToControllerFactory) build(node *bdd.Node) *SendToController {
	return &SendToController{ep.NewHandoffModule(moduleType(KindSendToController), node.ID, "send to controller")}
}

func (f *sendToControllerFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	nc := c.Clone()
	nc.Oracle().AddController(nc.TrafficFraction(node.ID))
	return &ep.SpeculativeImpl{Module: f.build(node), Context: nc, NextTarget: ep.TargetController}, true
}

func (f *sendToControllerFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok {
		return nil
	}
	next := e.Clone()
	nc := next.Context()
	nc.Oracle().AddController(nc.TrafficFraction(node.ID))
	return []ep.Implementation{ep.Place(next, f.build(node), leaf.HandOff(node.ID, ep.TargetController))}
}

func (f *sendToControllerFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	return f.build(node), true
}

type recirculateFactory struct{ factory }

func (f *recirculateFactory) port(depth int) (int, bool) {
	ports := f.cfg.RecirculationPorts
	if len(ports) == 0 {
		return 0, false
	}
	return ports[depth%len(ports)], true
}

func (f *recirculateFactory) build(node *bdd.Node, port, depth int) *Recirculate {
	return &Recirculate{
		BaseModule: ep.NewHandoffModule(moduleType(KindRecirculate), node.ID, "recirculate"),
		Port:       port,
		Depth:      depth,
	}
}

func (f *recirculateFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	port, ok := f.port(0)
	if !ok || f.cfg.MaxRecirculations <= 0 {
		return nil, false
	}
	if _, stateful := f.cfg.probe(c, node); !stateful {
		return nil, false
	}
	nc := c.Clone()
	nc.Oracle().AddRecirculation(port, 0, nc.TrafficFraction(node.ID))
	return speculated(f.build(node, port, 1), nc)
}

// Process offers a recirculation when the structure node needs cannot be
// placed after the ones already on the path, but fits in a fresh pass.
func (f *recirculateFactory) Process(ctx context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := leafAt(e, node)
	if !ok || leaf.RecircDepth >= f.cfg.MaxRecirculations {
		return nil
	}
	port, ok := f.port(leaf.RecircDepth)
	if !ok {
		return nil
	}
	c := e.Context()
	s, ok := f.cfg.probe(c, node)
	if !ok {
		return nil
	}
	deps := pathStructures(e, leaf, s.ID)
	if len(deps) == 0 {
		return nil
	}
	if _, fits := f.tryPlace(ctx, c, pipeline.Request{Structure: s, Deps: deps}); fits {
		return nil
	}
	if _, fits := f.tryPlace(ctx, c, pipeline.Request{Structure: s}); !fits {
		return nil
	}

	next := e.Clone()
	nc := next.Context()
	nc.Oracle().AddRecirculation(port, leaf.RecircDepth, nc.TrafficFraction(node.ID))
	m := f.build(node, port, leaf.RecircDepth+1)
	spec := ep.LeafSpec{Next: node.ID, Target: ep.TargetTofino, RecircDepth: leaf.RecircDepth + 1}
	return []ep.Implementation{ep.Place(next, m, spec)}
}

func (f *recirculateFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	port, ok := f.port(0)
	if !ok {
		return nil, false
	}
	return f.build(node, port, 1), true
}
