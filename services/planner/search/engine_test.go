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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
	"github.com/AleutianAI/nfcompile/services/planner/targets"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// choiceFactory consumes calls to fn, emitting one plan per port that sends
// half of the node's traffic out of that port.
type choiceFactory struct {
	fn    string
	ports []int
}

func (f *choiceFactory) Type() ep.ModuleType {
	return ep.ModuleType{Target: ep.TargetX86, Kind: "choice"}
}

func (f *choiceFactory) Target() ep.TargetType { return ep.TargetX86 }

func (f *choiceFactory) module(node *bdd.Node, port int) ep.Module {
	return ep.NewBaseModule(f.Type(), node.ID, fmt.Sprintf("out %d", port))
}

func (f *choiceFactory) Speculate(_ *ep.EP, node *bdd.Node, c *ep.Context) (*ep.SpeculativeImpl, bool) {
	if !node.IsCall(f.fn) {
		return nil, false
	}
	nc := c.Clone()
	nc.Oracle().AddEgress(f.ports[0], 0, 0.5)
	return &ep.SpeculativeImpl{Module: f.module(node, f.ports[0]), Context: nc, NextTarget: ep.TargetX86}, true
}

func (f *choiceFactory) Process(_ context.Context, e *ep.EP, node *bdd.Node, _ *bdd.SymbolAllocator) []ep.Implementation {
	leaf, ok := e.ActiveLeaf()
	if !ok || leaf.Next != node.ID || !node.IsCall(f.fn) {
		return nil
	}
	var out []ep.Implementation
	for _, port := range f.ports {
		next := e.Clone()
		next.Context().Oracle().AddEgress(port, 0, 0.5)
		var specs []ep.LeafSpec
		if node.Next != bdd.NoNode {
			specs = append(specs, leaf.Continue(node.Next))
		}
		out = append(out, ep.Place(next, f.module(node, port), specs...))
	}
	return out
}

func (f *choiceFactory) Create(_ *bdd.Graph, _ *ep.Context, node *bdd.Node) (ep.Module, bool) {
	if !node.IsCall(f.fn) {
		return nil, false
	}
	return f.module(node, f.ports[0]), true
}

// fakeRegistry runs everything on x86 with two front-panel ports of 10 and
// 20 Gbps.
type fakeRegistry struct {
	factories []ep.ModuleFactory
	verified  atomic.Int64
}

func newFakeRegistry(fs ...ep.ModuleFactory) *fakeRegistry {
	return &fakeRegistry{factories: fs}
}

func (r *fakeRegistry) Factories(t ep.TargetType) []ep.ModuleFactory {
	if t != ep.TargetX86 {
		return nil
	}
	return r.factories
}

func (r *fakeRegistry) NewPlan(g *bdd.Graph, prof *profiler.Profiler, ids *ep.IDSource) (*ep.EP, error) {
	orc, err := oracle.New(oracle.Capacities{
		FrontPanel:     map[int]float64{1: 10e9, 2: 20e9},
		AvgPacketBytes: 64,
	})
	if err != nil {
		return nil, err
	}
	return ep.New(g, ep.NewContext(g, prof, orc), ep.TargetX86, ids), nil
}

func (r *fakeRegistry) Verify(*ep.EP) {
	r.verified.Add(1)
}

type dumpCall struct {
	runID string
	kind  string
	plan  ep.ID
}

type fakeDumper struct {
	mu    sync.Mutex
	calls []dumpCall
	err   error
}

func (d *fakeDumper) Dump(_ context.Context, runID, kind string, e *ep.EP, space *Space) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, dumpCall{runID, kind, e.ID()})
	return fmt.Sprintf("%s/%s", runID, kind), nil
}

// callChain builds a graph of sequential calls to the given functions.
func callChain(t *testing.T, fns ...string) (*bdd.Graph, *profiler.Profiler) {
	t.Helper()
	b := bdd.NewBuilder()
	ids := make([]bdd.NodeID, len(fns))
	for i, fn := range fns {
		ids[i] = b.Call(&bdd.Call{Function: fn})
	}
	b.Chain(ids...)
	g, err := b.Build(ids[0])
	require.NoError(t, err)
	prof, err := profiler.New(g, nil)
	require.NoError(t, err)
	return g, prof
}

// lookupGraph builds: 0 get(map 1) -> 1 if found T: 2 fwd(1) F: 3 drop
func lookupGraph(t *testing.T) (*bdd.Graph, *profiler.Profiler) {
	t.Helper()
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 1024, KeyBits: 32, ValueBits: 32})
	get := b.Call(&bdd.Call{
		Function: bdd.FnMapGet,
		Object:   1,
		Args:     map[string]bdd.Expr{"key": {Repr: "k", Width: 32}},
		Results:  []bdd.Symbol{{Name: "found", Width: 1}},
	})
	br := b.Branch(bdd.Expr{Repr: "found", Width: 1})
	fwd := b.Forward(1)
	drop := b.Drop()
	b.Chain(get, br)
	b.Sides(br, fwd, drop)
	g, err := b.Build(get)
	require.NoError(t, err)
	prof, err := profiler.New(g, nil)
	require.NoError(t, err)
	return g, prof
}

func realRegistry(t *testing.T, ts ...ep.TargetType) *targets.Registry {
	t.Helper()
	reg, err := targets.New(targets.Config{
		Targets: ts,
		Stages:  pipeline.Uniform(4, pipeline.Budget{SRAM: 1 << 20, MapRAM: 1 << 20, XbarBits: 1024, Tables: 16}),
		Capacities: oracle.Capacities{
			FrontPanel:     map[int]float64{1: 100e9},
			AvgPacketBytes: 64,
		},
		Tofino: tofino.DefaultConfig(),
	})
	require.NoError(t, err)
	return reg
}

func fakeConfig(heuristic string) Config {
	cfg := DefaultConfig()
	cfg.Heuristic = heuristic
	cfg.Speculate = false
	cfg.ProgressEvery = 0
	return cfg
}

func newEngine(t *testing.T, reg Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(reg, cfg, opts...)
	require.NoError(t, err)
	return e
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

func TestNew_UnknownHeuristic(t *testing.T) {
	_, err := New(newFakeRegistry(), fakeConfig("nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownHeuristic))
}

func TestRun_DeadEndOnUnmatchedCall(t *testing.T) {
	g, prof := callChain(t, "mystery_call")
	dumper := &fakeDumper{}
	e := newEngine(t, realRegistry(t, ep.TargetX86), DefaultConfig(), WithDumper(dumper))

	res, err := e.Run(context.Background(), g, prof)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadEnd))

	var de *DeadEndError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, bdd.NodeID(0), de.Node)
	assert.Equal(t, ep.TargetX86, de.Target)
	assert.Empty(t, de.Decisions)
	assert.Contains(t, de.Description, "mystery_call")
	assert.Equal(t, res.RunID, de.RunID)
	assert.Equal(t, res.RunID+"/dead_end", de.DumpKey)

	require.NotNil(t, res)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 0, res.Finished)
	assert.Equal(t, 1, res.DeadEnds)
	assert.Nil(t, res.Plan)
	assert.Equal(t, StoppedDeadEnd, res.StoppedBy)
	assert.Equal(t, 1, res.Space.CountByState()[StateDeadEnd])

	require.Len(t, dumper.calls, 1)
	assert.Equal(t, "dead_end", dumper.calls[0].kind)
	assert.Equal(t, de.Plan, dumper.calls[0].plan)
}

func TestRun_DeadEndAfterDecisions(t *testing.T) {
	g, prof := callChain(t, "choose", "stuck")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	e := newEngine(t, reg, fakeConfig("max-tput"))

	res, err := e.Run(context.Background(), g, prof)
	var de *DeadEndError
	require.True(t, errors.As(err, &de), "got %v", err)

	// Port 2 ranks first and dies; the port 1 plan is the last one standing.
	assert.Equal(t, []string{"out 1"}, de.Decisions)
	assert.Equal(t, bdd.NodeID(1), de.Node)
	assert.Empty(t, de.DumpKey)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 2, res.DeadEnds)
}

func TestRun_HostOnlyEndToEnd(t *testing.T) {
	g, prof := lookupGraph(t)
	e := newEngine(t, realRegistry(t, ep.TargetX86), DefaultConfig())

	res, err := e.Run(context.Background(), g, prof)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)

	assert.True(t, res.Plan.Finished())
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 4, res.Generated)
	assert.Equal(t, 1, res.Finished)
	assert.Equal(t, 0, res.Backtracks)
	assert.Equal(t, StoppedComplete, res.StoppedBy)
	assert.Equal(t, map[ep.TargetType]int{ep.TargetX86: 4}, res.Plan.TargetCounts())
	assert.InDelta(t, 1.0, res.Plan.Context().Oracle().Resolved(), 1e-9)
	assert.InDelta(t, 100e9/512, res.Plan.EstimateTputPPS(), 1)
	assert.Equal(t, 5, res.Space.Len())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, int64(4), res.Budget.Iterations)

	node, ok := res.Space.Node(res.Plan.ID())
	require.True(t, ok)
	assert.True(t, node.Selected)
	assert.Equal(t, StateFinished, node.State)
}

func TestRun_SwitchPlan(t *testing.T) {
	g, prof := lookupGraph(t)
	reg := realRegistry(t, ep.TargetTofino, ep.TargetController, ep.TargetX86)
	e := newEngine(t, reg, fakeConfig("max-switch"))

	res, err := e.Run(context.Background(), g, prof)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 4, res.Plan.TargetCounts()[ep.TargetTofino])
	assert.Zero(t, res.Plan.Context().Oracle().ControllerFraction())
	assert.Greater(t, res.Finished, 1)
}

func TestRun_PicksBestFinishedPlan(t *testing.T) {
	g, prof := callChain(t, "choose")
	for _, name := range []string{"max-tput", "bfs", "dfs", "least-controller"} {
		t.Run(name, func(t *testing.T) {
			reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
			res, err := newEngine(t, reg, fakeConfig(name)).Run(context.Background(), g, prof)
			require.NoError(t, err)

			assert.Equal(t, 1, res.Iterations)
			assert.Equal(t, 2, res.Finished)
			assert.Equal(t, int64(2), reg.verified.Load())
			// Port 2 never saturates before the ingress does.
			assert.InDelta(t, 30e9/512, res.Plan.EstimateTputPPS(), 1)
			root := res.Plan.Node(res.Plan.Root())
			assert.Equal(t, "out 2", root.Module.Name())
		})
	}
}

func TestRun_ScoreNoWorseThanAnyFinished(t *testing.T) {
	g, prof := callChain(t, "choose", "choose", "choose")
	for _, name := range HeuristicNames() {
		t.Run(name, func(t *testing.T) {
			reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
			cfg := fakeConfig(name)
			cfg.Seed = 7
			res, err := newEngine(t, reg, cfg).Run(context.Background(), g, prof)
			require.NoError(t, err)
			assert.Equal(t, 8, res.Finished)

			h, err := LookupHeuristic(name, 0)
			require.NoError(t, err)
			raw, err := res.Space.MarshalJSON()
			require.NoError(t, err)
			require.NotEmpty(t, raw)
			for id := ep.ID(1); int(id) <= res.Space.Len(); id++ {
				n, ok := res.Space.Node(id)
				if !ok || n.State != StateFinished {
					continue
				}
				assert.LessOrEqual(t, h.Compare(res.Score, n.Score), 0, "plan %d beats the selected plan", id)
			}
		})
	}
}

func TestRun_CountsBacktracks(t *testing.T) {
	g, prof := callChain(t, "choose", "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	res, err := newEngine(t, reg, fakeConfig("max-tput")).Run(context.Background(), g, prof)
	require.NoError(t, err)

	// root, then the port 2 plan, then back to the port 1 plan.
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 6, res.Generated)
	assert.Equal(t, 4, res.Finished)
	assert.Equal(t, 1, res.Backtracks)
	assert.Equal(t, 1, res.Space.Backtracks())
	assert.Equal(t, 2, res.Space.MaxDepth())
	assert.InDelta(t, 10e9/(512*0.5), res.Plan.EstimateTputPPS(), 1)
}

func TestRun_StopOnDominated(t *testing.T) {
	g, prof := callChain(t, "choose", "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	cfg := fakeConfig("max-tput")
	cfg.StopOnDominated = true
	res, err := newEngine(t, reg, cfg).Run(context.Background(), g, prof)
	require.NoError(t, err)

	assert.Equal(t, StoppedDominated, res.StoppedBy)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, res.Finished)
	assert.NotNil(t, res.Plan)
}

func TestRun_Budget(t *testing.T) {
	g, prof := callChain(t, "choose", "choose")

	t.Run("iterations without a finished plan", func(t *testing.T) {
		reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
		cfg := fakeConfig("max-tput")
		cfg.Budget = BudgetConfig{MaxIterations: 1}
		res, err := newEngine(t, reg, cfg).Run(context.Background(), g, prof)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoPlan))
		require.NotNil(t, res)
		assert.Equal(t, StoppedBudget, res.StoppedBy)
		assert.Equal(t, 1, res.Iterations)
		assert.Equal(t, "iterations", res.Budget.ExhaustedBy)
	})

	t.Run("finished plans", func(t *testing.T) {
		reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
		cfg := fakeConfig("max-tput")
		cfg.Budget = BudgetConfig{MaxFinished: 1}
		res, err := newEngine(t, reg, cfg).Run(context.Background(), g, prof)
		require.NoError(t, err)
		assert.Equal(t, StoppedBudget, res.StoppedBy)
		assert.Equal(t, 2, res.Iterations)
		assert.Equal(t, "finished", res.Budget.ExhaustedBy)
		assert.NotNil(t, res.Plan)
	})
}

func TestRun_Canceled(t *testing.T) {
	g, prof := callChain(t, "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newEngine(t, reg, fakeConfig("max-tput")).Run(ctx, g, prof)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPlan))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StoppedCanceled, res.StoppedBy)
	assert.Zero(t, res.Iterations)
}

func TestRun_DumpsSelectedPlan(t *testing.T) {
	g, prof := callChain(t, "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	cfg := fakeConfig("max-tput")
	cfg.DumpOnSuccess = true

	t.Run("stored", func(t *testing.T) {
		dumper := &fakeDumper{}
		res, err := newEngine(t, reg, cfg, WithDumper(dumper)).Run(context.Background(), g, prof)
		require.NoError(t, err)
		require.Len(t, dumper.calls, 1)
		assert.Equal(t, "selected", dumper.calls[0].kind)
		assert.Equal(t, res.Plan.ID(), dumper.calls[0].plan)
		assert.Equal(t, res.RunID+"/selected", res.DumpKey)
	})

	t.Run("store failure is not fatal", func(t *testing.T) {
		dumper := &fakeDumper{err: errors.New("disk full")}
		res, err := newEngine(t, reg, cfg, WithDumper(dumper)).Run(context.Background(), g, prof)
		require.NoError(t, err)
		assert.Empty(t, res.DumpKey)
		assert.NotNil(t, res.Plan)
	})
}

func TestRun_EmptyGraph(t *testing.T) {
	g, err := bdd.NewBuilder().Build(bdd.NoNode)
	require.NoError(t, err)
	reg := newFakeRegistry()

	res, err := newEngine(t, reg, fakeConfig("max-tput")).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Iterations)
	assert.Equal(t, 1, res.Finished)
	assert.True(t, res.Plan.Finished())
}

func TestRun_TracingSampled(t *testing.T) {
	g, prof := callChain(t, "choose", "choose")
	reg := newFakeRegistry(&choiceFactory{fn: "choose", ports: []int{1, 2}})
	cfg := fakeConfig("max-tput")
	cfg.Tracing = true
	cfg.TraceSampleEvery = 1

	res, err := newEngine(t, reg, cfg).Run(context.Background(), g, prof)
	require.NoError(t, err)
	assert.NotNil(t, res.Plan)
}
