// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package targets builds the factory set and the initial per-target state
// of a compilation from the topology configuration.
package targets

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
	"github.com/AleutianAI/nfcompile/services/planner/solver"
	"github.com/AleutianAI/nfcompile/services/planner/targets/cpu"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// ErrInvalidTopology is returned for unusable target combinations.
var ErrInvalidTopology = errors.New("invalid topology")

// Config describes the targets of a compilation.
type Config struct {
	// Targets lists the enabled targets. A controller needs a switch.
	Targets []ep.TargetType

	// Stages are the per-stage budgets of the switch pipeline.
	Stages []pipeline.Budget

	// Capacities are the port and pipeline rates used by the oracle.
	Capacities oracle.Capacities

	// Tofino configures the switch factories.
	Tofino tofino.Config
}

// Option configures a Registry.
type Option func(*Registry)

// WithPlacer sets the placer shared by every switch context.
func WithPlacer(p *pipeline.Placer) Option {
	return func(r *Registry) {
		if p != nil {
			r.placer = p
		}
	}
}

// WithLogger sets the logger handed to the factories.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry holds the factories of every enabled target.
//
// Thread Safety: Safe for concurrent use after New. Factories are stateless.
type Registry struct {
	cfg       Config
	order     []ep.TargetType
	factories map[ep.TargetType][]ep.ModuleFactory
	placer    *pipeline.Placer
	logger    *slog.Logger
}

// New validates the topology and builds the factories.
//
// Inputs:
//
//	cfg - The topology.
//	opts - Optional settings. Without WithPlacer a placer with the default
//	       solver and a solver cache is used.
//
// Outputs:
//
//	*Registry - The registry.
//	error - ErrInvalidTopology, or the oracle's capacity error.
func New(cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{
		cfg:       cfg,
		factories: make(map[ep.TargetType][]ep.ModuleFactory),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.placer == nil {
		r.placer = pipeline.NewPlacer(
			pipeline.WithSolver(solver.New(nil, solver.WithLogger(r.logger))),
			pipeline.WithCache(pipeline.NewSolverCache(4096)),
			pipeline.WithLogger(r.logger),
		)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	if _, err := oracle.New(cfg.Capacities); err != nil {
		return nil, err
	}

	// Search tries the switch first so its factories come first.
	for _, t := range []ep.TargetType{ep.TargetTofino, ep.TargetController, ep.TargetX86} {
		if !slices.Contains(cfg.Targets, t) {
			continue
		}
		r.order = append(r.order, t)
		switch t {
		case ep.TargetTofino:
			r.factories[t] = tofino.Factories(cfg.Tofino, slices.Contains(cfg.Targets, ep.TargetController), tofino.WithLogger(r.logger))
		default:
			r.factories[t] = cpu.Factories(t)
		}
	}
	return r, nil
}

func (r *Registry) validate() error {
	if len(r.cfg.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidTopology)
	}
	for _, t := range r.cfg.Targets {
		switch t {
		case ep.TargetTofino, ep.TargetController, ep.TargetX86:
		default:
			return fmt.Errorf("%w: unknown target %q", ErrInvalidTopology, t)
		}
	}
	has := func(t ep.TargetType) bool { return slices.Contains(r.cfg.Targets, t) }
	if has(ep.TargetController) && !has(ep.TargetTofino) {
		return fmt.Errorf("%w: a controller needs a switch", ErrInvalidTopology)
	}
	if has(ep.TargetTofino) && len(r.cfg.Stages) == 0 {
		return fmt.Errorf("%w: switch pipeline has no stages", ErrInvalidTopology)
	}
	return nil
}

// Targets returns the enabled targets, switch first.
func (r *Registry) Targets() []ep.TargetType {
	return r.order
}

// Factories returns the factories of target t.
func (r *Registry) Factories(t ep.TargetType) []ep.ModuleFactory {
	return r.factories[t]
}

// All returns every factory of every target.
func (r *Registry) All() []ep.ModuleFactory {
	var out []ep.ModuleFactory
	for _, t := range r.order {
		out = append(out, r.factories[t]...)
	}
	return out
}

// Placer returns the placer shared by switch contexts.
func (r *Registry) Placer() *pipeline.Placer {
	return r.placer
}

// InitialTarget returns where packets enter: the switch when there is one,
// otherwise the host.
func (r *Registry) InitialTarget() ep.TargetType {
	return r.order[0]
}

// NewContext builds the context of a fresh plan: an empty oracle and an
// empty pipeline for the switch.
func (r *Registry) NewContext(g *bdd.Graph, prof *profiler.Profiler) (*ep.Context, error) {
	orc, err := oracle.New(r.cfg.Capacities)
	if err != nil {
		return nil, err
	}
	var tcs []ep.TargetContext
	if _, ok := r.factories[ep.TargetTofino]; ok {
		tcs = append(tcs, tofino.NewContext(r.cfg.Stages, r.placer))
	}
	return ep.NewContext(g, prof, orc, tcs...), nil
}

// NewPlan builds an empty plan over g starting on the initial target.
func (r *Registry) NewPlan(g *bdd.Graph, prof *profiler.Profiler, ids *ep.IDSource) (*ep.EP, error) {
	c, err := r.NewContext(g, prof)
	if err != nil {
		return nil, err
	}
	return ep.New(g, c, r.InitialTarget(), ids), nil
}

// Verify checks the committed state of a finished plan. It panics with
// *ep.InvariantError when the switch pipeline breaks a budget or a
// dependency edge, since search only commits accepted placements.
func (r *Registry) Verify(e *ep.EP) {
	c := e.Context()
	if !c.HasTarget(ep.TargetTofino) {
		return
	}
	if err := ep.TargetAs[*tofino.Context](c, ep.TargetTofino).Verify(); err != nil {
		panic(&ep.InvariantError{Op: "Registry.Verify", Detail: err.Error()})
	}
}
