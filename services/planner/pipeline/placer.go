// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/nfcompile/services/planner/solver"
)

const tracerName = "nfcompile.pipeline"

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// Status is a state of the placement state machine.
type Status int

const (
	StatusUnplaced Status = iota
	StatusTryGreedy
	StatusTryExhaustive
	StatusPlaced
	StatusRejected
)

// String returns the state name.
func (s Status) String() string {
	switch s {
	case StatusUnplaced:
		return "unplaced"
	case StatusTryGreedy:
		return "try_greedy"
	case StatusTryExhaustive:
		return "try_exhaustive"
	case StatusPlaced:
		return "placed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Method names how a placement was obtained.
type Method int

const (
	MethodNone Method = iota
	MethodGreedy
	MethodExhaustive
	MethodExisting
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case MethodGreedy:
		return "greedy"
	case MethodExhaustive:
		return "exhaustive"
	case MethodExisting:
		return "existing"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Result is the outcome of one placement request.
type Result struct {
	ID        DSID
	Status    Status
	Method    Method
	Placement *Placement

	// Transitions lists the states visited, Unplaced first.
	Transitions []Status

	// Reason explains a rejection.
	Reason string
}

// Placed reports whether the request was accepted.
func (r Result) Placed() bool {
	return r.Status == StatusPlaced
}

func (r *Result) enter(s Status) {
	r.Status = s
	r.Transitions = append(r.Transitions, s)
}

// -----------------------------------------------------------------------------
// Placer
// -----------------------------------------------------------------------------

// Placer runs placement requests against Resources.
//
// Thread Safety: Safe for concurrent use on distinct Resources.
type Placer struct {
	solver *solver.Solver
	cache  *SolverCache
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Placer.
type Option func(*Placer)

// WithSolver enables the exhaustive fallback.
func WithSolver(s *solver.Solver) Option {
	return func(p *Placer) {
		p.solver = s
	}
}

// WithCache memoizes exhaustive solves.
func WithCache(c *SolverCache) Option {
	return func(p *Placer) {
		p.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Placer) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPlacer creates a placer. Without WithSolver only the greedy placer
// runs.
func NewPlacer(opts ...Option) *Placer {
	p := &Placer{
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Place runs req through the placement state machine.
//
// Description:
//
//	A structure already placed with the same dependency set is a no-op. A
//	changed dependency set is accepted when the existing placement already
//	honors it; otherwise the structure is placed again, which is only
//	possible while nothing depends on it.
//
//	Greedy placement is attempted first. When it fails and a solver is
//	configured, the exhaustive placer runs. Resources are only mutated when
//	the request ends in StatusPlaced.
//
// Inputs:
//
//	ctx - Bounds the exhaustive solve.
//	r - Resources to place into.
//	req - The structure and its dependencies.
//
// Outputs:
//
//	Result - Placed with the placement, or Rejected with a reason.
func (p *Placer) Place(ctx context.Context, r *Resources, req Request) (out Result) {
	res := Result{ID: req.Structure.ID}
	res.enter(StatusUnplaced)
	defer func() {
		placementsTotal.WithLabelValues(out.Method.String(), out.Status.String()).Inc()
	}()

	if err := req.Structure.Validate(); err != nil {
		return p.reject(res, err.Error())
	}
	deps := sortedDeps(req.Deps)
	for _, d := range deps {
		if d == req.Structure.ID {
			return p.reject(res, "structure depends on itself")
		}
	}

	scratch := r.Clone()
	if existing, ok := r.Placement(req.Structure.ID); ok {
		if equalDeps(existing.Deps, deps) {
			res.Method = MethodExisting
			res.Placement = existing
			res.enter(StatusPlaced)
			return res
		}
		if satisfiesDeps(r, existing, deps) {
			updated := existing.clone()
			updated.Deps = sortedDeps(append(updated.Deps, deps...))
			scratch.placements[updated.ID] = updated
			r.replaceWith(scratch)
			res.Method = MethodExisting
			res.Placement = updated
			res.enter(StatusPlaced)
			return res
		}
		if dependents := r.Dependents(req.Structure.ID); len(dependents) > 0 {
			return p.reject(res, fmt.Sprintf("placed with other dependencies and required by %v", dependents))
		}
		scratch.remove(req.Structure.ID)
	}

	minStage := 0
	for _, d := range deps {
		dp, ok := scratch.Placement(d)
		if !ok {
			return p.reject(res, fmt.Sprintf("dependency %s not placed", d))
		}
		minStage = max(minStage, dp.Last())
	}

	free := freeFrom(scratch)
	res.enter(StatusTryGreedy)
	parts, ok := placeGreedy(free, req.Structure, minStage)
	method := MethodGreedy
	if !ok {
		if p.solver == nil {
			return p.reject(res, "greedy placement failed")
		}
		res.enter(StatusTryExhaustive)
		solved := p.solve(ctx, free, req.Structure, minStage)
		if solved.status != solver.StatusSat {
			return p.reject(res, fmt.Sprintf("exhaustive placement %s", solved.status))
		}
		parts, method = clonePartPlacements(solved.parts), MethodExhaustive
	}

	pl := &Placement{ID: req.Structure.ID, Deps: deps, Parts: parts, Method: method, structure: req.Structure}
	scratch.apply(pl)
	r.replaceWith(scratch)
	res.Method = method
	res.Placement = pl
	res.enter(StatusPlaced)
	p.logger.Debug("structure placed",
		slog.String("id", string(pl.ID)),
		slog.String("method", method.String()),
		slog.Int("first_stage", pl.First()),
		slog.Int("last_stage", pl.Last()))
	return res
}

// MustPlace places a request the caller already committed to. A rejection
// means the search relied on a placement it cannot reproduce; it panics
// with *CommitError.
func (p *Placer) MustPlace(ctx context.Context, r *Resources, req Request) *Placement {
	res := p.Place(ctx, r, req)
	if !res.Placed() {
		panic(&CommitError{ID: req.Structure.ID, Reason: res.Reason})
	}
	return res.Placement
}

func (p *Placer) reject(res Result, reason string) Result {
	res.Reason = reason
	res.enter(StatusRejected)
	p.logger.Debug("structure rejected",
		slog.String("id", string(res.ID)),
		slog.String("reason", reason))
	return res
}

func (p *Placer) solve(ctx context.Context, free []Budget, s Structure, minStage int) solveOutcome {
	run := func(ctx context.Context) solveOutcome {
		ctx, span := p.tracer.Start(ctx, "pipeline.solve",
			trace.WithAttributes(
				attribute.String("pipeline.structure", string(s.ID)),
				attribute.Int("pipeline.parts", len(s.Parts)),
				attribute.Int("pipeline.min_stage", minStage),
			),
		)
		defer span.End()

		m, enc := encode(free, s, minStage)
		if m == nil {
			span.SetStatus(codes.Ok, "no stage available")
			return solveOutcome{status: solver.StatusUnsat}
		}
		sr := p.solver.Solve(ctx, m)
		solverDecisions.Observe(float64(sr.Decisions))
		span.SetAttributes(
			attribute.String("solver.status", sr.Status.String()),
			attribute.Int("solver.decisions", sr.Decisions),
			attribute.Int("solver.vars", m.NumVars()),
			attribute.Int("solver.constraints", m.NumConstraints()),
		)
		if sr.Status == solver.StatusUnknown {
			span.SetStatus(codes.Error, "solver budget exhausted")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		out := solveOutcome{status: sr.Status, decisions: sr.Decisions}
		if sr.Status == solver.StatusSat {
			out.parts = enc.decode(s, sr)
		}
		return out
	}
	if p.cache == nil {
		return run(ctx)
	}
	out, _ := p.cache.do(ctx, cacheKey(free, s, minStage), run)
	return out
}

func clonePartPlacements(in []PartPlacement) []PartPlacement {
	out := make([]PartPlacement, len(in))
	for i, pp := range in {
		out[i] = PartPlacement{Part: pp.Part, Allocs: append([]StageAlloc(nil), pp.Allocs...)}
	}
	return out
}

func equalDeps(a, b []DSID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func satisfiesDeps(r *Resources, p *Placement, deps []DSID) bool {
	for _, d := range deps {
		dp, ok := r.Placement(d)
		if !ok || dp.Last() > p.First() {
			return false
		}
	}
	return true
}
