// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package search explores execution plans best-first.
//
// The engine pops the best unfinished plan, hands the next behavior-graph
// node of its active leaf to every factory of the leaf's target, scores the
// resulting plans with a Heuristic and queues them. Finished plans go to a
// separate pool and the best one is returned once the queue is empty or a
// budget, cancellation or early-stop rule ends the run.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
)

// Registry is what the engine needs from the target registry.
type Registry interface {
	FactorySource

	// NewPlan builds the empty plan of a run.
	NewPlan(g *bdd.Graph, prof *profiler.Profiler, ids *ep.IDSource) (*ep.EP, error)

	// Verify checks a finished plan and panics on a broken invariant.
	Verify(e *ep.EP)
}

// Dumper persists post-mortem snapshots of a run.
type Dumper interface {
	// Dump stores e and the search space under runID and returns the key of
	// the stored record. kind is "dead_end" or "selected".
	Dump(ctx context.Context, runID, kind string, e *ep.EP, space *Space) (string, error)
}

// Stop reasons reported in Result.StoppedBy.
const (
	StoppedComplete  = "complete"
	StoppedCanceled  = "canceled"
	StoppedDominated = "dominated"
	StoppedBudget    = "budget"
	StoppedDeadEnd   = "dead_end"
)

// Config configures an Engine.
type Config struct {
	// Heuristic names a registered heuristic. Empty selects DefaultHeuristic.
	Heuristic string `json:"heuristic" yaml:"heuristic"`

	// Seed feeds heuristics with random components.
	Seed uint64 `json:"seed" yaml:"seed"`

	// Budget bounds the run.
	Budget BudgetConfig `json:"budget" yaml:"budget"`

	// StopOnDominated ends the run once the best finished plan scores at
	// least as well as the head of the queue.
	StopOnDominated bool `json:"stop_on_dominated" yaml:"stop_on_dominated"`

	// Speculate attaches a look-ahead throughput estimate to every
	// unfinished plan before it is scored.
	Speculate bool `json:"speculate" yaml:"speculate"`

	// Tracing enables OpenTelemetry spans.
	Tracing bool `json:"tracing" yaml:"tracing"`

	// TraceSampleEvery traces one iteration in N. 0 traces none.
	TraceSampleEvery int `json:"trace_sample_every" yaml:"trace_sample_every" validate:"gte=0"`

	// ProgressEvery is the minimum interval between progress logs. 0
	// disables them.
	ProgressEvery time.Duration `json:"progress_every" yaml:"progress_every" validate:"gte=0"`

	// DumpOnSuccess dumps the selected plan as well as dead ends.
	DumpOnSuccess bool `json:"dump_on_success" yaml:"dump_on_success"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Heuristic:        DefaultHeuristic,
		Budget:           DefaultBudgetConfig(),
		Speculate:        true,
		TraceSampleEvery: 100,
		ProgressEvery:    2 * time.Second,
	}
}

// Result is the outcome of a run.
type Result struct {
	RunID     string `json:"run_id"`
	Heuristic string `json:"heuristic"`

	// Plan is the selected finished plan, nil when none finished.
	Plan  *ep.EP `json:"-"`
	Score Score  `json:"score,omitempty"`

	Iterations int           `json:"iterations"`
	Generated  int           `json:"generated"`
	Finished   int           `json:"finished"`
	DeadEnds   int           `json:"dead_ends"`
	Backtracks int           `json:"backtracks"`
	Elapsed    time.Duration `json:"elapsed"`
	StoppedBy  string        `json:"stopped_by"`
	DumpKey    string        `json:"dump_key,omitempty"`

	Budget UsageReport `json:"budget"`
	Space  *Space      `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDumper sets where post-mortem snapshots go.
func WithDumper(d Dumper) Option {
	return func(e *Engine) {
		e.dumper = d
	}
}

// Engine runs plan searches.
//
// Thread Safety: Safe for concurrent use. Every Run owns its queue,
// heuristic, symbol allocator and plan ids.
type Engine struct {
	reg    Registry
	cfg    Config
	logger *slog.Logger
	dumper Dumper
	tracer *Tracer
	spec   *Speculator
}

// New creates an engine.
//
// Inputs:
//   - reg: Target registry supplying factories, initial plans and
//     finalization checks.
//   - cfg: Engine configuration.
//   - opts: Optional settings.
//
// Outputs:
//   - *Engine: The engine.
//   - error: ErrUnknownHeuristic when cfg names no registered heuristic.
func New(reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	if _, err := LookupHeuristic(cfg.Heuristic, cfg.Seed); err != nil {
		return nil, err
	}
	e := &Engine{
		reg:    reg,
		cfg:    cfg,
		logger: slog.Default(),
		spec:   NewSpeculator(reg),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracer = NewTracer(e.logger, cfg.Tracing)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// run is the state of one search.
type run struct {
	*Engine
	id     string
	h      *Heuristic
	budget *Budget
	space  *Space
	queue  *frontier
	syms   *bdd.SymbolAllocator
	res    *Result

	best      *ep.EP
	bestScore Score
	previous  map[ep.ID]struct{}
}

// Run searches for the best plan of g.
//
// Inputs:
//   - ctx: Cancels the run. A canceled run returns the best finished plan
//     found so far.
//   - g: The behavior graph.
//   - prof: Its profile.
//
// Outputs:
//   - *Result: Always non-nil once the initial plan exists, also on error.
//   - error: *DeadEndError when the last unfinished plan hit a dead end
//     with nothing finished, ErrNoPlan when the run stopped before any plan
//     finished, or the registry's error building the initial plan.
func (e *Engine) Run(ctx context.Context, g *bdd.Graph, prof *profiler.Profiler) (res *Result, err error) {
	h, err := LookupHeuristic(e.cfg.Heuristic, e.cfg.Seed)
	if err != nil {
		return nil, err
	}
	r := &run{
		Engine:   e,
		id:       uuid.NewString(),
		h:        h,
		budget:   NewBudget(e.cfg.Budget),
		space:    NewSpace(h.Name()),
		queue:    newFrontier(h),
		syms:     bdd.NewSymbolAllocator(),
		previous: make(map[ep.ID]struct{}),
	}
	r.res = &Result{RunID: r.id, Heuristic: h.Name(), Space: r.space}

	ctx, span := e.tracer.StartRun(ctx, r.id, h.Name(), e.cfg.Budget)
	defer func() {
		r.res.Elapsed = r.budget.Elapsed()
		r.res.Budget = r.budget.Report()
		observeRun(h.Name(), r.res, err)
		e.tracer.EndRun(span, r.res, err)
	}()

	root, err := e.reg.NewPlan(g, prof, ep.NewIDSource())
	if err != nil {
		return nil, fmt.Errorf("initial plan: %w", err)
	}
	rootScore := r.score(root)
	r.space.AddRoot(root, rootScore)
	if root.Finished() {
		r.finish(root, rootScore)
	} else {
		r.queue.push(root, rootScore)
	}

	if err := r.loop(ctx); err != nil {
		return r.res, err
	}
	return r.res, r.conclude(ctx)
}

func (r *run) score(p *ep.EP) Score {
	if r.cfg.Speculate && !p.Finished() {
		p.SetSpeculativeTput(r.spec.Estimate(p))
	}
	return r.h.Score(p)
}

func (r *run) loop(ctx context.Context) error {
	var progress *rate.Sometimes
	if r.cfg.ProgressEvery > 0 {
		progress = &rate.Sometimes{First: 1, Interval: r.cfg.ProgressEvery}
	}

	for {
		if ctx.Err() != nil {
			r.res.StoppedBy = StoppedCanceled
			return nil
		}
		if r.queue.Len() == 0 {
			r.res.StoppedBy = StoppedComplete
			return nil
		}
		if r.budget.Exhausted() {
			r.res.StoppedBy = StoppedBudget
			return nil
		}
		if r.cfg.StopOnDominated && r.best != nil && r.h.Compare(r.bestScore, r.queue.peek().score) <= 0 {
			r.res.StoppedBy = StoppedDominated
			return nil
		}

		c := r.queue.pop()
		iter := int(r.budget.RecordIteration())
		r.res.Iterations = iter
		iterationsTotal.Inc()

		_, backtrack := r.previous[c.plan.ID()]
		backtrack = iter > 1 && !backtrack
		if backtrack {
			r.res.Backtracks++
			backtracksTotal.Inc()
		}
		r.space.Expand(c.plan.ID(), iter, backtrack)

		if err := r.expand(ctx, iter, c.plan); err != nil {
			return err
		}

		if progress != nil {
			progress.Do(func() {
				r.logger.Info("search progress",
					slog.String("run_id", r.id),
					slog.Int("iterations", iter),
					slog.Int("queued", r.queue.Len()),
					slog.Int("finished", r.res.Finished),
					slog.Int("dead_ends", r.res.DeadEnds),
				)
			})
		}
	}
}

// expand processes the next node of p's active leaf.
func (r *run) expand(ctx context.Context, iter int, p *ep.EP) error {
	var generated int
	if r.cfg.TraceSampleEvery > 0 && iter%r.cfg.TraceSampleEvery == 0 {
		var span trace.Span
		ctx, span = r.tracer.TraceIteration(ctx, iter, p)
		defer func() { r.tracer.EndIteration(span, generated) }()
	}
	leaf, _ := p.ActiveLeaf()
	node := p.Graph().MustGet(leaf.Next)

	var impls []ep.Implementation
	for _, f := range r.reg.Factories(leaf.Target) {
		impls = append(impls, f.Process(ctx, p, node, r.syms)...)
	}
	generated = len(impls)

	clear(r.previous)
	if len(impls) == 0 {
		return r.deadEnd(ctx, p, leaf, node)
	}

	r.res.Generated += len(impls)
	generatedTotal.Add(float64(len(impls)))
	for _, impl := range impls {
		s := r.score(impl.EP)
		r.space.Add(p.ID(), impl, s)
		r.previous[impl.EP.ID()] = struct{}{}
		if impl.EP.Finished() {
			r.finish(impl.EP, s)
			continue
		}
		r.queue.push(impl.EP, s)
	}
	return nil
}

func (r *run) finish(p *ep.EP, s Score) {
	r.reg.Verify(p)
	r.res.Finished++
	r.budget.RecordFinished()
	finishedTotal.Inc()
	if r.best == nil || r.better(p, s) {
		r.best, r.bestScore = p, s
	}
}

// better reports whether p beats the current best. Full heuristic ties go
// to the higher throughput estimate, then to the earlier plan.
func (r *run) better(p *ep.EP, s Score) bool {
	if c := r.h.Compare(s, r.bestScore); c != 0 {
		return c < 0
	}
	return p.EstimateTputPPS() > r.best.EstimateTputPPS()
}

// deadEnd discards p. It only fails the run when p was the last hope.
func (r *run) deadEnd(ctx context.Context, p *ep.EP, leaf ep.Leaf, node *bdd.Node) error {
	r.res.DeadEnds++
	deadEndsTotal.Inc()
	r.space.MarkDeadEnd(p.ID())
	r.tracer.TraceDeadEnd(ctx, p, node.Describe())
	if r.queue.Len() > 0 || r.best != nil {
		return nil
	}

	de := &DeadEndError{
		RunID:       r.id,
		Plan:        p.ID(),
		Node:        node.ID,
		Description: node.Describe(),
		Target:      leaf.Target,
		Decisions:   decisions(p, leaf.Node),
	}
	r.res.StoppedBy = StoppedDeadEnd
	de.DumpKey = r.dump(ctx, "dead_end", p)
	r.res.DumpKey = de.DumpKey

	r.logger.Error("search dead end",
		slog.String("run_id", r.id),
		slog.Int64("node", int64(node.ID)),
		slog.String("description", de.Description),
		slog.String("target", string(leaf.Target)),
		slog.Any("decisions", de.Decisions),
		slog.String("dump_key", de.DumpKey),
	)
	return de
}

func (r *run) dump(ctx context.Context, kind string, p *ep.EP) string {
	if r.dumper == nil {
		return ""
	}
	key, err := r.dumper.Dump(context.WithoutCancel(ctx), r.id, kind, p, r.space)
	if err != nil {
		r.logger.Warn("search dump failed",
			slog.String("run_id", r.id),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return key
}

func (r *run) conclude(ctx context.Context) error {
	if r.best == nil {
		if r.res.StoppedBy == StoppedCanceled {
			return fmt.Errorf("%w: %w", ErrNoPlan, context.Cause(ctx))
		}
		return fmt.Errorf("%w: stopped by %s after %d iterations", ErrNoPlan, r.res.StoppedBy, r.res.Iterations)
	}
	r.res.Plan, r.res.Score = r.best, r.bestScore
	r.space.Select(r.best.ID())
	if r.cfg.DumpOnSuccess {
		r.res.DumpKey = r.dump(ctx, "selected", r.best)
	}
	return nil
}

// decisions lists module names from the plan root down to from.
func decisions(p *ep.EP, from ep.EPNodeID) []string {
	var out []string
	for id := from; id != ep.NoEPNode; id = p.Node(id).Parent {
		out = append(out, p.Node(id).Module.Name())
	}
	slices.Reverse(out)
	return out
}

func observeRun(heuristic string, res *Result, err error) {
	outcome := "ok"
	var de *DeadEndError
	switch {
	case err == nil:
	case errors.As(err, &de):
		outcome = "dead_end"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	case errors.Is(err, ErrNoPlan):
		outcome = "no_plan"
	default:
		outcome = "error"
	}
	runsTotal.WithLabelValues(heuristic, outcome).Inc()
	if res != nil {
		runDuration.WithLabelValues(heuristic).Observe(res.Elapsed.Seconds())
	}
}
