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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

const tracerName = "nfcompile.search"

// Tracer emits spans for search runs and sampled iterations.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. A disabled tracer hands out no-op spans and
// still logs run boundaries.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts the span covering a whole search run.
//
// Inputs:
//   - ctx: Parent context.
//   - runID: Run identifier.
//   - heuristic: Heuristic name.
//   - budget: Budget configuration.
//
// Outputs:
//   - context.Context: Context with span.
//   - trace.Span: The created span, a no-op when tracing is disabled.
func (t *Tracer) StartRun(ctx context.Context, runID, heuristic string, budget BudgetConfig) (context.Context, trace.Span) {
	t.logger.InfoContext(ctx, "search run started",
		slog.String("run_id", runID),
		slog.String("heuristic", heuristic),
		slog.Int("budget_iterations", budget.MaxIterations),
		slog.Duration("budget_time", budget.TimeLimit),
	)
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "search.run",
		trace.WithAttributes(
			attribute.String("search.run_id", runID),
			attribute.String("search.heuristic", heuristic),
			attribute.Int("search.budget.max_iterations", budget.MaxIterations),
			attribute.Int("search.budget.max_finished", budget.MaxFinished),
			attribute.String("search.budget.time_limit", budget.TimeLimit.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRun completes the run span.
//
// Inputs:
//   - span: The span to end.
//   - res: The run result (can be nil).
//   - err: Error if the run failed.
func (t *Tracer) EndRun(span trace.Span, res *Result, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	attrs := []slog.Attr{}
	if res != nil {
		span.SetAttributes(
			attribute.Int("search.result.iterations", res.Iterations),
			attribute.Int("search.result.generated", res.Generated),
			attribute.Int("search.result.finished", res.Finished),
			attribute.Int("search.result.dead_ends", res.DeadEnds),
			attribute.Int("search.result.backtracks", res.Backtracks),
			attribute.String("search.result.stopped_by", res.StoppedBy),
		)
		attrs = append(attrs,
			slog.String("run_id", res.RunID),
			slog.Int("iterations", res.Iterations),
			slog.Int("finished", res.Finished),
			slog.Int("dead_ends", res.DeadEnds),
			slog.String("stopped_by", res.StoppedBy),
			slog.Duration("elapsed", res.Elapsed),
		)
		if res.Plan != nil {
			tput := res.Plan.EstimateTputPPS()
			span.SetAttributes(attribute.Float64("search.result.tput_pps", tput))
			attrs = append(attrs, slog.Float64("tput_pps", tput))
		}
	}
	span.End()

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "search run failed", attrs...)
		return
	}
	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "search run completed", attrs...)
}

// TraceIteration starts a span for one expansion.
func (t *Tracer) TraceIteration(ctx context.Context, iteration int, plan *ep.EP) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "search.iteration",
		trace.WithAttributes(
			attribute.Int("search.iteration", iteration),
			attribute.Int64("search.plan_id", int64(plan.ID())),
			attribute.Int("search.plan_modules", plan.Len()),
		),
	)
}

// EndIteration completes an iteration span.
func (t *Tracer) EndIteration(span trace.Span, generated int) {
	span.SetAttributes(attribute.Int("search.generated", generated))
	span.End()
}

// TraceDeadEnd records a discarded plan on the current span.
func (t *Tracer) TraceDeadEnd(ctx context.Context, plan *ep.EP, node string) {
	t.logger.DebugContext(ctx, "search dead end",
		slog.Int64("plan_id", int64(plan.ID())),
		slog.String("node", node),
	)
	if !t.enabled {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("search.dead_end",
		trace.WithAttributes(
			attribute.Int64("search.plan_id", int64(plan.ID())),
			attribute.String("search.node", node),
		),
	)
}
