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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
)

// PortfolioResult collects the runs of RunPortfolio.
type PortfolioResult struct {
	// Best is the run whose plan has the highest throughput estimate.
	Best *Result

	// Runs holds one entry per heuristic, in request order. Failed runs
	// have a nil entry and a non-nil error in Errors.
	Runs   []*Result
	Errors []error
}

// RunPortfolio runs one search per heuristic concurrently on independent
// plans of g and keeps the plan with the highest estimated throughput. Ties
// go to the earlier heuristic.
//
// Inputs:
//   - ctx: Cancels every run.
//   - reg: Target registry shared by the runs.
//   - g: The behavior graph, shared read-only.
//   - prof: The profile. Each run gets its own clone.
//   - heuristics: Heuristic names. Empty runs DefaultHeuristic only.
//   - cfg: Engine configuration; its Heuristic field is overridden per run.
//   - opts: Engine options applied to every run.
//
// Outputs:
//   - *PortfolioResult: All runs.
//   - error: The first run's error when every run failed.
func RunPortfolio(ctx context.Context, reg Registry, g *bdd.Graph, prof *profiler.Profiler,
	heuristics []string, cfg Config, opts ...Option) (*PortfolioResult, error) {
	if len(heuristics) == 0 {
		heuristics = []string{DefaultHeuristic}
	}
	engines := make([]*Engine, len(heuristics))
	for i, name := range heuristics {
		c := cfg
		c.Heuristic = name
		e, err := New(reg, c, opts...)
		if err != nil {
			return nil, fmt.Errorf("portfolio heuristic %q: %w", name, err)
		}
		engines[i] = e
	}

	out := &PortfolioResult{
		Runs:   make([]*Result, len(engines)),
		Errors: make([]error, len(engines)),
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for i, e := range engines {
		eg.Go(func() error {
			var p *profiler.Profiler
			if prof != nil {
				p = prof.Clone()
			}
			res, err := e.Run(egCtx, g, p)
			if err != nil {
				out.Errors[i] = err
				return nil
			}
			out.Runs[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	for _, res := range out.Runs {
		if res == nil {
			continue
		}
		if out.Best == nil || res.Plan.EstimateTputPPS() > out.Best.Plan.EstimateTputPPS() {
			out.Best = res
		}
	}
	if out.Best == nil {
		return out, out.Errors[0]
	}
	return out, nil
}
