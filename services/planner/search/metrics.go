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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// iterationsTotal counts expanded plans.
	iterationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "iterations_total",
			Help:      "Total plans popped and expanded",
		},
	)

	// generatedTotal counts successor plans produced by factories.
	generatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "generated_total",
			Help:      "Total successor plans generated",
		},
	)

	// deadEndsTotal counts plans no factory could advance.
	deadEndsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "dead_ends_total",
			Help:      "Total plans discarded because no factory consumed their next node",
		},
	)

	// backtracksTotal counts expansions that did not continue from the
	// previous iteration.
	backtracksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "backtracks_total",
			Help:      "Total expansions that abandoned the previous iteration's successors",
		},
	)

	// finishedTotal counts finished plans.
	finishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "finished_total",
			Help:      "Total finished plans",
		},
	)

	// runsTotal counts search runs.
	//
	// Labels:
	//   - heuristic: registered heuristic name
	//   - outcome: "ok", "dead_end", "no_plan", "canceled" or "error"
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "runs_total",
			Help:      "Total search runs by heuristic and outcome",
		},
		[]string{"heuristic", "outcome"},
	)

	// runDuration tracks wall-clock time per search run.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nfcompile",
			Subsystem: "search",
			Name:      "run_duration_seconds",
			Help:      "Search run duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"heuristic"},
	)
)
