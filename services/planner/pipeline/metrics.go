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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// placementsTotal counts placement requests by outcome.
	//
	// Labels:
	//   - method: "greedy", "exhaustive", "existing" or "none"
	//   - status: "placed" or "rejected"
	placementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "pipeline",
			Name:      "placements_total",
			Help:      "Total placement requests by method and status",
		},
		[]string{"method", "status"},
	)

	// solverDecisions tracks how hard exhaustive placements are.
	solverDecisions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nfcompile",
			Subsystem: "pipeline",
			Name:      "solver_decisions",
			Help:      "Branching decisions per exhaustive placement solve",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// solverCacheTotal counts solver cache lookups.
	//
	// Labels:
	//   - result: "hit", "miss" or "shared"
	solverCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nfcompile",
			Subsystem: "pipeline",
			Name:      "solver_cache_total",
			Help:      "Solver cache lookups by result",
		},
		[]string{"result"},
	)
)
