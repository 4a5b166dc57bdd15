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
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// Direction says whether a metric is better when larger or smaller.
type Direction int

const (
	Maximize Direction = iota
	Minimize
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Minimize {
		return "minimize"
	}
	return "maximize"
}

// Metric is one component of a heuristic score.
type Metric struct {
	Name      string
	Direction Direction
	Eval      func(e *ep.EP) float64
}

// Score is the evaluated metric tuple of a plan, in declaration order.
type Score []float64

// Heuristic ranks candidate plans by an ordered tuple of metrics. Earlier
// metrics dominate later ones.
//
// Thread Safety: Not safe for concurrent use when a metric carries state
// (the random heuristic does). Build one per engine run.
type Heuristic struct {
	name    string
	metrics []Metric
}

// NewHeuristic builds a heuristic from its metrics.
func NewHeuristic(name string, metrics ...Metric) *Heuristic {
	return &Heuristic{name: name, metrics: metrics}
}

// Name returns the heuristic name.
func (h *Heuristic) Name() string { return h.name }

// Metrics returns the metric declarations.
func (h *Heuristic) Metrics() []Metric { return h.metrics }

// Score evaluates every metric on e.
func (h *Heuristic) Score(e *ep.EP) Score {
	out := make(Score, len(h.metrics))
	for i, m := range h.metrics {
		out[i] = m.Eval(e)
	}
	return out
}

// Compare returns a negative number when a ranks better than b, positive
// when worse and zero on a full tie.
func (h *Heuristic) Compare(a, b Score) int {
	for i, m := range h.metrics {
		c := cmp.Compare(a[i], b[i])
		if m.Direction == Maximize {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Throughput is the look-ahead throughput estimate when one was computed,
// the oracle's estimate otherwise.
func Throughput() Metric {
	return Metric{Name: "tput_pps", Direction: Maximize, Eval: func(e *ep.EP) float64 {
		if !e.Finished() {
			if v, ok := e.SpeculativeTput(); ok {
				return v
			}
		}
		return e.EstimateTputPPS()
	}}
}

// Progress counts consumed behavior-graph nodes.
func Progress(d Direction) Metric {
	return Metric{Name: "processed", Direction: d, Eval: func(e *ep.EP) float64 {
		return float64(e.ProcessedCount())
	}}
}

// SwitchModules counts modules placed on the switch.
func SwitchModules() Metric {
	return Metric{Name: "switch_modules", Direction: Maximize, Eval: func(e *ep.EP) float64 {
		return float64(e.TargetCounts()[ep.TargetTofino])
	}}
}

// ControllerShare is the fraction of traffic sent to the controller.
func ControllerShare() Metric {
	return Metric{Name: "controller_fraction", Direction: Minimize, Eval: func(e *ep.EP) float64 {
		if e.Context() == nil || e.Context().Oracle() == nil {
			return 0
		}
		return e.Context().Oracle().ControllerFraction()
	}}
}

// Random draws a seeded random key for every evaluated plan.
func Random(seed uint64) Metric {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return Metric{Name: "random", Direction: Maximize, Eval: func(*ep.EP) float64 {
		return rng.Float64()
	}}
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// HeuristicFactory builds a fresh heuristic. seed only matters to
// heuristics with random components.
type HeuristicFactory func(seed uint64) *Heuristic

// DefaultHeuristic is used when none is configured.
const DefaultHeuristic = "max-tput"

var (
	heuristicsMu sync.RWMutex
	heuristics   = map[string]HeuristicFactory{
		"max-tput": func(uint64) *Heuristic {
			return NewHeuristic("max-tput", Throughput(), Progress(Maximize))
		},
		"bfs": func(uint64) *Heuristic {
			return NewHeuristic("bfs", Progress(Minimize))
		},
		"dfs": func(uint64) *Heuristic {
			return NewHeuristic("dfs", Progress(Maximize))
		},
		"random": func(seed uint64) *Heuristic {
			return NewHeuristic("random", Random(seed))
		},
		"max-switch": func(uint64) *Heuristic {
			return NewHeuristic("max-switch", SwitchModules(), Throughput())
		},
		"least-controller": func(uint64) *Heuristic {
			return NewHeuristic("least-controller", ControllerShare(), Throughput(), Progress(Maximize))
		},
	}
)

// RegisterHeuristic adds or replaces a named heuristic.
func RegisterHeuristic(name string, f HeuristicFactory) {
	heuristicsMu.Lock()
	defer heuristicsMu.Unlock()
	heuristics[name] = f
}

// LookupHeuristic builds the named heuristic. An empty name selects
// DefaultHeuristic.
func LookupHeuristic(name string, seed uint64) (*Heuristic, error) {
	if name == "" {
		name = DefaultHeuristic
	}
	heuristicsMu.RLock()
	f, ok := heuristics[name]
	heuristicsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownHeuristic, name, HeuristicNames())
	}
	return f(seed), nil
}

// HeuristicNames lists the registered heuristics.
func HeuristicNames() []string {
	heuristicsMu.RLock()
	defer heuristicsMu.RUnlock()
	out := make([]string, 0, len(heuristics))
	for n := range heuristics {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
