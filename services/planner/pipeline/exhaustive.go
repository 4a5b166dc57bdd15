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
	"fmt"

	"github.com/AleutianAI/nfcompile/services/planner/solver"
)

// encoding remembers which solver variables model which placement decision.
type encoding struct {
	minStage int
	// placed[j][i] and entries[j][i] model part j in stage minStage+i.
	placed  [][]solver.Var
	entries [][]solver.Var
	first   []solver.Var
	last    []solver.Var
}

// encode builds the placement model of s over the free resources.
//
// Description:
//
//	For every (stage, part) pair there is a placement indicator p and an
//	entries variable e, subject to:
//	  (i)   sum_s e[s][j] >= entries(j)
//	  (ii)  e[s][j] <= entries(j) * p[s][j]
//	  (iii) per stage and resource, the parts' consumption fits what is free
//	  (iv)  p[a][j] + p[c][j] - p[b][j] <= 1 for a < b < c (contiguity),
//	        with first/last linked to the occupied stages
//	  (v)   first(j) >= minStage, which encodes last(dep) <= first(j) for
//	        every dependency since dependencies are already fixed.
//
// Outputs:
//
//	*solver.Model - The model, or nil when no stage is available.
//	*encoding - Variable layout for decoding.
func encode(free []Budget, s Structure, minStage int) (*solver.Model, *encoding) {
	minStage = max(minStage, 0)
	k := len(free) - minStage
	if k <= 0 {
		return nil, nil
	}
	n := int64(len(free))
	m := solver.NewModel()
	enc := &encoding{minStage: minStage}

	for _, part := range s.Parts {
		ps := make([]solver.Var, k)
		es := make([]solver.Var, k)
		covered := make([]solver.Term, 0, k)
		for i := 0; i < k; i++ {
			stage := minStage + i
			fit := int64(0)
			if part.PerStage.Within(free[stage]) {
				fit = min(part.Entries, free[stage].Sub(part.PerStage).units(part.PerEntry))
			}
			ps[i] = m.NewBool(fmt.Sprintf("p[%d][%s]", stage, part.ID))
			es[i] = m.NewInt(fmt.Sprintf("e[%d][%s]", stage, part.ID), 0, fit)
			if !part.PerStage.Within(free[stage]) {
				m.AddLE(fmt.Sprintf("no room %s@%d", part.ID, stage), 0, solver.T(1, ps[i]))
			}
			m.AddImplies(fmt.Sprintf("assign implies place %s@%d", part.ID, stage), ps[i], es[i], part.Entries)
			covered = append(covered, solver.T(1, es[i]))
		}
		m.Add(fmt.Sprintf("capacity %s", part.ID), covered, solver.GE, part.Entries)

		first := m.NewInt(fmt.Sprintf("first[%s]", part.ID), int64(minStage), n-1)
		last := m.NewInt(fmt.Sprintf("last[%s]", part.ID), int64(minStage), n-1)
		m.AddLE(fmt.Sprintf("first<=last %s", part.ID), 0, solver.T(1, first), solver.T(-1, last))
		for i := 0; i < k; i++ {
			stage := int64(minStage + i)
			// p -> first <= stage, p -> last >= stage.
			m.AddLE(fmt.Sprintf("first %s@%d", part.ID, stage), stage+n, solver.T(1, first), solver.T(n, ps[i]))
			m.AddGE(fmt.Sprintf("last %s@%d", part.ID, stage), 0, solver.T(1, last), solver.T(-stage, ps[i]))
		}
		for a := 0; a < k; a++ {
			for c := a + 2; c < k; c++ {
				for b := a + 1; b < c; b++ {
					m.AddLE(fmt.Sprintf("contiguous %s %d<%d<%d", part.ID, a, b, c), 1,
						solver.T(1, ps[a]), solver.T(1, ps[c]), solver.T(-1, ps[b]))
				}
			}
		}

		enc.placed = append(enc.placed, ps)
		enc.entries = append(enc.entries, es)
		enc.first = append(enc.first, first)
		enc.last = append(enc.last, last)
	}

	for i := 0; i < k; i++ {
		stage := minStage + i
		have := free[stage].components()
		for r := range have {
			var terms []solver.Term
			for j, part := range s.Parts {
				perEntry, perStage := part.PerEntry.components(), part.PerStage.components()
				if perEntry[r] != 0 {
					terms = append(terms, solver.T(perEntry[r], enc.entries[j][i]))
				}
				if perStage[r] != 0 {
					terms = append(terms, solver.T(perStage[r], enc.placed[j][i]))
				}
			}
			if len(terms) > 0 {
				m.Add(fmt.Sprintf("stage %d %s", stage, componentNames[r]), terms, solver.LE, have[r])
			}
		}
	}
	return m, enc
}

// decode turns a satisfying assignment into part placements. Every stage
// whose indicator is set is recorded, even with zero entries, because it
// pays the per-stage cost in the model.
func (enc *encoding) decode(s Structure, res solver.Result) []PartPlacement {
	out := make([]PartPlacement, 0, len(s.Parts))
	for j, part := range s.Parts {
		var allocs []StageAlloc
		for i, pv := range enc.placed[j] {
			if res.Bool(pv) {
				allocs = append(allocs, StageAlloc{Stage: enc.minStage + i, Entries: res.Value(enc.entries[j][i])})
			}
		}
		out = append(out, PartPlacement{Part: part.ID, Allocs: allocs})
	}
	return out
}
