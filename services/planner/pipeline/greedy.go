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

// freeFrom snapshots the free resources of every stage.
func freeFrom(r *Resources) []Budget {
	free := make([]Budget, r.NumStages())
	for s := range free {
		free[s] = r.Free(s)
	}
	return free
}

// greedyPart finds the earliest contiguous stage range starting at or after
// minStage that holds every entry of part, filling each stage as much as it
// allows so that the fewest stages are spanned.
func greedyPart(free []Budget, part Part, minStage int) ([]StageAlloc, bool) {
	for start := max(minStage, 0); start < len(free); start++ {
		remaining := part.Entries
		var allocs []StageAlloc
		for s := start; s < len(free) && remaining > 0; s++ {
			if !part.PerStage.Within(free[s]) {
				break
			}
			n := free[s].Sub(part.PerStage).units(part.PerEntry)
			if n <= 0 {
				break
			}
			take := min(n, remaining)
			allocs = append(allocs, StageAlloc{Stage: s, Entries: take})
			remaining -= take
		}
		if remaining == 0 {
			return allocs, true
		}
	}
	return nil, false
}

// placeGreedy places every part of s against one snapshot. Parts are placed
// in declaration order on a scratch copy of the free resources; nothing is
// returned unless all of them fit.
func placeGreedy(free []Budget, s Structure, minStage int) ([]PartPlacement, bool) {
	scratch := append([]Budget(nil), free...)
	out := make([]PartPlacement, 0, len(s.Parts))
	for _, part := range s.Parts {
		allocs, ok := greedyPart(scratch, part, minStage)
		if !ok {
			return nil, false
		}
		for _, a := range allocs {
			scratch[a.Stage] = scratch[a.Stage].Sub(part.footprint(a.Entries))
		}
		out = append(out, PartPlacement{Part: part.ID, Allocs: allocs})
	}
	return out, true
}
