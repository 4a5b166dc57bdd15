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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/solver"
)

// fourStages is a 4-stage pipeline with 100 SRAM units per stage.
func fourStages() *Resources {
	return NewResources(Uniform(4, Budget{SRAM: 100, Tables: 16}))
}

func sram(id DSID, entries int64) Structure {
	return NewPrimitive(id, entries, Budget{SRAM: 1}, Budget{Tables: 1})
}

func sramPart(id PartID, entries int64) Part {
	return Part{ID: id, Entries: entries, PerEntry: Budget{SRAM: 1}, PerStage: Budget{Tables: 1}}
}

func newPlacer() *Placer {
	return NewPlacer(WithSolver(solver.New(nil)))
}

func TestPlace_PrimitiveSpansStages(t *testing.T) {
	r := fourStages()
	res := newPlacer().Place(context.Background(), r, Request{Structure: sram("flows", 250)})

	require.True(t, res.Placed(), res.Reason)
	assert.Equal(t, MethodGreedy, res.Method)
	assert.Equal(t, []Status{StatusUnplaced, StatusTryGreedy, StatusPlaced}, res.Transitions)
	assert.Equal(t, 0, res.Placement.First())
	assert.Equal(t, 2, res.Placement.Last())
	assert.Equal(t, []StageAlloc{{0, 100}, {1, 100}, {2, 50}}, res.Placement.Parts[0].Allocs)
	assert.Equal(t, Budget{SRAM: 50, Tables: 15}, r.Free(2))
	assert.True(t, r.AlreadyRequested("flows"))
	require.NoError(t, r.Verify())
}

func TestPlace_CompositeSpansStages(t *testing.T) {
	r := fourStages()
	s := NewComposite("cache", sramPart("a", 90), sramPart("b", 90), sramPart("c", 70))

	res := newPlacer().Place(context.Background(), r, Request{Structure: s})

	require.True(t, res.Placed(), res.Reason)
	assert.Equal(t, 0, res.Placement.First())
	assert.Equal(t, 2, res.Placement.Last())
	assert.Equal(t, int64(250), r.Used(0).SRAM+r.Used(1).SRAM+r.Used(2).SRAM)
	assert.Zero(t, r.Used(3).SRAM)
	require.NoError(t, r.Verify())
}

func TestPlace_RejectsOversizedWithoutMutation(t *testing.T) {
	r := fourStages()
	before := r.Clone()

	res := newPlacer().Place(context.Background(), r, Request{Structure: sram("huge", 500)})

	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []Status{StatusUnplaced, StatusTryGreedy, StatusTryExhaustive, StatusRejected}, res.Transitions)
	assert.Nil(t, res.Placement)
	assert.NotEmpty(t, res.Reason)
	assert.True(t, r.Equal(before))
	assert.False(t, r.AlreadyRequested("huge"))
	for s := 0; s < r.NumStages(); s++ {
		assert.Equal(t, Budget{SRAM: 100, Tables: 16}, r.Free(s))
	}
}

func TestPlace_CompositeIsAllOrNothing(t *testing.T) {
	r := fourStages()
	before := r.Clone()
	s := NewComposite("too-big", sramPart("a", 200), sramPart("b", 150), sramPart("c", 100))

	res := NewPlacer().Place(context.Background(), r, Request{Structure: s})

	assert.Equal(t, StatusRejected, res.Status)
	assert.NotContains(t, res.Transitions, StatusTryExhaustive, "no solver configured")
	assert.True(t, r.Equal(before))
}

func TestPlace_SecondRequestIsNoOp(t *testing.T) {
	r := fourStages()
	p := newPlacer()
	first := p.Place(context.Background(), r, Request{Structure: sram("a", 120)})
	require.True(t, first.Placed())
	snapshot := r.Clone()

	again := p.Place(context.Background(), r, Request{Structure: sram("a", 120)})

	require.True(t, again.Placed())
	assert.Equal(t, MethodExisting, again.Method)
	assert.Same(t, first.Placement, again.Placement)
	assert.True(t, r.Equal(snapshot))
}

func TestPlace_Dependencies(t *testing.T) {
	r := fourStages()
	p := newPlacer()
	require.True(t, p.Place(context.Background(), r, Request{Structure: sram("a", 250)}).Placed())

	res := p.Place(context.Background(), r, Request{Structure: sram("b", 50), Deps: []DSID{"a"}})
	require.True(t, res.Placed(), res.Reason)
	assert.Equal(t, 2, res.Placement.First(), "same stage as the end of the dependency")
	require.NoError(t, r.Verify())

	missing := p.Place(context.Background(), r, Request{Structure: sram("c", 10), Deps: []DSID{"nope"}})
	assert.Equal(t, StatusRejected, missing.Status)

	self := p.Place(context.Background(), r, Request{Structure: sram("d", 10), Deps: []DSID{"d"}})
	assert.Equal(t, StatusRejected, self.Status)
}

func TestPlace_ChangedDependencies(t *testing.T) {
	r := fourStages()
	p := newPlacer()
	ctx := context.Background()

	require.True(t, p.Place(ctx, r, Request{Structure: sram("w", 10)}).Placed())
	require.True(t, p.Place(ctx, r, Request{Structure: sram("a", 150)}).Placed())
	a, _ := r.Placement("a")
	require.Equal(t, 1, a.Last())

	t.Run("re-placed when nothing depends on it", func(t *testing.T) {
		res := p.Place(ctx, r, Request{Structure: sram("w", 10), Deps: []DSID{"a"}})
		require.True(t, res.Placed(), res.Reason)
		assert.Equal(t, MethodGreedy, res.Method)
		assert.Equal(t, 1, res.Placement.First())
		assert.Equal(t, []DSID{"a"}, res.Placement.Deps)
		require.NoError(t, r.Verify())
	})

	require.True(t, p.Place(ctx, r, Request{Structure: sram("v", 100), Deps: []DSID{"w"}}).Placed())
	v, _ := r.Placement("v")
	require.Equal(t, 2, v.Last())

	t.Run("accepted when the existing placement already complies", func(t *testing.T) {
		res := p.Place(ctx, r, Request{Structure: sram("v", 100), Deps: []DSID{"a", "w"}})
		require.True(t, res.Placed())
		assert.Equal(t, MethodExisting, res.Method)
		assert.Equal(t, []DSID{"a", "w"}, res.Placement.Deps)
	})

	t.Run("rejected when others depend on it", func(t *testing.T) {
		before := r.Clone()
		res := p.Place(ctx, r, Request{Structure: sram("w", 10), Deps: []DSID{"v"}})
		assert.Equal(t, StatusRejected, res.Status)
		assert.True(t, r.Equal(before))
	})
}

func TestPlace_ExhaustiveRescuesFragmentedComposite(t *testing.T) {
	stages := []Budget{
		{SRAM: 100, TCAM: 100, Tables: 4},
		{SRAM: 100, Tables: 4},
	}
	s := NewComposite("ternary",
		Part{ID: "exact", Entries: 100, PerEntry: Budget{SRAM: 1}},
		Part{ID: "ternary", Entries: 100, PerEntry: Budget{SRAM: 1, TCAM: 1}},
	)

	greedyOnly := NewResources(stages)
	res := NewPlacer().Place(context.Background(), greedyOnly, Request{Structure: s})
	assert.Equal(t, StatusRejected, res.Status)

	r := NewResources(stages)
	res = newPlacer().Place(context.Background(), r, Request{Structure: s})
	require.True(t, res.Placed(), res.Reason)
	assert.Equal(t, MethodExhaustive, res.Method)
	assert.Equal(t, []StageAlloc{{Stage: 1, Entries: 100}}, res.Placement.Parts[0].Allocs)
	assert.Equal(t, []StageAlloc{{Stage: 0, Entries: 100}}, res.Placement.Parts[1].Allocs)
	require.NoError(t, r.Verify())
}

func TestGreedySolverAgreement(t *testing.T) {
	s := solver.New(nil)
	for _, entries := range []int64{1, 50, 100, 250, 399, 400, 401} {
		r := fourStages()
		free := freeFrom(r)
		st := sram("x", entries)

		_, greedyOK := placeGreedy(free, st, 0)
		m, enc := encode(free, st, 0)
		require.NotNil(t, m)
		sr := s.Solve(context.Background(), m)

		if greedyOK {
			require.Equal(t, solver.StatusSat, sr.Status, "entries=%d", entries)
			var total int64
			for _, a := range enc.decode(st, sr)[0].Allocs {
				total += a.Entries
			}
			assert.GreaterOrEqual(t, total, entries)
		} else {
			assert.Equal(t, solver.StatusUnsat, sr.Status, "entries=%d", entries)
		}
	}
}

func TestMustPlace_PanicsOnRejection(t *testing.T) {
	r := fourStages()
	defer func() {
		rec := recover()
		err, ok := rec.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrCommittedPlacementRejected))
		var ce *CommitError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, DSID("huge"), ce.ID)
	}()
	newPlacer().MustPlace(context.Background(), r, Request{Structure: sram("huge", 500)})
}

func TestSolverCache_ReusesOutcome(t *testing.T) {
	cache := NewSolverCache(16)
	p := NewPlacer(WithSolver(solver.New(nil)), WithCache(cache))
	stages := []Budget{
		{SRAM: 100, TCAM: 100, Tables: 4},
		{SRAM: 100, Tables: 4},
	}
	s := NewComposite("ternary",
		Part{ID: "exact", Entries: 100, PerEntry: Budget{SRAM: 1}},
		Part{ID: "ternary", Entries: 100, PerEntry: Budget{SRAM: 1, TCAM: 1}},
	)

	first := p.Place(context.Background(), NewResources(stages), Request{Structure: s})
	second := p.Place(context.Background(), NewResources(stages), Request{Structure: s})

	require.True(t, first.Placed())
	require.True(t, second.Placed())
	assert.Equal(t, first.Placement.Parts, second.Placement.Parts)
	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, cache.Len())
}

func TestStructure_Validate(t *testing.T) {
	assert.ErrorIs(t, Structure{}.Validate(), ErrInvalidStructure)
	assert.ErrorIs(t, Structure{ID: "x"}.Validate(), ErrInvalidStructure)
	assert.ErrorIs(t, sram("x", 0).Validate(), ErrInvalidStructure)
	assert.ErrorIs(t, NewComposite("x", sramPart("a", 1), sramPart("a", 1)).Validate(), ErrInvalidStructure)
	assert.NoError(t, sram("x", 1).Validate())
}

func TestBudget(t *testing.T) {
	b := Budget{SRAM: 100, XbarBits: 64}
	assert.Equal(t, int64(10), b.units(Budget{SRAM: 10}))
	assert.Equal(t, int64(2), b.units(Budget{SRAM: 10, XbarBits: 32}))
	assert.True(t, Budget{SRAM: 1}.Within(b))
	assert.False(t, Budget{TCAM: 1}.Within(b))
	assert.Equal(t, "{sram=100 xbar_bits=64}", b.String())
}
