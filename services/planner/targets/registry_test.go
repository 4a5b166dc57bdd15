// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package targets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

func topology(targets ...ep.TargetType) Config {
	return Config{
		Targets: targets,
		Stages:  pipeline.Uniform(4, pipeline.Budget{SRAM: 1 << 20, MapRAM: 1 << 20, XbarBits: 1024, Tables: 16}),
		Capacities: oracle.Capacities{
			FrontPanel:     map[int]float64{1: 100e9},
			AvgPacketBytes: 64,
		},
		Tofino: tofino.DefaultConfig(),
	}
}

func forwardGraph(t *testing.T) *bdd.Graph {
	t.Helper()
	b := bdd.NewBuilder()
	fwd := b.Forward(1)
	g, err := b.Build(fwd)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no targets", topology(), ErrInvalidTopology},
		{"unknown target", topology("fpga"), ErrInvalidTopology},
		{"controller without switch", topology(ep.TargetController, ep.TargetX86), ErrInvalidTopology},
		{"switch without stages", func() Config {
			c := topology(ep.TargetTofino)
			c.Stages = nil
			return c
		}(), ErrInvalidTopology},
		{"bad capacities", func() Config {
			c := topology(ep.TargetX86)
			c.Capacities.AvgPacketBytes = 0
			return c
		}(), oracle.ErrInvalidCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
		})
	}
}

func TestNew_OrdersTargetsSwitchFirst(t *testing.T) {
	r, err := New(topology(ep.TargetX86, ep.TargetController, ep.TargetTofino))
	require.NoError(t, err)

	assert.Equal(t, []ep.TargetType{ep.TargetTofino, ep.TargetController, ep.TargetX86}, r.Targets())
	assert.Equal(t, ep.TargetTofino, r.InitialTarget())
	assert.NotNil(t, r.Placer())

	var kinds []ep.ModuleKind
	for _, f := range r.Factories(ep.TargetTofino) {
		kinds = append(kinds, f.Type().Kind)
	}
	assert.Contains(t, kinds, tofino.KindSendToController)

	all := r.All()
	assert.Len(t, all, len(r.Factories(ep.TargetTofino))+len(r.Factories(ep.TargetController))+len(r.Factories(ep.TargetX86)))
	assert.Equal(t, ep.TargetTofino, all[0].Target())
	assert.Equal(t, ep.TargetX86, all[len(all)-1].Target())
}

func TestNew_SwitchAloneHasNoHandOff(t *testing.T) {
	r, err := New(topology(ep.TargetTofino))
	require.NoError(t, err)
	for _, f := range r.Factories(ep.TargetTofino) {
		assert.NotEqual(t, tofino.KindSendToController, f.Type().Kind)
	}
	assert.Empty(t, r.Factories(ep.TargetController))
}

func TestNewPlan(t *testing.T) {
	g := forwardGraph(t)

	t.Run("host only", func(t *testing.T) {
		r, err := New(topology(ep.TargetX86))
		require.NoError(t, err)
		e, err := r.NewPlan(g, nil, nil)
		require.NoError(t, err)
		leaf, ok := e.ActiveLeaf()
		require.True(t, ok)
		assert.Equal(t, ep.TargetX86, leaf.Target)
		assert.False(t, e.Context().HasTarget(ep.TargetTofino))
		assert.NotPanics(t, func() { r.Verify(e) })
	})

	t.Run("with switch", func(t *testing.T) {
		r, err := New(topology(ep.TargetTofino, ep.TargetController))
		require.NoError(t, err)
		e, err := r.NewPlan(g, nil, ep.NewIDSource())
		require.NoError(t, err)
		require.True(t, e.Context().HasTarget(ep.TargetTofino))
		tc := ep.TargetAs[*tofino.Context](e.Context(), ep.TargetTofino)
		assert.Equal(t, 4, tc.Resources().NumStages())
		assert.NotPanics(t, func() { r.Verify(e) })
	})
}
