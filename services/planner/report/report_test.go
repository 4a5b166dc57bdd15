// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/oracle"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
	"github.com/AleutianAI/nfcompile/services/planner/search"
	"github.com/AleutianAI/nfcompile/services/planner/targets"
	"github.com/AleutianAI/nfcompile/services/planner/targets/cpu"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// switchResult plans get(map 1) -> if found -> fwd(1) / drop on the switch.
func switchResult(t *testing.T) *search.Result {
	t.Helper()
	b := bdd.NewBuilder().Primitive(bdd.Primitive{Addr: 1, Kind: bdd.PrimitiveMap, Capacity: 1024})
	get := b.Call(&bdd.Call{
		Function: bdd.FnMapGet,
		Object:   1,
		Args:     map[string]bdd.Expr{"key": {Repr: "k", Width: 32}},
		Results:  []bdd.Symbol{{Name: "found", Width: 1}},
	})
	br := b.Branch(bdd.Expr{Repr: "found", Width: 1})
	fwd := b.Forward(1)
	drop := b.Drop()
	b.Chain(get, br)
	b.Sides(br, fwd, drop)
	g, err := b.Build(get)
	require.NoError(t, err)
	prof, err := profiler.New(g, nil)
	require.NoError(t, err)

	reg, err := targets.New(targets.Config{
		Targets: []ep.TargetType{ep.TargetTofino, ep.TargetController},
		Stages:  pipeline.Uniform(4, pipeline.Budget{SRAM: 1 << 20, MapRAM: 1 << 20, XbarBits: 1024, Tables: 16}),
		Capacities: oracle.Capacities{
			FrontPanel:     map[int]float64{1: 100e9},
			AvgPacketBytes: 64,
		},
		Tofino: tofino.DefaultConfig(),
	})
	require.NoError(t, err)

	cfg := search.DefaultConfig()
	cfg.Heuristic = "max-switch"
	cfg.ProgressEvery = 0
	e, err := search.New(reg, cfg)
	require.NoError(t, err)
	res, err := e.Run(context.Background(), g, prof)
	require.NoError(t, err)
	return res
}

func TestFromResult(t *testing.T) {
	res := switchResult(t)
	doc, err := FromResult(res)
	require.NoError(t, err)

	assert.Equal(t, res.RunID, doc.RunID)
	assert.Equal(t, "max-switch", doc.Heuristic)
	assert.Equal(t, 4, doc.Modules[ep.TargetTofino])
	assert.InDelta(t, 100e9/512, doc.Throughput.PPS, 1)
	assert.InDelta(t, 100e9, doc.Throughput.BPS, 1e3)
	require.NotNil(t, doc.Search)
	assert.Equal(t, res.Iterations, doc.Search.Iterations)

	require.Len(t, doc.Placements, 1)
	assert.Equal(t, tofino.TableID(1), doc.Placements[0].Structure)
	assert.Equal(t, []ep.AddrImpl{{Addr: 1, Impl: ep.ImplTofinoTable}}, doc.Impls)

	root := doc.Plan
	require.NotNil(t, root)
	assert.Equal(t, "tofino:table", root.Type)
	assert.Equal(t, "match table_1 on k -> found", root.Detail)
	require.Len(t, root.Children, 1)
	branch := root.Children[0]
	assert.Equal(t, "found", branch.Condition)
	require.Len(t, branch.Children, 2)
	assert.Equal(t, "forward to port 1", branch.Children[0].Detail)
	assert.Equal(t, "drop", branch.Children[1].Detail)
}

func TestFromResult_NoPlan(t *testing.T) {
	_, err := FromResult(&search.Result{})
	assert.True(t, errors.Is(err, ErrNoPlan))
	_, err = FromResult(nil)
	assert.True(t, errors.Is(err, ErrNoPlan))
}

func TestWrite_Formats(t *testing.T) {
	doc, err := FromResult(switchResult(t))
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, doc, FormatJSON, false))
		var back Document
		require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, doc.RunID, back.RunID)
		assert.Equal(t, doc.Modules, back.Modules)
		assert.Equal(t, doc.Plan.Detail, back.Plan.Detail)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, doc, FormatYAML, false))
		var back map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, doc.RunID, back["run_id"])
		assert.Contains(t, back, "plan")
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, doc, FormatText, false))
		out := buf.String()
		assert.Contains(t, out, "Execution plan "+doc.RunID)
		assert.Contains(t, out, "195.31 Mpps")
		assert.Contains(t, out, "tofino=4")
		assert.Contains(t, out, "table_1")
		assert.Contains(t, out, "└── [tofino] match table_1 on k -> found #0")
		assert.Contains(t, out, "├── [tofino] forward to port 1 #2")
		assert.Contains(t, out, "stopped: complete")
	})

	t.Run("unknown", func(t *testing.T) {
		err := Write(&bytes.Buffer{}, doc, "xml", false)
		assert.True(t, errors.Is(err, ErrUnknownFormat))
	})
}

func TestRenderText_EmptyPlan(t *testing.T) {
	out := RenderText(&Document{}, false)
	assert.Contains(t, out, "(empty)")
	assert.False(t, strings.Contains(out, "Pipeline"))
}

func TestDescribe(t *testing.T) {
	key := bdd.Expr{Repr: "k"}
	found := []bdd.Symbol{{Name: "v"}}
	tests := []struct {
		m    ep.Module
		want string
	}{
		{&tofino.If{Cond: bdd.Expr{Repr: "x == 1"}}, "if x == 1"},
		{&tofino.Forward{Port: 3}, "forward to port 3"},
		{&tofino.Drop{}, "drop"},
		{&tofino.Broadcast{}, "broadcast"},
		{&tofino.ParseHeader{Header: bdd.Symbol{Name: "eth"}, Length: bdd.Expr{Repr: "14"}}, "parse eth (14 bytes)"},
		{&tofino.Ignore{Function: bdd.FnChecksum}, "ignore " + bdd.FnChecksum},
		{&tofino.Table{Table: "table_1", Key: key, Result: found}, "match table_1 on k -> v"},
		{&tofino.VectorRegister{Register: "register_2", Index: bdd.Expr{Repr: "i"}, Result: found}, "read register_2[i] -> v"},
		{&tofino.VectorRegister{Register: "register_2", Index: bdd.Expr{Repr: "i"}, Write: true, Value: bdd.Expr{Repr: "7"}}, "write register_2[i] = 7"},
		{&tofino.CachedTableRead{Table: "cached_table_1", Key: key, Capacity: 1024, HitRate: 0.8}, "cache lookup cached_table_1 on k (capacity 1024, hit rate 0.80)"},
		{&tofino.CachedTableWrite{Table: "cached_table_1", Function: bdd.FnMapPut, Key: key}, "cache map_put cached_table_1 on k"},
		{&tofino.SendToController{}, "send to controller"},
		{&tofino.Recirculate{Port: 68, Depth: 1}, "recirculate via port 68 (pass 1)"},
		{&cpu.If{Cond: bdd.Expr{Repr: "y"}}, "if y"},
		{&cpu.Forward{Port: 1}, "forward to port 1"},
		{&cpu.Drop{}, "drop"},
		{&cpu.Broadcast{}, "broadcast"},
		{&cpu.Ignore{Function: bdd.FnExpireItems}, "ignore " + bdd.FnExpireItems},
		{&cpu.MapGet{Access: cpu.Access{Addr: 1, Args: map[string]bdd.Expr{"key": key}, Result: found}}, "map_get(obj=1, key=k) -> v"},
		{&cpu.MapPut{Access: cpu.Access{Addr: 1, Args: map[string]bdd.Expr{"value": {Repr: "i"}, "key": key}}}, "map_put(obj=1, key=k, value=i)"},
		{&cpu.DchainAllocate{Access: cpu.Access{Addr: 3}}, bdd.FnDchainAllocate + "(obj=3)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.m))
		})
	}
}

func TestHumanRate(t *testing.T) {
	assert.Equal(t, "12 pps", humanRate(12, "pps"))
	assert.Equal(t, "1.50 Kpps", humanRate(1500, "pps"))
	assert.Equal(t, "195.31 Mpps", humanRate(195312500, "pps"))
	assert.Equal(t, "100.00 Gbps", humanRate(100e9, "bps"))
	assert.Equal(t, "2.00 Tbps", humanRate(2e12, "bps"))
}
