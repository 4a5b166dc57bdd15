// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tofino

import (
	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/pipeline"
)

// Module kinds of the switch target.
const (
	KindIf               ep.ModuleKind = "if"
	KindForward          ep.ModuleKind = "forward"
	KindDrop             ep.ModuleKind = "drop"
	KindBroadcast        ep.ModuleKind = "broadcast"
	KindParseHeader      ep.ModuleKind = "parse_header"
	KindIgnore           ep.ModuleKind = "ignore"
	KindTable            ep.ModuleKind = "table"
	KindVectorRegister   ep.ModuleKind = "vector_register"
	KindCachedTableRead  ep.ModuleKind = "cached_table_read"
	KindCachedTableWrite ep.ModuleKind = "cached_table_write"
	KindSendToController ep.ModuleKind = "send_to_controller"
	KindRecirculate      ep.ModuleKind = "recirculate"
)

func moduleType(k ep.ModuleKind) ep.ModuleType {
	return ep.ModuleType{Target: ep.TargetTofino, Kind: k}
}

// StructureModule is implemented by modules backed by a placed pipeline
// structure.
type StructureModule interface {
	ep.Module
	Structure() pipeline.DSID
}

// If forks the pipeline on a condition.
type If struct {
	ep.BaseModule
	Cond bdd.Expr `json:"condition"`
}

// Condition implements ep.Conditional.
func (m *If) Condition() bdd.Expr { return m.Cond }

// Forward sends the packet out of a front-panel port.
type Forward struct {
	ep.BaseModule
	Port int `json:"port"`
}

// Drop discards the packet.
type Drop struct {
	ep.BaseModule
}

// Broadcast floods the packet to every front-panel port.
type Broadcast struct {
	ep.BaseModule
}

// ParseHeader extracts the next header chunk.
type ParseHeader struct {
	ep.BaseModule
	Length bdd.Expr   `json:"length"`
	Header bdd.Symbol `json:"header"`
}

// Ignore consumes a call that needs no pipeline logic.
type Ignore struct {
	ep.BaseModule
	Function string `json:"function"`
}

// Table is an exact-match table realizing a map the data plane never
// writes.
type Table struct {
	ep.BaseModule
	Addr   bdd.Addr      `json:"addr"`
	Table  pipeline.DSID `json:"table"`
	Key    bdd.Expr      `json:"key"`
	Result []bdd.Symbol  `json:"result,omitempty"`
}

// Structure implements StructureModule.
func (m *Table) Structure() pipeline.DSID { return m.Table }

// VectorRegister reads or writes one cell of a register array.
type VectorRegister struct {
	ep.BaseModule
	Addr     bdd.Addr      `json:"addr"`
	Register pipeline.DSID `json:"register"`
	Index    bdd.Expr      `json:"index"`
	Write    bool          `json:"write"`
	Value    bdd.Expr      `json:"value,omitempty"`
	Result   []bdd.Symbol  `json:"result,omitempty"`
}

// Structure implements StructureModule.
func (m *VectorRegister) Structure() pipeline.DSID { return m.Register }

// CachedTableRead looks a key up in the switch cache of a map. A map_get
// read forks on the hit flag: hits continue in the pipeline, misses go to the
// controller which holds the whole map. Reads of coalesced vectors take the
// value from the row already matched and do not fork.
type CachedTableRead struct {
	ep.BaseModule
	Addr     bdd.Addr      `json:"addr"`
	Table    pipeline.DSID `json:"table"`
	Capacity int           `json:"capacity"`
	HitRate  float64       `json:"hit_rate"`
	Key      bdd.Expr      `json:"key"`
	Hit      bdd.Expr      `json:"hit,omitempty"`
	Result   []bdd.Symbol  `json:"result,omitempty"`
}

// Condition implements ep.Conditional. It is empty for row reads.
func (m *CachedTableRead) Condition() bdd.Expr { return m.Hit }

// Structure implements StructureModule.
func (m *CachedTableRead) Structure() pipeline.DSID { return m.Table }

// CachedTableWrite updates a cached row in the data plane and mirrors the
// update to the controller's copy of the map.
type CachedTableWrite struct {
	ep.BaseModule
	Addr     bdd.Addr      `json:"addr"`
	Table    pipeline.DSID `json:"table"`
	Function string        `json:"function"`
	Key      bdd.Expr      `json:"key,omitempty"`
	Value    bdd.Expr      `json:"value,omitempty"`
}

// Structure implements StructureModule.
func (m *CachedTableWrite) Structure() pipeline.DSID { return m.Table }

// SendToController hands the packet to the controller, which resumes at the
// same node.
type SendToController struct {
	ep.BaseModule
}

// Recirculate sends the packet through the pipeline again. Structures placed
// in earlier passes no longer constrain the stages of the next pass.
type Recirculate struct {
	ep.BaseModule
	Port  int `json:"port"`
	Depth int `json:"depth"`
}
