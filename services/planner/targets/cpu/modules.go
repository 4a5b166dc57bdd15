// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cpu implements the software targets: the switch-attached
// controller and x86 hosts. Both run the same module kinds; only the
// implementation names recorded in the Context and the traffic accounting
// differ.
package cpu

import (
	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// Module kinds of the software targets.
const (
	KindIf               ep.ModuleKind = "if"
	KindForward          ep.ModuleKind = "forward"
	KindDrop             ep.ModuleKind = "drop"
	KindBroadcast        ep.ModuleKind = "broadcast"
	KindParseHeader      ep.ModuleKind = "parse_header"
	KindIgnore           ep.ModuleKind = "ignore"
	KindMapGet           ep.ModuleKind = "map_get"
	KindMapPut           ep.ModuleKind = "map_put"
	KindMapErase         ep.ModuleKind = "map_erase"
	KindVectorBorrow     ep.ModuleKind = "vector_borrow"
	KindVectorReturn     ep.ModuleKind = "vector_return"
	KindDchainAllocate   ep.ModuleKind = "dchain_allocate"
	KindDchainRejuvenate ep.ModuleKind = "dchain_rejuvenate"
)

// Access is the payload shared by stateful calls: the primitive, the call
// arguments and the symbols it generates.
type Access struct {
	Addr   bdd.Addr            `json:"addr"`
	Args   map[string]bdd.Expr `json:"args,omitempty"`
	Result []bdd.Symbol        `json:"result,omitempty"`
}

func accessOf(node *bdd.Node) Access {
	return Access{Addr: node.Call.Object, Args: node.Call.Args, Result: node.Call.Results}
}

// If branches on a condition.
type If struct {
	ep.BaseModule
	Cond bdd.Expr `json:"condition"`
}

// Condition implements ep.Conditional.
func (m *If) Condition() bdd.Expr { return m.Cond }

// Forward transmits the packet on a port.
type Forward struct {
	ep.BaseModule
	Port int `json:"port"`
}

// Drop discards the packet.
type Drop struct {
	ep.BaseModule
}

// Broadcast floods the packet.
type Broadcast struct {
	ep.BaseModule
}

// ParseHeader extracts the next header chunk.
type ParseHeader struct {
	ep.BaseModule
	Length bdd.Expr   `json:"length"`
	Header bdd.Symbol `json:"header"`
}

// Ignore consumes a call that needs no code on the target.
type Ignore struct {
	ep.BaseModule
	Function string `json:"function"`
}

// MapGet looks up a key.
type MapGet struct {
	ep.BaseModule
	Access
}

// MapPut stores a value.
type MapPut struct {
	ep.BaseModule
	Access
}

// MapErase removes a key.
type MapErase struct {
	ep.BaseModule
	Access
}

// VectorBorrow reads a vector cell.
type VectorBorrow struct {
	ep.BaseModule
	Access
}

// VectorReturn writes a vector cell back.
type VectorReturn struct {
	ep.BaseModule
	Access
}

// DchainAllocate allocates a fresh index.
type DchainAllocate struct {
	ep.BaseModule
	Access
}

// DchainRejuvenate refreshes an index.
type DchainRejuvenate struct {
	ep.BaseModule
	Access
}
