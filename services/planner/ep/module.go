// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ep

import (
	"fmt"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
)

// TargetType names an execution target.
type TargetType string

const (
	TargetTofino     TargetType = "tofino"
	TargetController TargetType = "controller"
	TargetX86        TargetType = "x86"
)

// ModuleKind names a module variant within a target.
type ModuleKind string

// ModuleType is the (target, kind) pair that identifies a factory and the
// modules it builds.
type ModuleType struct {
	Target TargetType `json:"target"`
	Kind   ModuleKind `json:"kind"`
}

// String renders target:kind.
func (t ModuleType) String() string {
	return fmt.Sprintf("%s:%s", t.Target, t.Kind)
}

// Module is one placed decision. The set of implementations is closed:
// every module embeds BaseModule, and consumers dispatch with an exhaustive
// type switch over the concrete module types.
//
// Modules are immutable once built.
type Module interface {
	// Type returns the module's (target, kind).
	Type() ModuleType

	// Target returns the target the module runs on.
	Target() TargetType

	// Node returns the behavior-graph node the module was built for.
	Node() bdd.NodeID

	// Name returns a short human readable label.
	Name() string

	// Consumes reports whether building the module finishes the node. Hand-off
	// modules (to the controller, into a recirculation pass) leave the node
	// pending on another target.
	Consumes() bool

	sealed()
}

// Conditional is implemented by modules that fork control flow into a true
// and a false side.
type Conditional interface {
	Module
	Condition() bdd.Expr
}

// BaseModule carries what every module has. Embed it to implement Module.
type BaseModule struct {
	typ     ModuleType
	node    bdd.NodeID
	name    string
	handoff bool
}

// NewBaseModule returns the common part of a consuming module.
func NewBaseModule(t ModuleType, node bdd.NodeID, name string) BaseModule {
	return BaseModule{typ: t, node: node, name: name}
}

// NewHandoffModule returns the common part of a module that does not consume
// its node.
func NewHandoffModule(t ModuleType, node bdd.NodeID, name string) BaseModule {
	return BaseModule{typ: t, node: node, name: name, handoff: true}
}

// Type implements Module.
func (b BaseModule) Type() ModuleType { return b.typ }

// Target implements Module.
func (b BaseModule) Target() TargetType { return b.typ.Target }

// Node implements Module.
func (b BaseModule) Node() bdd.NodeID { return b.node }

// Name implements Module.
func (b BaseModule) Name() string { return b.name }

// Consumes implements Module.
func (b BaseModule) Consumes() bool { return !b.handoff }

func (BaseModule) sealed() {}
