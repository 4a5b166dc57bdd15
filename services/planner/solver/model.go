// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package solver is a small finite-domain constraint solver over boolean and
// bounded integer variables with linear constraints.
//
// It is the decision oracle behind the exhaustive pipeline placer: a Model is
// built once per placement request and handed to Solver.Solve, which answers
// Sat (with a model), Unsat, or Unknown when its decision budget or context
// runs out.
package solver

import (
	"fmt"
	"strings"
)

// Var identifies a variable inside a Model.
type Var int

// Op is the relation of a linear constraint.
type Op int

const (
	// LE is sum <= rhs.
	LE Op = iota
	// GE is sum >= rhs.
	GE
	// EQ is sum == rhs.
	EQ
)

// String returns the operator symbol.
func (o Op) String() string {
	switch o {
	case LE:
		return "<="
	case GE:
		return ">="
	case EQ:
		return "=="
	default:
		return "?"
	}
}

// Term is coef * var.
type Term struct {
	Coef int64
	Var  Var
}

// T builds a Term.
func T(coef int64, v Var) Term {
	return Term{Coef: coef, Var: v}
}

// Constraint is sum(terms) op rhs.
type Constraint struct {
	Name  string
	Terms []Term
	Op    Op
	RHS   int64
}

// String renders the constraint for debugging.
func (c Constraint) String() string {
	var sb strings.Builder
	for i, t := range c.Terms {
		if i > 0 {
			sb.WriteString(" + ")
		}
		fmt.Fprintf(&sb, "%d*v%d", t.Coef, t.Var)
	}
	fmt.Fprintf(&sb, " %s %d", c.Op, c.RHS)
	return sb.String()
}

// Domain is the closed interval [Lo, Hi].
type Domain struct {
	Lo int64
	Hi int64
}

// Fixed reports whether the domain holds a single value.
func (d Domain) Fixed() bool {
	return d.Lo == d.Hi
}

// Empty reports whether the domain holds no value.
func (d Domain) Empty() bool {
	return d.Lo > d.Hi
}

// Size returns the number of values in the domain.
func (d Domain) Size() int64 {
	if d.Empty() {
		return 0
	}
	return d.Hi - d.Lo + 1
}

type varInfo struct {
	name       string
	isBool     bool
	preferHigh bool
	initial    Domain
}

// Model is a constraint satisfaction problem under construction.
//
// Thread Safety: Not safe for concurrent mutation. A built model may be
// solved concurrently by several Solvers since Solve never mutates it.
type Model struct {
	vars  []varInfo
	cons  []Constraint
	watch [][]int
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{}
}

func (m *Model) newVar(info varInfo) Var {
	m.vars = append(m.vars, info)
	m.watch = append(m.watch, nil)
	return Var(len(m.vars) - 1)
}

// NewBool adds a 0/1 variable.
func (m *Model) NewBool(name string) Var {
	return m.newVar(varInfo{name: name, isBool: true, initial: Domain{0, 1}})
}

// NewInt adds an integer variable with domain [lo, hi].
func (m *Model) NewInt(name string, lo, hi int64) Var {
	return m.newVar(varInfo{name: name, initial: Domain{lo, hi}})
}

// PreferHigh makes the search try the upper half of v's domain first.
func (m *Model) PreferHigh(v Var) {
	m.vars[v].preferHigh = true
}

// Name returns the name v was created with.
func (m *Model) Name(v Var) string {
	return m.vars[v].name
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int {
	return len(m.vars)
}

// NumConstraints returns the number of constraints.
func (m *Model) NumConstraints() int {
	return len(m.cons)
}

// Add appends a constraint. Terms with a zero coefficient are dropped.
func (m *Model) Add(name string, terms []Term, op Op, rhs int64) {
	kept := make([]Term, 0, len(terms))
	for _, t := range terms {
		if t.Coef != 0 {
			kept = append(kept, t)
		}
	}
	idx := len(m.cons)
	m.cons = append(m.cons, Constraint{Name: name, Terms: kept, Op: op, RHS: rhs})
	seen := make(map[Var]bool, len(kept))
	for _, t := range kept {
		if !seen[t.Var] {
			seen[t.Var] = true
			m.watch[t.Var] = append(m.watch[t.Var], idx)
		}
	}
}

// AddLE adds sum(terms) <= rhs.
func (m *Model) AddLE(name string, rhs int64, terms ...Term) {
	m.Add(name, terms, LE, rhs)
}

// AddGE adds sum(terms) >= rhs.
func (m *Model) AddGE(name string, rhs int64, terms ...Term) {
	m.Add(name, terms, GE, rhs)
}

// AddEQ adds sum(terms) == rhs.
func (m *Model) AddEQ(name string, rhs int64, terms ...Term) {
	m.Add(name, terms, EQ, rhs)
}

// AddImplies adds x <= bound * b, so x is forced to 0 unless b holds.
func (m *Model) AddImplies(name string, b, x Var, bound int64) {
	m.AddLE(name, 0, T(1, x), T(-bound, b))
}

// Constraints returns the constraints added so far.
func (m *Model) Constraints() []Constraint {
	return m.cons
}
