// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solver

import (
	"context"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the solver.
type Config struct {
	// MaxDecisions bounds the number of branching decisions. Zero means
	// unlimited.
	MaxDecisions int

	// Timeout bounds wall-clock solving time. Zero means unlimited.
	Timeout time.Duration

	// CheckInterval is how many decisions pass between context checks.
	CheckInterval int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxDecisions:  200_000,
		Timeout:       5 * time.Second,
		CheckInterval: 256,
	}
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Status is the outcome of a solve.
type Status int

const (
	// StatusUnknown means the budget ran out before an answer was found.
	StatusUnknown Status = iota
	// StatusSat means a model was found.
	StatusSat
	// StatusUnsat means no model exists.
	StatusUnsat
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusSat:
		return "sat"
	case StatusUnsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Result is the outcome of Solve.
type Result struct {
	Status Status

	// Values holds one value per variable when Status is StatusSat.
	Values []int64

	// Decisions is the number of branching decisions made.
	Decisions int

	// Propagations is the number of constraint revisions performed.
	Propagations int

	// MaxLevel is the deepest decision level reached.
	MaxLevel int

	Duration time.Duration
}

// Value returns the value of v in the model.
func (r Result) Value(v Var) int64 {
	return r.Values[v]
}

// Bool returns the value of a boolean variable in the model.
func (r Result) Bool(v Var) bool {
	return r.Values[v] != 0
}

// -----------------------------------------------------------------------------
// Solver
// -----------------------------------------------------------------------------

// Solver searches for a model of a Model.
//
// Description:
//
//	Solve alternates bounds propagation with depth-first branching. Every
//	domain change is pushed on a trail so that backtracking restores the
//	domains of an earlier decision level by unwinding the trail, the same
//	way a CDCL trail is unwound (without clause learning).
//
//	Booleans are branched before integers; integers are bisected.
//
// Thread Safety: Safe for concurrent use. Each Solve keeps private state.
type Solver struct {
	config *Config
	logger *slog.Logger
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a solver. A nil config uses DefaultConfig.
func New(config *Config, opts ...Option) *Solver {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Solver{config: config, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the solver name.
func (s *Solver) Name() string {
	return "fd_bounds"
}

type trailEntry struct {
	v   Var
	old Domain
}

type frame struct {
	trailLen int
	v        Var
	alt      Domain
}

type state struct {
	m     *Model
	doms  []Domain
	trail []trailEntry
	queue []int
	inQ   []bool
	props int
}

// Solve searches for a model.
//
// Inputs:
//
//	ctx - Cancellation. A cancelled context yields StatusUnknown.
//	m - The model. It is not modified.
//
// Outputs:
//
//	Result - Status plus the model when satisfiable.
func (s *Solver) Solve(ctx context.Context, m *Model) Result {
	start := time.Now()
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	interval := s.config.CheckInterval
	if interval <= 0 {
		interval = 1
	}

	st := &state{
		m:    m,
		doms: make([]Domain, len(m.vars)),
		inQ:  make([]bool, len(m.cons)),
	}
	for i, vi := range m.vars {
		st.doms[i] = vi.initial
		if vi.initial.Empty() {
			return Result{Status: StatusUnsat, Duration: time.Since(start)}
		}
	}
	for i := range m.cons {
		st.enqueue(i)
	}

	res := Result{}
	finish := func(status Status) Result {
		res.Status = status
		res.Propagations = st.props
		res.Duration = time.Since(start)
		if status == StatusSat {
			res.Values = make([]int64, len(st.doms))
			for i, d := range st.doms {
				res.Values[i] = d.Lo
			}
		}
		s.logger.Debug("solve finished",
			slog.String("status", status.String()),
			slog.Int("vars", len(m.vars)),
			slog.Int("constraints", len(m.cons)),
			slog.Int("decisions", res.Decisions),
			slog.Duration("duration", res.Duration))
		return res
	}

	if !st.propagate() {
		return finish(StatusUnsat)
	}

	var stack []frame
	for {
		if res.Decisions%interval == 0 && ctx.Err() != nil {
			return finish(StatusUnknown)
		}
		v, ok := st.pickVar()
		if !ok {
			return finish(StatusSat)
		}
		if s.config.MaxDecisions > 0 && res.Decisions >= s.config.MaxDecisions {
			return finish(StatusUnknown)
		}
		res.Decisions++

		first, alt := st.split(v)
		stack = append(stack, frame{trailLen: len(st.trail), v: v, alt: alt})
		if len(stack) > res.MaxLevel {
			res.MaxLevel = len(stack)
		}
		if st.assign(v, first) && st.propagate() {
			continue
		}

		// Conflict: take the remaining alternative of the deepest frame that
		// still yields a consistent state.
		for {
			if len(stack) == 0 {
				return finish(StatusUnsat)
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			st.undo(f.trailLen)
			if st.assign(f.v, f.alt) && st.propagate() {
				break
			}
		}
	}
}

func (st *state) enqueue(c int) {
	if !st.inQ[c] {
		st.inQ[c] = true
		st.queue = append(st.queue, c)
	}
}

func (st *state) undo(trailLen int) {
	for len(st.trail) > trailLen {
		e := st.trail[len(st.trail)-1]
		st.trail = st.trail[:len(st.trail)-1]
		st.doms[e.v] = e.old
	}
	for _, c := range st.queue {
		st.inQ[c] = false
	}
	st.queue = st.queue[:0]
}

// assign narrows v to d and schedules the constraints watching v.
func (st *state) assign(v Var, d Domain) bool {
	cur := st.doms[v]
	nd := Domain{Lo: max(cur.Lo, d.Lo), Hi: min(cur.Hi, d.Hi)}
	if nd == cur {
		return true
	}
	st.trail = append(st.trail, trailEntry{v: v, old: cur})
	st.doms[v] = nd
	if nd.Empty() {
		return false
	}
	for _, c := range st.m.watch[v] {
		st.enqueue(c)
	}
	return true
}

func (st *state) propagate() bool {
	for len(st.queue) > 0 {
		c := st.queue[0]
		st.queue = st.queue[1:]
		st.inQ[c] = false
		st.props++
		con := st.m.cons[c]
		ok := true
		switch con.Op {
		case LE:
			ok = st.reviseLE(con.Terms, con.RHS, false)
		case GE:
			ok = st.reviseLE(con.Terms, -con.RHS, true)
		case EQ:
			ok = st.reviseLE(con.Terms, con.RHS, false) && st.reviseLE(con.Terms, -con.RHS, true)
		}
		if !ok {
			for _, q := range st.queue {
				st.inQ[q] = false
			}
			st.queue = st.queue[:0]
			return false
		}
	}
	return true
}

// reviseLE tightens bounds for sum(sign*coef*x) <= rhs, where sign is -1
// when negate is set.
func (st *state) reviseLE(terms []Term, rhs int64, negate bool) bool {
	coef := func(t Term) int64 {
		if negate {
			return -t.Coef
		}
		return t.Coef
	}
	minTerm := func(a int64, d Domain) int64 {
		if a > 0 {
			return a * d.Lo
		}
		return a * d.Hi
	}
	var minSum int64
	for _, t := range terms {
		minSum += minTerm(coef(t), st.doms[t.Var])
	}
	if minSum > rhs {
		return false
	}
	for _, t := range terms {
		a := coef(t)
		d := st.doms[t.Var]
		slack := rhs - (minSum - minTerm(a, d))
		var nd Domain
		if a > 0 {
			nd = Domain{Lo: d.Lo, Hi: floorDiv(slack, a)}
		} else {
			nd = Domain{Lo: ceilDiv(slack, a), Hi: d.Hi}
		}
		if nd.Lo < d.Lo {
			nd.Lo = d.Lo
		}
		if nd.Hi > d.Hi {
			nd.Hi = d.Hi
		}
		if nd == d {
			continue
		}
		if !st.assign(t.Var, nd) {
			return false
		}
		// minSum only grows when a bound tightens, and the term's own minimum
		// was excluded from its slack, so other slacks stay valid upper bounds.
		minSum += minTerm(a, st.doms[t.Var]) - minTerm(a, d)
	}
	return true
}

// pickVar returns the first unfixed boolean, else the unfixed integer with
// the smallest domain.
func (st *state) pickVar() (Var, bool) {
	best := Var(-1)
	var bestSize int64
	for i, vi := range st.m.vars {
		d := st.doms[i]
		if d.Fixed() {
			continue
		}
		if vi.isBool {
			return Var(i), true
		}
		if best < 0 || d.Size() < bestSize {
			best, bestSize = Var(i), d.Size()
		}
	}
	return best, best >= 0
}

func (st *state) split(v Var) (first, alt Domain) {
	d := st.doms[v]
	mid := d.Lo + (d.Hi-d.Lo)/2
	low, high := Domain{d.Lo, mid}, Domain{mid + 1, d.Hi}
	if st.m.vars[v].preferHigh {
		return high, low
	}
	return low, high
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) == (b < 0)) {
		q++
	}
	return q
}
