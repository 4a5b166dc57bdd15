// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

var (
	// ErrDeadEnd is returned when every candidate plan got stuck on a node
	// no factory could consume.
	ErrDeadEnd = errors.New("search dead end")

	// ErrNoPlan is returned when the search stopped before any plan was
	// finished.
	ErrNoPlan = errors.New("no finished plan")

	// ErrUnknownHeuristic is returned for an unregistered heuristic name.
	ErrUnknownHeuristic = errors.New("unknown heuristic")
)

// DeadEndError describes the node that stopped the last candidate plan.
type DeadEndError struct {
	// RunID identifies the search run.
	RunID string

	// Plan is the id of the plan that could not advance.
	Plan ep.ID

	// Node is the behavior-graph node nothing could consume.
	Node bdd.NodeID

	// Description is a readable rendering of the node.
	Description string

	// Target is where the stuck continuation was running.
	Target ep.TargetType

	// Decisions are the modules placed before the dead end, root first.
	Decisions []string

	// DumpKey locates the post-mortem dump, empty when nothing was dumped.
	DumpKey string
}

// Error implements error.
func (e *DeadEndError) Error() string {
	return fmt.Sprintf("search dead end: no factory on %s consumes node %d (%s) after %d decisions",
		e.Target, e.Node, e.Description, len(e.Decisions))
}

// Unwrap lets errors.Is match ErrDeadEnd.
func (e *DeadEndError) Unwrap() error {
	return ErrDeadEnd
}
