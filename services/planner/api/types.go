// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/report"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// PlanRequest is the body of POST /v1/plan.
type PlanRequest struct {
	// Graph is the behavior graph with its optional profile.
	Graph *bdd.Document `json:"graph" binding:"required"`

	// Config overrides search settings for this request.
	Config PlanOptions `json:"config"`
}

// RunSummary describes one heuristic's run.
type RunSummary struct {
	Heuristic  string  `json:"heuristic"`
	RunID      string  `json:"run_id,omitempty"`
	TputPPS    float64 `json:"tput_pps"`
	Iterations int     `json:"iterations"`
	StoppedBy  string  `json:"stopped_by,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// PlanResponse is the body of a successful POST /v1/plan.
type PlanResponse struct {
	Plan *report.Document `json:"plan"`
	Runs []RunSummary     `json:"runs"`
}

// DeadEnd locates the node that stopped the search.
type DeadEnd struct {
	RunID       string   `json:"run_id"`
	Node        int64    `json:"node"`
	Description string   `json:"description"`
	Target      string   `json:"target"`
	Decisions   []string `json:"decisions"`
	DumpKey     string   `json:"dump_key,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`

	// DeadEnd is set when the search got stuck.
	DeadEnd *DeadEnd `json:"dead_end,omitempty"`

	// Runs summarizes the failed runs, when any ran.
	Runs []RunSummary `json:"runs,omitempty"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Targets []string `json:"targets"`
}
