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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/nfcompile/services/planner/dump"
	"github.com/AleutianAI/nfcompile/services/planner/search"
)

// DumpReader reads stored post-mortem dumps.
type DumpReader interface {
	Get(ctx context.Context, key string) (*dump.Record, error)
}

// Handlers implements the HTTP endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc   *Service
	dumps DumpReader
}

// NewHandlers creates handlers for svc. dumps may be nil, in which case
// the dump endpoint answers 404.
func NewHandlers(svc *Service, dumps DumpReader) *Handlers {
	return &Handlers{svc: svc, dumps: dumps}
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	targets := make([]string, 0, len(h.svc.Config().Topology.Targets))
	for _, t := range h.svc.Config().Topology.Targets {
		targets = append(targets, string(t))
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Targets: targets,
	})
}

// HandlePlan handles POST /v1/plan.
//
// Response:
//
//	200 OK: PlanResponse
//	400 Bad Request: malformed body, invalid graph or unknown heuristic
//	422 Unprocessable Entity: the search found no plan (dead end or budget)
//	503 Service Unavailable: the request was canceled before any plan finished
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandlePlan(c *gin.Context) {
	logger := slog.With("request_id", requestID(c), "handler", "HandlePlan")

	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	out, err := h.svc.Plan(c.Request.Context(), req.Graph, req.Config)
	var runs []RunSummary
	if out != nil {
		runs = summarize(req.Config.Heuristics, out.Portfolio)
	}
	if err != nil {
		status, body := errorBody(err)
		body.Runs = runs
		logger.Warn("planning failed", "error", err, "code", body.Code)
		c.JSON(status, body)
		return
	}

	logger.Info("plan selected",
		"run_id", out.Report.RunID,
		"heuristic", out.Report.Heuristic,
		"tput_pps", out.Report.Throughput.PPS)
	c.JSON(http.StatusOK, PlanResponse{Plan: out.Report, Runs: runs})
}

// HandleDump handles GET /v1/dumps/:run/:kind.
func (h *Handlers) HandleDump(c *gin.Context) {
	if h.dumps == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "dump store disabled", Code: "DUMPS_DISABLED"})
		return
	}
	key := dump.Key(c.Param("run"), c.Param("kind"))
	rec, err := h.dumps.Get(c.Request.Context(), key)
	if errors.Is(err, dump.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "DUMP_NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DUMP_READ_FAILED"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func errorBody(err error) (int, ErrorResponse) {
	var de *search.DeadEndError
	switch {
	case errors.As(err, &de):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "DEAD_END",
			DeadEnd: &DeadEnd{
				RunID:       de.RunID,
				Node:        int64(de.Node),
				Description: de.Description,
				Target:      string(de.Target),
				Decisions:   de.Decisions,
				DumpKey:     de.DumpKey,
			},
		}
	case errors.Is(err, ErrInvalidGraph):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_GRAPH"}
	case errors.Is(err, search.ErrUnknownHeuristic):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_HEURISTIC"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "CANCELED"}
	case errors.Is(err, search.ErrNoPlan):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "NO_PLAN"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"}
	}
}

func summarize(requested []string, pf *search.PortfolioResult) []RunSummary {
	if pf == nil {
		return nil
	}
	out := make([]RunSummary, len(pf.Runs))
	for i, r := range pf.Runs {
		s := &out[i]
		if i < len(requested) {
			s.Heuristic = requested[i]
		}
		if r != nil {
			s.Heuristic = r.Heuristic
			s.RunID = r.RunID
			s.Iterations = r.Iterations
			s.StoppedBy = r.StoppedBy
			if r.Plan != nil {
				s.TputPPS = r.Plan.EstimateTputPPS()
			}
		}
		if i < len(pf.Errors) && pf.Errors[i] != nil {
			s.Error = strings.TrimSpace(pf.Errors[i].Error())
		}
	}
	return out
}
