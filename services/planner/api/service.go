// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the planner over HTTP and holds the planning service
// shared with the command line.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/config"
	"github.com/AleutianAI/nfcompile/services/planner/profiler"
	"github.com/AleutianAI/nfcompile/services/planner/report"
	"github.com/AleutianAI/nfcompile/services/planner/search"
	"github.com/AleutianAI/nfcompile/services/planner/targets"
)

// ErrInvalidGraph is returned when the input document does not describe a
// valid behavior graph.
var ErrInvalidGraph = errors.New("invalid behavior graph")

// PlanOptions adjusts one planning request.
type PlanOptions struct {
	// Heuristics run concurrently. Empty uses the configured portfolio,
	// or the configured heuristic when there is no portfolio.
	Heuristics []string `json:"heuristics,omitempty"`

	// Seed overrides the configured seed when non-nil.
	Seed *uint64 `json:"seed,omitempty"`

	// Budget overrides the configured budget when non-nil.
	Budget *search.BudgetConfig `json:"budget,omitempty"`
}

// Outcome is the result of a planning request.
type Outcome struct {
	Report    *report.Document
	Portfolio *search.PortfolioResult
}

// Service plans behavior graphs against one configured topology.
//
// Thread Safety: Safe for concurrent use. Every request gets fresh plans.
type Service struct {
	cfg    config.Config
	reg    *targets.Registry
	dumper search.Dumper
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDumper stores post-mortem dumps of failed (and, when configured,
// successful) runs.
func WithDumper(d search.Dumper) ServiceOption {
	return func(s *Service) {
		s.dumper = d
	}
}

// NewService builds the target registry for cfg.
//
// Inputs:
//
//	cfg - Validated configuration.
//
// Outputs:
//
//	*Service - Ready to plan.
//	error - Non-nil if the topology is rejected by the registry.
func NewService(cfg config.Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	reg, err := cfg.Registry(s.logger)
	if err != nil {
		return nil, fmt.Errorf("build target registry: %w", err)
	}
	s.reg = reg
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() config.Config {
	return s.cfg
}

// Plan searches for the best execution plan of doc.
//
// Inputs:
//
//	ctx - Cancels the search. The best plan found so far is still returned.
//	doc - The behavior graph with its optional profile.
//	opts - Per-request overrides.
//
// Outputs:
//
//	*Outcome - The report of the best plan and every run's result. On a
//	  failed search Portfolio is still set for diagnosis.
//	error - ErrInvalidGraph, search.ErrUnknownHeuristic, a
//	  *search.DeadEndError or search.ErrNoPlan.
func (s *Service) Plan(ctx context.Context, doc *bdd.Document, opts PlanOptions) (*Outcome, error) {
	g, prof, err := profiler.FromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}

	cfg := s.cfg.Search
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.Budget != nil {
		cfg.Budget = *opts.Budget
	}
	heuristics := opts.Heuristics
	if len(heuristics) == 0 {
		heuristics = s.cfg.Portfolio
	}
	if len(heuristics) == 0 {
		heuristics = []string{cfg.Heuristic}
	}

	engineOpts := []search.Option{search.WithLogger(s.logger)}
	if s.dumper != nil {
		engineOpts = append(engineOpts, search.WithDumper(s.dumper))
	}
	s.logger.Info("planning",
		slog.Int("nodes", g.Len()),
		slog.Any("heuristics", heuristics))

	pf, err := search.RunPortfolio(ctx, s.reg, g, prof, heuristics, cfg, engineOpts...)
	out := &Outcome{Portfolio: pf}
	if err != nil {
		return out, err
	}
	out.Report, err = report.FromResult(pf.Best)
	if err != nil {
		return out, err
	}
	return out, nil
}
