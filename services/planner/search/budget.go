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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BudgetConfig bounds one search run. Zero fields are unlimited.
type BudgetConfig struct {
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations" validate:"gte=0"`
	TimeLimit     time.Duration `json:"time_limit" yaml:"time_limit" validate:"gte=0"`
	MaxFinished   int           `json:"max_finished" yaml:"max_finished" validate:"gte=0"`
}

// DefaultBudgetConfig returns an unlimited iteration budget with a generous
// wall-clock limit.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		TimeLimit: 5 * time.Minute,
	}
}

// Budget tracks resource consumption of a search run.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	config    BudgetConfig
	startTime time.Time

	iterations atomic.Int64
	finished   atomic.Int64

	mu          sync.RWMutex
	exhausted   bool
	exhaustedBy string
}

// NewBudget creates a budget whose clock starts now.
func NewBudget(config BudgetConfig) *Budget {
	return &Budget{config: config, startTime: time.Now()}
}

// Config returns the budget configuration.
func (b *Budget) Config() BudgetConfig {
	return b.config
}

// Iterations returns the number of recorded iterations.
func (b *Budget) Iterations() int64 {
	return b.iterations.Load()
}

// RecordIteration counts one expanded plan.
func (b *Budget) RecordIteration() int64 {
	return b.iterations.Add(1)
}

// Finished returns the number of recorded finished plans.
func (b *Budget) Finished() int64 {
	return b.finished.Load()
}

// RecordFinished counts one finished plan.
func (b *Budget) RecordFinished() int64 {
	return b.finished.Add(1)
}

// Elapsed returns the time since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	return time.Since(b.startTime)
}

// Exhausted reports whether any limit was reached. Once exhausted the
// budget stays exhausted.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exhausted {
		return true
	}
	switch {
	case b.config.TimeLimit > 0 && time.Since(b.startTime) >= b.config.TimeLimit:
		b.exhaustedBy = "time"
	case b.config.MaxIterations > 0 && b.iterations.Load() >= int64(b.config.MaxIterations):
		b.exhaustedBy = "iterations"
	case b.config.MaxFinished > 0 && b.finished.Load() >= int64(b.config.MaxFinished):
		b.exhaustedBy = "finished"
	default:
		return false
	}
	b.exhausted = true
	return true
}

// ExhaustedBy names the limit that was hit, empty if none.
func (b *Budget) ExhaustedBy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exhaustedBy
}

// String returns a human-readable budget status.
func (b *Budget) String() string {
	status := ""
	if by := b.ExhaustedBy(); by != "" {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", by)
	}
	return fmt.Sprintf("Budget{iterations=%d/%d, finished=%d/%d, time=%v/%v}%s",
		b.Iterations(), b.config.MaxIterations,
		b.Finished(), b.config.MaxFinished,
		b.Elapsed().Round(time.Millisecond), b.config.TimeLimit,
		status)
}

// UsageReport summarizes consumption at the end of a run.
type UsageReport struct {
	Elapsed     time.Duration `json:"elapsed"`
	Iterations  int64         `json:"iterations"`
	Finished    int64         `json:"finished"`
	Exhausted   bool          `json:"exhausted"`
	ExhaustedBy string        `json:"exhausted_by,omitempty"`
}

// Report generates a usage report.
func (b *Budget) Report() UsageReport {
	by := b.ExhaustedBy()
	return UsageReport{
		Elapsed:     b.Elapsed(),
		Iterations:  b.Iterations(),
		Finished:    b.Finished(),
		Exhausted:   by != "",
		ExhaustedBy: by,
	}
}
