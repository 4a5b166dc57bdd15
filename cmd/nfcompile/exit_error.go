// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/nfcompile/services/planner/search"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitDeadEnd = 2
	ExitNoPlan  = 3
)

// ExitError carries the process exit code of a failed command.
//
//	var ee *ExitError
//	if errors.As(err, &ee) {
//	    os.Exit(ee.Code)
//	}
type ExitError struct {
	// Code is the process exit code.
	Code int

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns the underlying message.
func (e *ExitError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Wrapped.Error()
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error {
	return e.Wrapped
}

// exitFor maps a planning error onto an exit code.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, search.ErrDeadEnd):
		return &ExitError{Code: ExitDeadEnd, Wrapped: err}
	case errors.Is(err, search.ErrNoPlan):
		return &ExitError{Code: ExitNoPlan, Wrapped: err}
	default:
		return &ExitError{Code: ExitFailure, Wrapped: err}
	}
}
