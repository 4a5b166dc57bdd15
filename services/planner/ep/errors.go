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
	"errors"
	"fmt"
)

// ErrInvariant is wrapped by every InvariantError.
var ErrInvariant = errors.New("internal invariant violated")

// InvariantError is the panic value raised when the planner's own
// bookkeeping is inconsistent: an unknown node id, a missing target
// context, a leaf processed by a module built for another node. These are
// bugs, never properties of the input.
type InvariantError struct {
	Op     string
	Detail string
}

// Error implements error.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("ep: %s: %s: %s", e.Op, ErrInvariant, e.Detail)
}

// Unwrap returns ErrInvariant.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

func invariant(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)})
}
