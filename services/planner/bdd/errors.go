// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bdd

import (
	"errors"
	"fmt"
)

// Sentinel errors for behavior graph operations.
var (
	// ErrInvalidGraph indicates a malformed graph document or builder input.
	ErrInvalidGraph = errors.New("invalid behavior graph")

	// ErrUnknownNode indicates an id that is not part of the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnsupportedRewrite indicates a rewrite that does not apply to the node kind.
	ErrUnsupportedRewrite = errors.New("unsupported rewrite")
)

// LookupError is the panic value raised by MustGet. A failed id lookup is an
// internal-consistency violation, never a property of the input.
type LookupError struct {
	ID NodeID
}

// Error implements error.
func (e *LookupError) Error() string {
	return fmt.Sprintf("bdd: node %d not in graph", e.ID)
}

// Unwrap returns ErrUnknownNode.
func (e *LookupError) Unwrap() error {
	return ErrUnknownNode
}
