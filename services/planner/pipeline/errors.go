// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStructure indicates a structure that can never be placed.
	ErrInvalidStructure = errors.New("invalid data structure")

	// ErrCommittedPlacementRejected indicates a placement the search relied
	// on could not be reproduced.
	ErrCommittedPlacementRejected = errors.New("committed placement rejected")
)

// CommitError is the panic value of MustPlace.
type CommitError struct {
	ID     DSID
	Reason string
}

// Error implements error.
func (e *CommitError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %s", ErrCommittedPlacementRejected, e.ID, e.Reason)
}

// Unwrap returns ErrCommittedPlacementRejected.
func (e *CommitError) Unwrap() error {
	return ErrCommittedPlacementRejected
}
