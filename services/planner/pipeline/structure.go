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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DSID names a placeable data structure.
type DSID string

// PartID names one part of a structure.
type PartID string

// Part is one independently placed piece of a structure. Entries may be
// split across consecutive stages; every occupied stage pays PerStage once
// plus PerEntry for each entry it holds.
type Part struct {
	ID       PartID `json:"id"`
	Entries  int64  `json:"entries"`
	PerEntry Budget `json:"per_entry"`
	PerStage Budget `json:"per_stage"`
}

func (p Part) footprint(entries int64) Budget {
	return p.PerEntry.Mul(entries).Add(p.PerStage)
}

// Structure is a placeable data structure: a primitive has one part, a
// composite several (e.g. a cache row plus its backing key table).
type Structure struct {
	ID    DSID   `json:"id"`
	Parts []Part `json:"parts"`
}

// NewPrimitive returns a single-part structure.
func NewPrimitive(id DSID, entries int64, perEntry, perStage Budget) Structure {
	return Structure{ID: id, Parts: []Part{{ID: PartID(id), Entries: entries, PerEntry: perEntry, PerStage: perStage}}}
}

// NewComposite returns a structure made of several parts.
func NewComposite(id DSID, parts ...Part) Structure {
	return Structure{ID: id, Parts: parts}
}

// IsComposite reports whether the structure has more than one part.
func (s Structure) IsComposite() bool {
	return len(s.Parts) > 1
}

// Footprint returns the resources consumed if every part sat in a single
// stage.
func (s Structure) Footprint() Budget {
	var out Budget
	for _, p := range s.Parts {
		out = out.Add(p.footprint(p.Entries))
	}
	return out
}

// Validate checks the structure is placeable in principle.
func (s Structure) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidStructure)
	}
	if len(s.Parts) == 0 {
		return fmt.Errorf("%w: %s has no parts", ErrInvalidStructure, s.ID)
	}
	seen := make(map[PartID]bool, len(s.Parts))
	for _, p := range s.Parts {
		if p.Entries <= 0 {
			return fmt.Errorf("%w: %s/%s has %d entries", ErrInvalidStructure, s.ID, p.ID, p.Entries)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %s has duplicate part %s", ErrInvalidStructure, s.ID, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// signature hashes everything about the structure that affects placement.
func (s Structure) signature(d *xxhash.Digest) {
	var buf [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	put(int64(len(s.Parts)))
	for _, p := range s.Parts {
		put(p.Entries)
		for _, v := range p.PerEntry.components() {
			put(v)
		}
		for _, v := range p.PerStage.components() {
			put(v)
		}
	}
}

// Request asks for a structure to be placed after its dependencies.
type Request struct {
	Structure Structure
	Deps      []DSID
}
