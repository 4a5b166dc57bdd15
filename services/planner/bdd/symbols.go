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

import "fmt"

// SymbolAllocator hands out fresh symbol names for values introduced by the
// planner (cache hit flags, recirculation markers). One allocator is created
// per compilation run and passed explicitly; it is not safe for concurrent use.
type SymbolAllocator struct {
	counters map[string]int
}

// NewSymbolAllocator returns an allocator with all counters at zero.
func NewSymbolAllocator() *SymbolAllocator {
	return &SymbolAllocator{counters: make(map[string]int)}
}

// Fresh returns a new symbol named base_N.
func (a *SymbolAllocator) Fresh(base string, width int) Symbol {
	n := a.counters[base]
	a.counters[base] = n + 1
	return Symbol{Name: fmt.Sprintf("%s_%d", base, n), Width: width}
}
