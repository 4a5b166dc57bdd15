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
	"container/heap"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// candidate is a scored plan waiting in the frontier.
type candidate struct {
	plan  *ep.EP
	score Score
	seq   uint64
}

// frontier is a best-first priority queue. Equal scores pop in insertion
// order so runs are reproducible.
type frontier struct {
	h     *Heuristic
	items []*candidate
	seq   uint64
}

func newFrontier(h *Heuristic) *frontier {
	return &frontier{h: h}
}

func (f *frontier) Len() int { return len(f.items) }

func (f *frontier) Less(i, j int) bool {
	if c := f.h.Compare(f.items[i].score, f.items[j].score); c != 0 {
		return c < 0
	}
	return f.items[i].seq < f.items[j].seq
}

func (f *frontier) Swap(i, j int) { f.items[i], f.items[j] = f.items[j], f.items[i] }

func (f *frontier) Push(x any) { f.items = append(f.items, x.(*candidate)) }

func (f *frontier) Pop() any {
	n := len(f.items)
	it := f.items[n-1]
	f.items[n-1] = nil
	f.items = f.items[:n-1]
	return it
}

// push inserts a plan with its score.
func (f *frontier) push(e *ep.EP, s Score) {
	f.seq++
	heap.Push(f, &candidate{plan: e, score: s, seq: f.seq})
}

// pop removes the best plan.
func (f *frontier) pop() *candidate {
	return heap.Pop(f).(*candidate)
}

// peek returns the best plan without removing it.
func (f *frontier) peek() *candidate {
	if len(f.items) == 0 {
		return nil
	}
	return f.items[0]
}
