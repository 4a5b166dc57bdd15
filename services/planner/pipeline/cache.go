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
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/nfcompile/services/planner/solver"
)

// solveOutcome is what the cache remembers about one solve.
type solveOutcome struct {
	status    solver.Status
	parts     []PartPlacement
	decisions int
}

// SolverCache memoizes exhaustive placements. A solve is deterministic for
// a given (structure signature, dependency frontier, free-resource
// snapshot), so the key hashes exactly those. Concurrent identical solves
// (several plans of a portfolio run hitting the same request) are collapsed
// into one with singleflight.
//
// Thread Safety: Safe for concurrent use.
type SolverCache struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[uint64]solveOutcome

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewSolverCache creates a cache holding at most maxEntries outcomes. When
// full, the cache is cleared. Zero means unbounded.
func NewSolverCache(maxEntries int) *SolverCache {
	return &SolverCache{maxEntries: maxEntries, entries: make(map[uint64]solveOutcome)}
}

// Len returns the number of cached outcomes.
func (c *SolverCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache hits and misses.
func (c *SolverCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func cacheKey(free []Budget, s Structure, minStage int) uint64 {
	d := xxhash.New()
	s.signature(d)
	var buf [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	put(int64(minStage))
	put(int64(len(free)))
	for _, b := range free[max(minStage, 0):] {
		for _, v := range b.components() {
			put(v)
		}
	}
	return d.Sum64()
}

// do returns the cached outcome for key or runs solve once for all
// concurrent callers. Unknown outcomes are not cached: they depend on the
// budget, not only on the input.
func (c *SolverCache) do(ctx context.Context, key uint64, solve func(context.Context) solveOutcome) (solveOutcome, bool) {
	c.mu.RLock()
	out, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		solverCacheTotal.WithLabelValues("hit").Inc()
		return out, true
	}

	v, _, shared := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		res := solve(ctx)
		if res.status != solver.StatusUnknown {
			c.mu.Lock()
			if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
				c.entries = make(map[uint64]solveOutcome)
			}
			c.entries[key] = res
			c.mu.Unlock()
		}
		return res, nil
	})
	if shared {
		c.hits.Add(1)
		solverCacheTotal.WithLabelValues("shared").Inc()
	} else {
		c.misses.Add(1)
		solverCacheTotal.WithLabelValues("miss").Inc()
	}
	return v.(solveOutcome), shared
}
