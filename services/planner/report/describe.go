// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/targets/cpu"
	"github.com/AleutianAI/nfcompile/services/planner/targets/tofino"
)

// Describe renders what a module does. Every module type of every target
// has a case; unknown types fall back to the module name.
func Describe(m ep.Module) string {
	switch m := m.(type) {
	// Switch pipeline.
	case *tofino.If:
		return "if " + m.Cond.Repr
	case *tofino.Forward:
		return fmt.Sprintf("forward to port %d", m.Port)
	case *tofino.Drop:
		return "drop"
	case *tofino.Broadcast:
		return "broadcast"
	case *tofino.ParseHeader:
		return fmt.Sprintf("parse %s (%s bytes)", m.Header.Name, m.Length.Repr)
	case *tofino.Ignore:
		return "ignore " + m.Function
	case *tofino.Table:
		return fmt.Sprintf("match %s on %s%s", m.Table, m.Key.Repr, results(m.Result))
	case *tofino.VectorRegister:
		if m.Write {
			return fmt.Sprintf("write %s[%s] = %s", m.Register, m.Index.Repr, m.Value.Repr)
		}
		return fmt.Sprintf("read %s[%s]%s", m.Register, m.Index.Repr, results(m.Result))
	case *tofino.CachedTableRead:
		return fmt.Sprintf("cache lookup %s on %s (capacity %d, hit rate %.2f)%s",
			m.Table, m.Key.Repr, m.Capacity, m.HitRate, results(m.Result))
	case *tofino.CachedTableWrite:
		return fmt.Sprintf("cache %s %s on %s", m.Function, m.Table, m.Key.Repr)
	case *tofino.SendToController:
		return "send to controller"
	case *tofino.Recirculate:
		return fmt.Sprintf("recirculate via port %d (pass %d)", m.Port, m.Depth)

	// Controller and host.
	case *cpu.If:
		return "if " + m.Cond.Repr
	case *cpu.Forward:
		return fmt.Sprintf("forward to port %d", m.Port)
	case *cpu.Drop:
		return "drop"
	case *cpu.Broadcast:
		return "broadcast"
	case *cpu.ParseHeader:
		return fmt.Sprintf("parse %s (%s bytes)", m.Header.Name, m.Length.Repr)
	case *cpu.Ignore:
		return "ignore " + m.Function
	case *cpu.MapGet:
		return access(bdd.FnMapGet, m.Access)
	case *cpu.MapPut:
		return access(bdd.FnMapPut, m.Access)
	case *cpu.MapErase:
		return access(bdd.FnMapErase, m.Access)
	case *cpu.VectorBorrow:
		return access(bdd.FnVectorBorrow, m.Access)
	case *cpu.VectorReturn:
		return access(bdd.FnVectorReturn, m.Access)
	case *cpu.DchainAllocate:
		return access(bdd.FnDchainAllocate, m.Access)
	case *cpu.DchainRejuvenate:
		return access(bdd.FnDchainRejuvenate, m.Access)
	default:
		return m.Name()
	}
}

func access(fn string, a cpu.Access) string {
	names := make([]string, 0, len(a.Args))
	for n := range a.Args {
		names = append(names, n)
	}
	slices.Sort(names)
	args := make([]string, len(names))
	for i, n := range names {
		args[i] = n + "=" + a.Args[n].Repr
	}
	call := fmt.Sprintf("obj=%d", a.Addr)
	if len(args) > 0 {
		call += ", " + strings.Join(args, ", ")
	}
	return fmt.Sprintf("%s(%s)%s", fn, call, results(a.Result))
}

func results(syms []bdd.Symbol) string {
	if len(syms) == 0 {
		return ""
	}
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.Name
	}
	return " -> " + strings.Join(names, ", ")
}
