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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/services/planner/dump"
	"github.com/AleutianAI/nfcompile/services/planner/report"
)

// errDumpsDisabled is returned when the dump store is turned off.
var errDumpsDisabled = errors.New("dump store disabled (set dump.enabled or NFC_DUMP_ENABLED)")

func newDumpCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Inspect post-mortem dumps",
	}

	listCmd := &cobra.Command{
		Use:   "list [run-id]",
		Short: "List stored dumps, optionally for one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return withDumps(cmd, g, func(st *dump.Store) error {
				keys, err := st.List(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show <run-id>/<kind>",
		Short: "Show one dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDumps(cmd, g, func(st *dump.Store) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeRecord(cmd.OutOrStdout(), rec, format)
			})
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", report.FormatText, "output format (text, json)")

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// withDumps opens the configured dump store for the duration of fn.
func withDumps(cmd *cobra.Command, g *globalFlags, fn func(*dump.Store) error) error {
	s, err := g.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()
	if !s.cfg.Dump.Enabled {
		return errDumpsDisabled
	}
	st, closeDumps, err := s.openDumps()
	if err != nil {
		return err
	}
	defer closeDumps()
	return fn(st)
}

// writeRecord prints a dump as JSON or as a readable summary.
func writeRecord(w io.Writer, rec *dump.Record, format string) error {
	switch format {
	case report.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case report.FormatText:
	default:
		return fmt.Errorf("%w: %q", report.ErrUnknownFormat, format)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "dump %s/%s\n", rec.RunID, rec.Kind)
	fmt.Fprintf(&sb, "  created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "  plan:    #%d (hash %s)\n", rec.PlanID, rec.PlanHash)
	if len(rec.Frontier) > 0 {
		sb.WriteString("  frontier:\n")
		for _, fr := range rec.Frontier {
			fmt.Fprintf(&sb, "    - [%s] node %d %s", fr.Target, fr.Next, fr.Node)
			if fr.RecircDepth > 0 {
				fmt.Fprintf(&sb, " (recirculation %d)", fr.RecircDepth)
			}
			sb.WriteString("\n")
		}
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if rec.Plan == nil {
		return nil
	}
	fmt.Fprintln(w)
	return report.Write(w, rec.Plan, report.FormatText, logging.IsTerminal(w))
}
