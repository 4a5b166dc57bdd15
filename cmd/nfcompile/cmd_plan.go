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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/services/planner/api"
	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/report"
	"github.com/AleutianAI/nfcompile/services/planner/search"
)

// Color modes for --color.
const (
	colorAuto   = "auto"
	colorAlways = "always"
	colorNever  = "never"
)

type planFlags struct {
	heuristics    []string
	format        string
	output        string
	color         string
	seed          uint64
	maxIterations int
	timeLimit     time.Duration
	dump          bool
	showSpace     bool
}

func newPlanCmd(g *globalFlags) *cobra.Command {
	f := &planFlags{}
	cmd := &cobra.Command{
		Use:   "plan <graph.json|->",
		Short: "Select the execution plan of a behavior graph",
		Long: `Plan reads a behavior graph document (JSON, "-" for stdin) and runs one
search per heuristic. The plan with the highest estimated throughput is
written to stdout or --output.

Exit codes: 0 plan found, 2 dead end, 3 stopped before any plan finished.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, g, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVar(&f.heuristics, "heuristic", nil, "heuristic to run; repeat for a portfolio (default from config)")
	fl.StringVarP(&f.format, "format", "f", report.FormatText, "output format (text, json, yaml)")
	fl.StringVarP(&f.output, "output", "o", "", "write the report to a file instead of stdout")
	fl.StringVar(&f.color, "color", colorAuto, "colorize text output (auto, always, never)")
	fl.Uint64Var(&f.seed, "seed", 0, "seed for randomized heuristics")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "stop each search after N expansions")
	fl.DurationVar(&f.timeLimit, "time-limit", 0, "stop each search after this long")
	fl.BoolVar(&f.dump, "dump", false, "store post-mortem dumps of the runs")
	fl.BoolVar(&f.showSpace, "space", false, "print the search space of the selected run to stderr")
	return cmd
}

func runPlan(cmd *cobra.Command, g *globalFlags, f *planFlags, path string) error {
	switch f.color {
	case colorAuto, colorAlways, colorNever:
	default:
		return fmt.Errorf("invalid --color %q", f.color)
	}
	switch f.format {
	case report.FormatText, report.FormatJSON, report.FormatYAML:
	default:
		return fmt.Errorf("%w: %q", report.ErrUnknownFormat, f.format)
	}

	doc, err := readGraph(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	s, err := g.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()
	if f.dump {
		s.cfg.Dump.Enabled = true
		s.cfg.Search.DumpOnSuccess = true
	}

	dumps, closeDumps, err := s.openDumps()
	if err != nil {
		return err
	}
	defer closeDumps()

	svcOpts := []api.ServiceOption{api.WithLogger(s.logger.Slog())}
	if dumps != nil {
		svcOpts = append(svcOpts, api.WithDumper(dumps))
	}
	svc, err := api.NewService(s.cfg, svcOpts...)
	if err != nil {
		return err
	}

	opts := api.PlanOptions{Heuristics: f.heuristics}
	if cmd.Flags().Changed("seed") {
		opts.Seed = &f.seed
	}
	if cmd.Flags().Changed("max-iterations") || cmd.Flags().Changed("time-limit") {
		b := s.cfg.Search.Budget
		if cmd.Flags().Changed("max-iterations") {
			b.MaxIterations = f.maxIterations
		}
		if cmd.Flags().Changed("time-limit") {
			b.TimeLimit = f.timeLimit
		}
		opts.Budget = &b
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := svc.Plan(ctx, doc, opts)
	if err != nil {
		printFailure(cmd.ErrOrStderr(), err, out)
		return exitFor(err)
	}

	if f.showSpace && out.Portfolio.Best.Space != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), out.Portfolio.Best.Space.Format())
	}
	return writeReport(cmd.OutOrStdout(), f, out)
}

// readGraph decodes a behavior graph document from a file or stdin.
func readGraph(stdin io.Reader, path string) (*bdd.Document, error) {
	var r io.Reader = stdin
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open graph: %w", err)
		}
		defer fh.Close()
		r = fh
	}
	var doc bdd.Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	return &doc, nil
}

// writeReport encodes the selected plan. Text reports of a portfolio end
// with one line per run.
func writeReport(stdout io.Writer, f *planFlags, out *api.Outcome) (err error) {
	w := stdout
	if f.output != "" {
		fh, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			if cerr := fh.Close(); err == nil {
				err = cerr
			}
		}()
		w = fh
	}

	color := f.color == colorAlways || (f.color == colorAuto && f.output == "" && logging.IsTerminal(stdout))
	if err := report.Write(w, out.Report, f.format, color); err != nil {
		return err
	}
	if f.format == report.FormatText && len(out.Portfolio.Runs) > 1 {
		fmt.Fprintln(w)
		fmt.Fprint(w, formatRuns(out.Portfolio))
	}
	return nil
}

// formatRuns renders one line per portfolio run, marking the selected one.
func formatRuns(pf *search.PortfolioResult) string {
	var sb strings.Builder
	sb.WriteString("runs:\n")
	for i, r := range pf.Runs {
		if r == nil {
			msg := "failed"
			if i < len(pf.Errors) && pf.Errors[i] != nil {
				msg = pf.Errors[i].Error()
			}
			fmt.Fprintf(&sb, "  %d. %s\n", i+1, msg)
			continue
		}
		mark := ""
		if r == pf.Best {
			mark = " *"
		}
		tput := 0.0
		if r.Plan != nil {
			tput = r.Plan.EstimateTputPPS()
		}
		fmt.Fprintf(&sb, "  %d. %-16s %.4g pps  iterations=%d stopped=%s%s\n",
			i+1, r.Heuristic, tput, r.Iterations, r.StoppedBy, mark)
	}
	return sb.String()
}

// printFailure explains a failed search on stderr.
func printFailure(w io.Writer, err error, out *api.Outcome) {
	var de *search.DeadEndError
	switch {
	case errors.As(err, &de):
		fmt.Fprintf(w, "dead end on %s: node %d (%s)\n", de.Target, de.Node, de.Description)
		if len(de.Decisions) > 0 {
			fmt.Fprintf(w, "decisions before the dead end:\n")
			for i, d := range de.Decisions {
				fmt.Fprintf(w, "  %d. %s\n", i+1, d)
			}
		}
		if de.DumpKey != "" {
			fmt.Fprintf(w, "dump: %s\n", de.DumpKey)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(w, "search interrupted before any plan finished")
	}
	if out != nil && out.Portfolio != nil && len(out.Portfolio.Runs) > 1 {
		fmt.Fprint(w, formatRuns(out.Portfolio))
	}
}
