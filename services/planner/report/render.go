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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/nfcompile/services/planner/ep"
)

// ErrUnknownFormat is returned by Write for an unsupported format.
var ErrUnknownFormat = errors.New("unknown report format")

// Output formats accepted by Write.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Palette, deep ocean teals.
var (
	colorTealBright  = lipgloss.Color("#2CD7C7")
	colorTealPrimary = lipgloss.Color("#20B9B4")
	colorTealDeep    = lipgloss.Color("#16858E")
	colorSlate       = lipgloss.Color("#2C4A54")
	colorWarning     = lipgloss.Color("#F4D03F")
)

// theme holds the styles of one rendering. The plain theme leaves text
// untouched so output piped to files stays greppable.
type theme struct {
	title  lipgloss.Style
	label  lipgloss.Style
	value  lipgloss.Style
	muted  lipgloss.Style
	target map[ep.TargetType]lipgloss.Style
	box    lipgloss.Style
}

func newTheme(color bool) theme {
	if !color {
		plain := lipgloss.NewStyle()
		return theme{title: plain, label: plain, value: plain, muted: plain, box: plain,
			target: map[ep.TargetType]lipgloss.Style{}}
	}
	return theme{
		title: lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
		label: lipgloss.NewStyle().Foreground(colorTealPrimary),
		value: lipgloss.NewStyle().Bold(true),
		muted: lipgloss.NewStyle().Foreground(colorSlate),
		target: map[ep.TargetType]lipgloss.Style{
			ep.TargetTofino:     lipgloss.NewStyle().Foreground(colorTealBright),
			ep.TargetController: lipgloss.NewStyle().Foreground(colorWarning),
			ep.TargetX86:        lipgloss.NewStyle().Foreground(colorTealPrimary),
		},
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorTealDeep).
			Padding(0, 1),
	}
}

func (t theme) targetStyle(tt ep.TargetType) lipgloss.Style {
	if s, ok := t.target[tt]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// Write encodes doc in the given format. color only affects text.
func Write(w io.Writer, doc *Document, format string, color bool) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		_, err := io.WriteString(w, RenderText(doc, color))
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// RenderText renders the human readable report.
func RenderText(doc *Document, color bool) string {
	t := newTheme(color)
	var sb strings.Builder

	title := "Execution plan"
	if doc.RunID != "" {
		title += " " + doc.RunID
	}
	sb.WriteString(t.box.Render(t.title.Render(title) + "\n" + summary(t, doc)))
	sb.WriteString("\n")

	if len(doc.Placements) > 0 {
		sb.WriteString("\n" + t.title.Render("Pipeline") + "\n")
		for _, p := range doc.Placements {
			stages := fmt.Sprintf("stage %d", p.FirstStage)
			if p.LastStage != p.FirstStage {
				stages = fmt.Sprintf("stages %d-%d", p.FirstStage, p.LastStage)
			}
			fmt.Fprintf(&sb, "  %-24s %s %s\n", p.Structure, t.value.Render(stages), t.muted.Render("("+p.Method+")"))
		}
	}

	sb.WriteString("\n" + t.title.Render("Plan") + "\n")
	if doc.Plan == nil {
		sb.WriteString(t.muted.Render("  (empty)") + "\n")
		return sb.String()
	}
	renderNode(&sb, t, doc.Plan, "", true)
	return sb.String()
}

func summary(t theme, doc *Document) string {
	line := func(label, value string) string {
		return t.label.Render(fmt.Sprintf("%-11s", label)) + " " + value + "\n"
	}
	var sb strings.Builder
	sb.WriteString(line("throughput", t.value.Render(
		fmt.Sprintf("%s (%s)", humanRate(doc.Throughput.PPS, "pps"), humanRate(doc.Throughput.BPS, "bps")))))

	targets := make([]ep.TargetType, 0, len(doc.Modules))
	for tt := range doc.Modules {
		targets = append(targets, tt)
	}
	slices.Sort(targets)
	counts := make([]string, len(targets))
	for i, tt := range targets {
		counts[i] = fmt.Sprintf("%s=%d", t.targetStyle(tt).Render(string(tt)), doc.Modules[tt])
	}
	sb.WriteString(line("modules", strings.Join(counts, " ")))
	sb.WriteString(line("traffic", fmt.Sprintf("controller %.1f%%  drop %.1f%%  broadcast %.1f%%",
		100*doc.Traffic.Controller, 100*doc.Traffic.Drop, 100*doc.Traffic.Broadcast)))

	if s := doc.Search; s != nil {
		sb.WriteString(line("search", fmt.Sprintf("%s, %d iterations, %d finished, %d dead ends, %d backtracks, stopped: %s",
			doc.Heuristic, s.Iterations, s.Finished, s.DeadEnds, s.Backtracks, s.StoppedBy)))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func renderNode(sb *strings.Builder, t theme, n *Node, prefix string, last bool) {
	branch := "├── "
	if last {
		branch = "└── "
	}
	tag := t.targetStyle(n.Target).Render("[" + string(n.Target) + "]")
	fmt.Fprintf(sb, "%s%s%s %s %s\n", prefix, branch, tag, n.Detail, t.muted.Render(fmt.Sprintf("#%d", n.BDDNode)))

	childPrefix := prefix + "│   "
	if last {
		childPrefix = prefix + "    "
	}
	for i, c := range n.Children {
		renderNode(sb, t, c, childPrefix, i == len(n.Children)-1)
	}
}

// humanRate formats v with a metric prefix.
func humanRate(v float64, unit string) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("%.2f T%s", v/1e12, unit)
	case v >= 1e9:
		return fmt.Sprintf("%.2f G%s", v/1e9, unit)
	case v >= 1e6:
		return fmt.Sprintf("%.2f M%s", v/1e6, unit)
	case v >= 1e3:
		return fmt.Sprintf("%.2f K%s", v/1e3, unit)
	default:
		return fmt.Sprintf("%.0f %s", v, unit)
	}
}
