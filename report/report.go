/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package report renders a pass.Summary plus the universe it ran over
// into a human-facing pipeline run report: per-pass change/failure
// counters and the set of classes that recorded a failure, colorized
// the way a CLI would present it. Nothing here feeds back into the
// core — report is purely an ambient presentation layer over pass and
// universe's own data.
package report

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/universe"
)

// ClassOutcome is one class that recorded at least one pass failure
// during the run.
type ClassOutcome struct {
	Name         string
	FailureCount int
}

// Report is the rendered summary of one pipeline run.
type Report struct {
	RunID         string
	PassOutcomes  []pass.Outcome
	Classes       []ClassOutcome
	TotalClasses  int
	TotalFailures int
}

// Build walks u once to count per-class failures left by sum's run,
// per §4.1's "report/failure collection" line item.
func Build(sum *pass.Summary, u *universe.Universe) *Report {
	r := &Report{RunID: sum.RunID, PassOutcomes: sum.Outcomes}
	names := u.Names()
	r.TotalClasses = len(names)
	for _, n := range names {
		c := u.Get(n)
		if c == nil || len(c.Failures) == 0 {
			continue
		}
		r.Classes = append(r.Classes, ClassOutcome{Name: n, FailureCount: len(c.Failures)})
		r.TotalFailures += len(c.Failures)
	}
	return r
}

var (
	headerColor    = color.New(color.FgCyan, color.Bold)
	changedColor   = color.New(color.FgGreen)
	unchangedColor = color.New(color.FgHiBlack)
	failColor      = color.New(color.FgRed)
)

// String renders r the way cmd/classdeobf prints a run summary.
func (r *Report) String() string {
	var b strings.Builder
	headerColor.Fprintf(&b, "pipeline run %s — %d classes\n", r.RunID, r.TotalClasses)
	for _, o := range r.PassOutcomes {
		switch {
		case o.Err != nil:
			failColor.Fprintf(&b, "  %-32s ERROR: %v (%s)\n", o.DisplayName, o.Err, o.Duration)
		case o.Changed:
			changedColor.Fprintf(&b, "  %-32s changed   (%s)\n", o.DisplayName, o.Duration)
		default:
			unchangedColor.Fprintf(&b, "  %-32s unchanged (%s)\n", o.DisplayName, o.Duration)
		}
	}
	if r.TotalFailures > 0 {
		failColor.Fprintf(&b, "%d class(es) recorded failures:\n", len(r.Classes))
		for _, c := range r.Classes {
			fmt.Fprintf(&b, "  %s: %d failure(s)\n", c.Name, c.FailureCount)
		}
	}
	return b.String()
}
