/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package pass is the pipeline framework of §4.1: an explicit,
// compile-time pass registry (no reflection-based discovery), the Pass
// capability interface every rewriting/analysis pass implements, and
// RunPipeline, which drives a selection of passes over a universe
// without ever halting on a single pass's failure.
package pass

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/segmentio/ksuid"

	"github.com/jacobin-tools/classdeobf/trace"
	"github.com/jacobin-tools/classdeobf/universe"
)

// Metadata describes a registered pass for catalog/report purposes.
// DisplayName may be left empty; RunPipeline derives one from the
// pass's Go type name in that case.
type Metadata struct {
	ID          string
	DisplayName string
	Description string
	Tags        []string
}

// Pass is the capability every rewriting or analysis pass implements,
// per §3's Pass record and §4.1's execute contract. Execute reports
// whether it changed anything in u; per-class failures are recorded
// directly on the affected universe.Class via AddFailure rather than
// returned, so one broken class never aborts the rest of the universe.
// A non-nil returned error is reserved for a pipeline-level failure
// (the pass itself is broken, not a single input class).
type Pass interface {
	Metadata() Metadata
	Execute(u *universe.Universe, verbose bool) (changed bool, err error)
}

type ctor func() Pass

var (
	registry = map[string]ctor{}
	order    []string
)

// Register adds a pass constructor to the process-wide registry, per
// the Go realization of §4.1 that replaces reflection-based discovery
// with an explicit table. Pass packages call this from their own
// init(), mirroring the teacher's Load_X()-populates-MethodSignatures
// convention. Constructors are zero-arg, per spec.md's "zero-arg
// constructors" requirement, and are invoked fresh for every pipeline
// run so no state leaks across runs.
func Register(id string, c ctor) {
	if _, exists := registry[id]; exists {
		panic("pass: duplicate registration for id " + id)
	}
	registry[id] = c
	order = append(order, id)
}

// ListPasses returns the metadata for every registered pass, in
// registration order, for catalog/CLI presentation.
func ListPasses() []Metadata {
	out := make([]Metadata, 0, len(order))
	for _, id := range order {
		out = append(out, resolveMetadata(id, registry[id]()))
	}
	return out
}

func resolveMetadata(id string, p Pass) Metadata {
	md := p.Metadata()
	if md.ID == "" {
		md.ID = id
	}
	if md.DisplayName == "" {
		md.DisplayName = deriveDisplayName(p)
	}
	return md
}

// deriveDisplayName turns a pass's registered Go type name into a
// human-readable label via strcase.ToDelimited, e.g.
// "trivialMethodInliner" -> "Trivial Method Inliner".
func deriveDisplayName(p Pass) string {
	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	delimited := strcase.ToDelimited(t.Name(), ' ')
	words := strings.Fields(delimited)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Outcome is one pass's result within a pipeline run.
type Outcome struct {
	ID          string
	DisplayName string
	Changed     bool
	Err         error
	Duration    time.Duration
}

// Summary is the lightweight, core-owned result of RunPipeline; the
// ambient report package turns this (plus the universe it ran over)
// into a rendered, colorized run report.
type Summary struct {
	RunID    string
	Outcomes []Outcome
}

// RunPipeline executes the passes named by selection, in order,
// against u. ctx is checked for cancellation between passes, per §5's
// "cooperative cancellation via a caller-provided token" — the
// idiomatic Go realization is context.Context. A pipeline always
// completes: an unknown pass id or pass-level panic is recorded as
// that pass's Outcome.Err and the run proceeds to the next pass, per
// §7's "pipeline always completes" invariant.
func RunPipeline(ctx context.Context, u *universe.Universe, selection []string, verbose bool) (*Summary, error) {
	sum := &Summary{RunID: ksuid.New().String()}
	for _, id := range selection {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		c, ok := registry[id]
		if !ok {
			sum.Outcomes = append(sum.Outcomes, Outcome{ID: id, DisplayName: id, Err: fmt.Errorf("pass: unknown pass id %q", id)})
			continue
		}

		p := c()
		md := resolveMetadata(id, p)
		trace.Tracef("[%s] running pass %s", sum.RunID, md.DisplayName)

		start := time.Now()
		changed, err := runGuarded(p, u, verbose)
		elapsed := time.Since(start)

		if err != nil {
			trace.Warnf("[%s] pass %s returned a pipeline-level error: %v", sum.RunID, md.DisplayName, err)
		}
		sum.Outcomes = append(sum.Outcomes, Outcome{
			ID: md.ID, DisplayName: md.DisplayName, Changed: changed, Err: err, Duration: elapsed,
		})
	}
	return sum, nil
}

// runGuarded recovers a panicking pass into an error so one
// catastrophically broken pass cannot take the whole pipeline down.
func runGuarded(p Pass, u *universe.Universe, verbose bool) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass: panic: %v", r)
		}
	}()
	return p.Execute(u, verbose)
}
