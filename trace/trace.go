/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package trace is the leveled logger every other package calls into,
// imitating the call-site shape of the teacher's trace.Trace/trace.Error
// (classloader/classloader.go) and its globals.TraceClass-style boolean
// gates, since the teacher's own trace package implementation wasn't
// part of the retrieved slice.
package trace

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/petermattis/goid"
)

// Verbose gates Trace-level output; Error and Warn always print. This
// mirrors the teacher's pattern of a single verbosity knob threaded
// through from the CLI down into individual passes' execute(U, verbose).
var Verbose = false

var mu sync.Mutex

var (
	traceColor = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed, color.Bold)
)

// Trace logs a diagnostic line, visible only when Verbose is set. The
// goroutine id prefix (via github.com/petermattis/goid) is a cheap
// assertion aid: the core guarantees a single-threaded pipeline (§5),
// so every Trace call during a pipeline run should show the same id.
func Trace(msg string) {
	if !Verbose {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	traceColor.Fprintf(os.Stderr, "[trace g%d] %s\n", goid.Get(), msg)
}

// Tracef is Trace with fmt.Sprintf formatting.
func Tracef(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	Trace(fmt.Sprintf(format, args...))
}

// Warn logs a recoverable condition (e.g. a stubbed sandbox link
// failure) regardless of Verbose.
func Warn(msg string) {
	mu.Lock()
	defer mu.Unlock()
	warnColor.Fprintf(os.Stderr, "[warn] %s\n", msg)
}

func Warnf(format string, args ...interface{}) {
	Warn(fmt.Sprintf(format, args...))
}

// Error logs a failure (e.g. a per-class failure about to be recorded
// into universe.Class.Failures).
func Error(msg string) {
	mu.Lock()
	defer mu.Unlock()
	errColor.Fprintf(os.Stderr, "[error] %s\n", msg)
}

func Errorf(format string, args ...interface{}) {
	Error(fmt.Sprintf(format, args...))
}
