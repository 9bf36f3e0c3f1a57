/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package universe holds the class universe (U): the mutable,
// in-memory set of classes a pipeline run operates on. It is the only
// shared mutable state in the core (§5) — passes borrow classes from
// it, mutate them in place, and record failures against them.
package universe

import (
	"github.com/pkg/errors"
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/jacobin-tools/classdeobf/ir"
)

// Class wraps a parsed ClassNode with provenance and the failures any
// pass recorded while touching it, per §3's Class record.
type Class struct {
	Node     *ir.ClassNode
	Origin   string // original archive entry name, if any
	Failures []Failure
}

// Failure is one per-class failure recorded during a pass, per §7's
// "Malformed instruction" / "Pass exception" policies: the pipeline
// never halts, it records and continues.
type Failure struct {
	Pass  string
	Cause error
}

// AddFailure wraps cause with a stack trace (via github.com/pkg/errors)
// so verbose trace output can show where in the pass the failure
// originated, without changing the error's identity for errors.Is/As.
func (c *Class) AddFailure(passID string, cause error) {
	c.Failures = append(c.Failures, Failure{Pass: passID, Cause: errors.WithStack(cause)})
}

// Universe is the name→Class map, modeled on the teacher's
// Classes/MethArea map-of-classes in classloader/classloader.go,
// generalized from a package-level global to an instance so tests and
// independent pipeline runs don't share state. The RWMutex guard
// mirrors the teacher's ClassesLock, swapped for go-deadlock's
// drop-in replacement so a reentrant-lock bug surfaces as a loud
// panic in development instead of a silent hang.
type Universe struct {
	mu      deadlock.RWMutex
	classes map[string]*Class
}

// New creates an empty universe.
func New() *Universe {
	return &Universe{classes: make(map[string]*Class)}
}

// Put inserts or replaces the class named name.
func (u *Universe) Put(name string, c *Class) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.classes[name] = c
}

// Get returns the class named name, or nil if absent.
func (u *Universe) Get(name string) *Class {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.classes[name]
}

// Delete removes the class named name.
func (u *Universe) Delete(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.classes, name)
}

// Len returns the number of classes currently in the universe.
func (u *Universe) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.classes)
}

// Names returns a stable snapshot of the current key set. Passes that
// mutate U while iterating must snapshot first, per §5's "iteration
// must be over a stable snapshot of key set if the pass mutates U."
func (u *Universe) Names() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	names := make([]string, 0, len(u.classes))
	for n := range u.classes {
		names = append(names, n)
	}
	return names
}

// Each calls fn for every class in a stable snapshot order. fn must not
// mutate the universe directly (use Put/Delete after the walk, or
// snapshot Names() first, as UnusedClassRemover does).
func (u *Universe) Each(fn func(name string, c *Class)) {
	for _, n := range u.Names() {
		if c := u.Get(n); c != nil {
			fn(n, c)
		}
	}
}

// ReferenceHandler resolves class names not present in U, per §6's
// collaborator interface. Implementations typically look into a
// broader universe (e.g. a full archive) or return absent.
type ReferenceHandler interface {
	TryClassLoad(name string) (*ir.ClassNode, bool)
}

// FromUniverse adapts a Universe itself into a ReferenceHandler,
// letting the sandbox and analyzer resolve names already present in U
// without a separate adapter type at every call site.
type FromUniverse struct{ U *Universe }

func (f FromUniverse) TryClassLoad(name string) (*ir.ClassNode, bool) {
	c := f.U.Get(name)
	if c == nil {
		return nil, false
	}
	return c.Node, true
}
