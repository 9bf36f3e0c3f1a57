/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package analyzer implements the constant-tracking dataflow analysis
// of §4.3: a flat-lattice abstract interpretation over a method's
// control-flow graph producing, for every instruction, a Frame of
// ConstantValue stack entries and local-variable bindings.
package analyzer

import "github.com/jacobin-tools/classdeobf/ir"

// Kind selects which field of a ConstantValue holds the payload,
// mirroring the teacher's CpType/RetType discriminated-union pattern
// in classloader/CPutils.go.
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindString
	KindType
	KindMethodHandle
	KindNull
)

// ConstantValue is the analyzer's lattice element: Unknown, or
// Known(v) for exactly one v. Equality ignores size differences that
// arise from widening, per §3.
type ConstantValue struct {
	Known bool
	Kind  Kind
	I     int64   // KindInt/KindLong
	F     float64 // KindFloat/KindDouble
	S     string     // KindString/KindType (internal name)
	H     *ir.Handle // KindMethodHandle
}

// Unknown is the bottom-of-information lattice element.
var Unknown = ConstantValue{}

func KnownInt(v int64) ConstantValue    { return ConstantValue{Known: true, Kind: KindInt, I: v} }
func KnownLong(v int64) ConstantValue   { return ConstantValue{Known: true, Kind: KindLong, I: v} }
func KnownFloat(v float64) ConstantValue  { return ConstantValue{Known: true, Kind: KindFloat, F: v} }
func KnownDouble(v float64) ConstantValue { return ConstantValue{Known: true, Kind: KindDouble, F: v} }
func KnownString(v string) ConstantValue  { return ConstantValue{Known: true, Kind: KindString, S: v} }
func KnownType(v string) ConstantValue    { return ConstantValue{Known: true, Kind: KindType, S: v} }
func KnownNull() ConstantValue            { return ConstantValue{Known: true, Kind: KindNull} }
func KnownHandle(h ir.Handle) ConstantValue { return ConstantValue{Known: true, Kind: KindMethodHandle, H: &h} }

// Size returns the stack-slot width (1 or 2) of v, used when harvesting
// operands for a ZKM bootstrap call (§4.5 step 5b).
func (v ConstantValue) Size() int {
	if v.Kind == KindLong || v.Kind == KindDouble {
		return 2
	}
	return 1
}

// Equal compares two values, ignoring nothing else but size widening
// per §3 ("Equality ignores size differences that arise from
// widening" — in this representation size is derived from Kind, so
// equality is simply structural equality of Known/Kind/payload).
func (v ConstantValue) Equal(o ConstantValue) bool {
	if v.Known != o.Known {
		return false
	}
	if !v.Known {
		return true // both Unknown
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt, KindLong:
		return v.I == o.I
	case KindFloat, KindDouble:
		return v.F == o.F
	case KindString, KindType:
		return v.S == o.S
	case KindNull:
		return true
	case KindMethodHandle:
		if v.H == nil || o.H == nil {
			return v.H == o.H
		}
		return *v.H == *o.H
	}
	return false
}

// Join is the lattice join: equal Known values join to themselves,
// anything else (including two distinct Known values) joins to
// Unknown, per §3/invariant 3 ("widening any Known input to Unknown
// never produces a Known output where none existed").
func Join(a, b ConstantValue) ConstantValue {
	if a.Equal(b) {
		return a
	}
	return Unknown
}
