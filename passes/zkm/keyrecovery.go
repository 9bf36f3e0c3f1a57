/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/sandbox"
)

// backwardSearchWindow bounds how far recoverKey looks behind a call
// site before giving up on the local pattern and falling back to a
// static-field read, keeping the search a local, cheap heuristic
// rather than a full dataflow pass (the analyzer already covers that
// ground for the bitwise simplifier).
const backwardSearchWindow = 8

// recoverKey implements §4.5 step 5a: scan the window preceding
// callIdx in program order for a GETSTATIC J ; LDC J ; LXOR pattern;
// if nothing local is found, read the key from the proxy's sole
// static long field via the VM.
func recoverKey(m *ir.MethodNode, callIdx int, vm *sandbox.VM, proxy *ir.ClassNode) (int64, bool) {
	proxyOwner := proxy.Name
	lo := callIdx - backwardSearchWindow
	if lo < 0 {
		lo = 0
	}

	var fieldVal, ldcVal int64
	var haveField, haveLdc, haveXor bool
	var plainLong int64
	var havePlainLong bool

	// Forward order matters: GETSTATIC/LDC must be seen before the
	// LXOR that combines them, per spec.md's GETSTATIC J ; LDC J ;
	// LXOR idiom.
	for i := lo; i < callIdx; i++ {
		switch v := m.Instrs[i].(type) {
		case *ir.FieldInsn:
			if v.Op == ir.OpGetStatic && v.Desc == "J" {
				if val, ok := vm.StaticField(proxyOwner, v.Name); ok {
					if n, ok := toInt64(val); ok {
						fieldVal = n
						haveField = true
					}
				}
			}
		case *ir.LdcInsn:
			if v.Kind == ir.LdcLong {
				ldcVal = v.IntVal
				haveLdc = true
				if !havePlainLong {
					plainLong = v.IntVal
					havePlainLong = true
				}
			}
		case *ir.Insn:
			if v.Op == ir.OpLXor && haveField && haveLdc {
				haveXor = true
			}
		}
	}

	if haveXor {
		return fieldVal ^ ldcVal, true
	}
	if haveField {
		return fieldVal, true
	}
	if havePlainLong {
		return plainLong, true
	}

	// Fall through to a direct static-field read, per step 5a's second
	// clause: if the class declares exactly one static long field, it
	// is unambiguously the key (ZKM-generated classes never carry more
	// than one live key field per dynamic-invoke family).
	var sole string
	count := 0
	for _, f := range proxy.Fields {
		if f.IsStatic() && f.Desc == "J" {
			sole = f.Name
			count++
		}
	}
	if count == 1 {
		if val, ok := vm.StaticField(proxyOwner, sole); ok {
			if n, ok := toInt64(val); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	}
	return 0, false
}
