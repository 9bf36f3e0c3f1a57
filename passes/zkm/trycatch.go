/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package zkm implements the ZKM obfuscator family's vendor-specific
// passes: reference and string decryption (§4.5) and the fake
// try/catch remover (§4.6).
package zkm

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("zkm.fake-trycatch-remover", func() pass.Pass { return &fakeTryCatchRemover{} })
}

// fakeTryCatchRemover implements §4.6: a handler whose body opens with
// ATHROW, or INVOKESTATIC immediately followed by ATHROW, never
// actually runs under legitimate control flow — it exists only to
// confuse decompilers — and is removed.
type fakeTryCatchRemover struct{}

func (fakeTryCatchRemover) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "zkm.fake-trycatch-remover",
		Description: "Removes ZKM-style exception handlers that open with an unconditional throw.",
		Tags:        []string{"BETTER_DECOMPILE", "SHRINK"},
	}
}

func (fakeTryCatchRemover) Execute(u *universe.Universe, verbose bool) (bool, error) {
	removed := 0

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		for _, m := range c.Node.Methods {
			removed += removeFakeHandlers(m)
		}
	}

	return removed > 0, nil
}

func removeFakeHandlers(m *ir.MethodNode) int {
	var kept []*ir.TryCatch
	removed := 0

	for _, tc := range m.TryCatch {
		if isFakeHandler(m, tc) {
			removed++
			continue
		}
		kept = append(kept, tc)
	}

	m.TryCatch = kept
	return removed
}

// isFakeHandler walks forward from the handler label, skipping
// pseudo-nodes, and checks for ATHROW or INVOKESTATIC;ATHROW.
func isFakeHandler(m *ir.MethodNode, tc *ir.TryCatch) bool {
	pos := m.LabelAt(tc.Handler)
	if pos < 0 {
		return false
	}

	idx := pos + 1
	first := nextReal(m, &idx)
	if first == nil {
		return false
	}
	if insn, ok := first.(*ir.Insn); ok && insn.Op == ir.OpAThrow {
		return true
	}
	if mi, ok := first.(*ir.MethodInsn); ok && mi.Op == ir.OpInvokeStatic {
		second := nextReal(m, &idx)
		if insn, ok := second.(*ir.Insn); ok && insn.Op == ir.OpAThrow {
			return true
		}
	}
	return false
}

// nextReal advances *idx past pseudo-nodes (labels, line numbers,
// frames) and returns the next real instruction, or nil at method end.
func nextReal(m *ir.MethodNode, idx *int) ir.Instruction {
	for *idx < len(m.Instrs) {
		ins := m.Instrs[*idx]
		*idx++
		switch ins.(type) {
		case *ir.LabelInsn, *ir.LineInsn, *ir.FrameInsn:
			continue
		default:
			return ins
		}
	}
	return nil
}
