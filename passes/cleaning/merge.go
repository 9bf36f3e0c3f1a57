/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import "github.com/jacobin-tools/classdeobf/ir"

// mergeStaticInitializers implements §4.4.2a: when a class carries more
// than one "<clinit> ()V" (a manipulation artifact), splice every
// secondary initializer's body into the first, each under its own
// label remap so internal jumps stay correct, and drop the secondaries.
// A no-op when the class already satisfies the single-clinit invariant.
func mergeStaticInitializers(c *ir.ClassNode) {
	clinits := c.ClinitMethods()
	if len(clinits) <= 1 {
		return
	}
	primary := clinits[0]

	var tail ir.Instruction
	if n := len(primary.Instrs); n > 0 {
		if insn, ok := primary.Instrs[n-1].(*ir.Insn); ok && insn.Op == ir.OpReturn {
			tail = insn
			primary.Instrs = primary.Instrs[:n-1]
		}
	}

	for _, sec := range clinits[1:] {
		remap := map[*ir.Label]*ir.Label{}
		for i, ins := range sec.Instrs {
			if i == len(sec.Instrs)-1 {
				if insn, ok := ins.(*ir.Insn); ok && insn.Op == ir.OpReturn {
					continue
				}
			}
			primary.Instrs = append(primary.Instrs, ins.Clone(remap))
		}
		for _, tc := range sec.TryCatch {
			primary.TryCatch = append(primary.TryCatch, tc.Clone(remap))
		}
		for _, lv := range sec.LocalVars {
			primary.LocalVars = append(primary.LocalVars, lv.Clone(remap, 0))
		}
		if sec.MaxStack > primary.MaxStack {
			primary.MaxStack = sec.MaxStack
		}
		if sec.MaxLocals > primary.MaxLocals {
			primary.MaxLocals = sec.MaxLocals
		}
	}
	if tail != nil {
		primary.Instrs = append(primary.Instrs, tail)
	}

	toDrop := make(map[*ir.MethodNode]bool, len(clinits)-1)
	for _, sec := range clinits[1:] {
		toDrop[sec] = true
	}
	kept := c.Methods[:0]
	for _, m := range c.Methods {
		if !toDrop[m] {
			kept = append(kept, m)
		}
	}
	c.Methods = kept
}
