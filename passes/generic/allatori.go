/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package generic implements lower-fidelity, vendor-shaped string
// decryptors for obfuscator families §1 names but does not fully
// specify: Allatori, Stringer, and DashO. Each recognizer degrades to
// "no change" when its shape doesn't match, rather than guessing.
package generic

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/sandbox"
	"github.com/jacobin-tools/classdeobf/trace"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("generic.allatori-string-decryptor", func() pass.Pass { return &allatoriDecryptor{} })
}

// allatoriDecryptor recognizes Allatori's shape: a synthesized static
// decrypt(String)String method, called immediately after an LDC of the
// scrambled literal. No invokedynamic, no key recovery.
type allatoriDecryptor struct{}

func (allatoriDecryptor) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "generic.allatori-string-decryptor",
		Description: "Resolves Allatori-shaped LDC;INVOKESTATIC decrypt(String)String call sites.",
		Tags:        []string{"BETTER_DEOBFUSCATE"},
	}
}

func (allatoriDecryptor) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		target := findAllatoriDecryptMethod(c.Node)
		if target == nil {
			continue
		}

		vm := sandbox.ConstructVM(universe.FromUniverse{U: u})
		vm.ExplicitlyPreload(c.Node)
		if c.Node.Method("<clinit>", "()V") != nil {
			if err := vm.RunClinit(c.Node.Name, "<clinit>"); err != nil {
				if sandbox.ClassifyOutcome(err) == sandbox.OutcomeOtherFailure {
					c.AddFailure("generic.allatori-string-decryptor", err)
					continue
				}
			}
		}

		for _, m := range c.Node.Methods {
			if resolveAllatoriCalls(m, c.Node.Name, target, vm) {
				changed = true
			}
		}
	}

	return changed, nil
}

func findAllatoriDecryptMethod(c *ir.ClassNode) *ir.MethodNode {
	m := c.Method("decrypt", "(Ljava/lang/String;)Ljava/lang/String;")
	if m != nil && m.IsStatic() {
		return m
	}
	return nil
}

func resolveAllatoriCalls(m *ir.MethodNode, owner string, target *ir.MethodNode, vm *sandbox.VM) bool {
	mod := ir.NewInstructionModifier(m)
	changed := false

	for i, ins := range m.Instrs {
		mi, ok := ins.(*ir.MethodInsn)
		if !ok || mi.Op != ir.OpInvokeStatic || mi.Owner != owner || mi.Name != target.Name || mi.Desc != target.Desc {
			continue
		}
		producers := precedingLdcProducers(m, i, 1)
		if producers == nil {
			continue
		}
		ldc, ok := producers[0].(*ir.LdcInsn)
		if !ok || ldc.Kind != ir.LdcString {
			continue
		}

		result, err := vm.InvokeStatic(owner, target.Name, target.Desc, []interface{}{ldc.Str})
		if err != nil {
			trace.Warnf("generic: allatori decrypt failed in %s.%s: %v", owner, m.Name, err)
			continue
		}
		plain, ok := result.(string)
		if !ok {
			continue
		}

		mod.Remove(ldc)
		mod.Replace(mi, &ir.LdcInsn{Kind: ir.LdcString, Str: plain})
		changed = true
	}

	if mod.Pending() {
		mod.Apply()
	}
	return changed
}

// precedingLdcProducers returns the n real instructions immediately
// preceding idx, skipping pseudo-nodes, shared by the Allatori and
// Stringer decryptors in this package.
func precedingLdcProducers(m *ir.MethodNode, idx, n int) []ir.Instruction {
	if n == 0 {
		return []ir.Instruction{}
	}
	var out []ir.Instruction
	for i := idx - 1; i >= 0 && len(out) < n; i-- {
		switch m.Instrs[i].(type) {
		case *ir.LabelInsn, *ir.LineInsn, *ir.FrameInsn:
			continue
		default:
			out = append([]ir.Instruction{m.Instrs[i]}, out...)
		}
	}
	if len(out) != n {
		return nil
	}
	return out
}
