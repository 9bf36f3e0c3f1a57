/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package generic

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/sandbox"
	"github.com/jacobin-tools/classdeobf/trace"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("generic.stringer-string-decryptor", func() pass.Pass { return &stringerDecryptor{} })
}

// stringerDecryptor recognizes Stringer's shape: a single public
// static method (I)Ljava/lang/String; that indexes into a precomputed
// table built by <clinit>, called immediately after LDC <index>.
type stringerDecryptor struct{}

func (stringerDecryptor) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "generic.stringer-string-decryptor",
		Description: "Resolves Stringer-shaped LDC <index>;INVOKESTATIC (I)String table lookups.",
		Tags:        []string{"BETTER_DEOBFUSCATE"},
	}
}

func (stringerDecryptor) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		target := findStringerLookupMethod(c.Node)
		if target == nil {
			continue
		}

		vm := sandbox.ConstructVM(universe.FromUniverse{U: u})
		vm.ExplicitlyPreload(c.Node)
		if c.Node.Method("<clinit>", "()V") != nil {
			if err := vm.RunClinit(c.Node.Name, "<clinit>"); err != nil {
				if sandbox.ClassifyOutcome(err) == sandbox.OutcomeOtherFailure {
					c.AddFailure("generic.stringer-string-decryptor", err)
					continue
				}
			}
		}

		for _, m := range c.Node.Methods {
			if resolveStringerCalls(m, c.Node.Name, target, vm) {
				changed = true
			}
		}
	}

	return changed, nil
}

// findStringerLookupMethod requires the candidate to be the class's
// sole public static (I)Ljava/lang/String; method, so an unrelated
// helper with a coincidentally matching descriptor isn't mistaken for
// the decryption table lookup.
func findStringerLookupMethod(c *ir.ClassNode) *ir.MethodNode {
	var found *ir.MethodNode
	count := 0
	for _, m := range c.Methods {
		if m.IsStatic() && m.Access&ir.AccPublic != 0 && m.Desc == "(I)Ljava/lang/String;" {
			found = m
			count++
		}
	}
	if count == 1 {
		return found
	}
	return nil
}

func resolveStringerCalls(m *ir.MethodNode, owner string, target *ir.MethodNode, vm *sandbox.VM) bool {
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
		if !ok || ldc.Kind != ir.LdcInt {
			continue
		}

		result, err := vm.InvokeStatic(owner, target.Name, target.Desc, []interface{}{int32(ldc.IntVal)})
		if err != nil {
			trace.Warnf("generic: stringer lookup failed in %s.%s: %v", owner, m.Name, err)
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
