/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"github.com/jacobin-tools/classdeobf/analyzer"
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/sandbox"
	"github.com/jacobin-tools/classdeobf/trace"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("zkm.des-decryptor", func() pass.Pass { return &desDecryptor{} })
}

// desDecryptor implements §4.5's two-phase ZKM deobfuscation: reference
// decryption, then string decryption, each driven by running the
// class's isolated static initializer under a fresh Sandbox VM.
type desDecryptor struct{}

func (desDecryptor) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "zkm.des-decryptor",
		Description: "Recovers ZKM-obfuscated dynamic-invoke member references and encrypted strings.",
		Tags:        []string{"BETTER_DEOBFUSCATE", "BETTER_DECOMPILE"},
	}
}

func (desDecryptor) Execute(u *universe.Universe, verbose bool) (bool, error) {
	anyChanged := false

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		if c.Node.Method("<clinit>", "()V") == nil {
			continue // step 1: no initializer, nothing to recover
		}

		proxy := buildProxyClass(c.Node)
		vm := sandbox.ConstructVM(universe.FromUniverse{U: u})
		vm.ExplicitlyPreload(proxy)
		err := vm.RunClinit(proxy.Name, "clinitProxy")

		switch sandbox.ClassifyOutcome(err) {
		case sandbox.OutcomeBadPadding:
			c.AddFailure("zkm.des-decryptor", err)
			continue
		case sandbox.OutcomeOtherFailure:
			c.AddFailure("zkm.des-decryptor", err)
			trace.Warnf("zkm: %s proxy init failed: %v", name, err)
			continue
		case sandbox.OutcomeNullDeref, sandbox.OutcomeOK:
			// expected artifact or clean run; proceed.
		}

		refCount, strCount := decryptClass(c.Node, proxy, vm)
		if refCount+strCount > 0 {
			anyChanged = true
			trace.Tracef("zkm: %s: %d reference(s), %d string(s) decrypted", name, refCount, strCount)
		}
	}

	return anyChanged, nil
}

func decryptClass(node, proxy *ir.ClassNode, vm *sandbox.VM) (refCount, strCount int) {
	for _, m := range node.Methods {
		frames := analyzer.Analyze(m, analyzer.DefaultHandler{})
		mod := ir.NewInstructionModifier(m)

		for idx, ins := range m.Instrs {
			dyn, ok := ins.(*ir.InvokeDynamicInsn)
			if !ok {
				continue
			}

			if isStringSignature(dyn) {
				if decryptStringSite(m, idx, dyn, proxy, vm, mod) {
					strCount++
				}
				continue
			}

			if decryptReferenceSite(m, idx, dyn, frames[idx], proxy, vm, mod) {
				refCount++
			}
		}

		if mod.Pending() {
			mod.Apply()
		}
	}
	return refCount, strCount
}

// isStringSignature implements §4.5's string-phase recognition: the
// call-site descriptor takes only int/long arguments and returns
// java.lang.String.
func isStringSignature(dyn *ir.InvokeDynamicInsn) bool {
	args, ret := ir.ParseMethodDescriptor(dyn.Desc)
	if ret != "Ljava/lang/String;" {
		return false
	}
	for _, a := range args {
		if a != "I" && a != "J" {
			return false
		}
	}
	return true
}

// decryptReferenceSite implements §4.5 step 5: recover the key,
// harvest the bootstrap's static arguments from the preceding Known
// stack values, invoke the bootstrap reflectively, and replace the
// dynamic-invoke with the revealed direct reference.
func decryptReferenceSite(m *ir.MethodNode, idx int, dyn *ir.InvokeDynamicInsn, frame *analyzer.Frame, proxy *ir.ClassNode, vm *sandbox.VM, mod *ir.InstructionModifier) bool {
	if frame == nil {
		return false
	}

	// The bootstrap descriptor's params are [trustedLookup, null, name,
	// type, ...harvested, key] per step 5c's arg vector — 4 fixed slots plus
	// the trailing key, so harvestCount is the total minus 5.
	bsmArgs, _ := ir.ParseMethodDescriptor(dyn.Bootstrap.Desc)
	harvestCount := len(bsmArgs) - 5
	if harvestCount < 0 {
		harvestCount = 0
	}
	if len(frame.Stack) < harvestCount {
		return false
	}

	harvested := make([]interface{}, harvestCount)
	top := frame.Stack[len(frame.Stack)-harvestCount:]
	for i, v := range top {
		if !v.Known {
			return false // §4.5 step 5b: any Unknown aborts this call site
		}
		harvested[i] = v.I
	}

	key, ok := recoverKey(m, idx, vm, proxy)
	if !ok {
		return false
	}

	args := sandbox.TrustedBootstrapArgs(vm.TrustedLookup(), dyn.Name, dyn.Desc, harvested, key)
	result, err := vm.InvokeStatic(dyn.Bootstrap.Owner, dyn.Bootstrap.Name, dyn.Bootstrap.Desc, args)
	if err != nil {
		return false // step 5: "Bootstrap invocation failure" aborts the single call site
	}

	revealed, err := vm.RevealMethodHandle(result)
	if err != nil {
		return false
	}
	newInsn, err := instructionForHandle(revealed)
	if err != nil {
		return false
	}

	mod.Replace(dyn, &ir.Insn{Op: ir.OpPop2}, &ir.Insn{Op: ir.OpPop2}, newInsn)
	return true
}

// decryptStringSite implements §4.5's string phase: invoke the
// two-argument bootstrap directly with the harvested operand and
// recovered key, then replace the dynamic-invoke and its preceding
// operand pushes with a single LDC of the decrypted string.
func decryptStringSite(m *ir.MethodNode, idx int, dyn *ir.InvokeDynamicInsn, proxy *ir.ClassNode, vm *sandbox.VM, mod *ir.InstructionModifier) bool {
	key, ok := recoverKey(m, idx, vm, proxy)
	if !ok {
		return false
	}

	args, _ := ir.ParseMethodDescriptor(dyn.Desc)
	producers := precedingProducers(m, idx, len(args))
	if producers == nil {
		return false
	}

	operand, ok := literalLongOrInt(producers[len(producers)-1])
	if !ok {
		return false
	}

	result, err := vm.InvokeStatic(dyn.Bootstrap.Owner, dyn.Bootstrap.Name, dyn.Bootstrap.Desc, []interface{}{operand, key})
	if err != nil {
		return false
	}
	decrypted, ok := result.(string)
	if !ok {
		return false
	}

	for _, p := range producers {
		mod.Remove(p)
	}
	mod.Replace(dyn, &ir.LdcInsn{Kind: ir.LdcString, Str: decrypted})
	return true
}

// precedingProducers returns the n real instructions immediately
// preceding idx (skipping pseudo-nodes), in original order, or nil if
// fewer than n are available — the simplifying assumption that each
// harvested string-phase operand corresponds to exactly one immediate
// producer instruction, true for the GETSTATIC/LDC/LXOR shapes §4.5
// names.
func precedingProducers(m *ir.MethodNode, idx, n int) []ir.Instruction {
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

func literalLongOrInt(ins ir.Instruction) (int64, bool) {
	switch v := ins.(type) {
	case *ir.LdcInsn:
		if v.Kind == ir.LdcInt || v.Kind == ir.LdcLong {
			return v.IntVal, true
		}
	}
	return 0, false
}
