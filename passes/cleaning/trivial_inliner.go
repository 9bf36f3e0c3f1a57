/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("cleaning.trivial-inliner", func() pass.Pass { return &trivialMethodInliner{} })
}

// trivialMethodInliner implements §4.4.1: small, call/jump/field-free
// methods are inlined at every call site and then removed.
type trivialMethodInliner struct{}

func (trivialMethodInliner) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "cleaning.trivial-inliner",
		Description: "Inlines trivial methods (no calls, fields, jumps, or type ops) at every call site.",
		Tags:        []string{"SHRINK", "BETTER_DECOMPILE"},
	}
}

const maxTrivialInstrCount = 32

func (trivialMethodInliner) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, className := range u.Names() {
		c := u.Get(className)
		if c == nil || c.Node == nil {
			continue
		}
		for _, callee := range append([]*ir.MethodNode(nil), c.Node.Methods...) {
			if !isTrivialCandidate(callee) {
				continue
			}

			inlinedAny := false
			allResolved := true
			for _, otherName := range u.Names() {
				oc := u.Get(otherName)
				if oc == nil || oc.Node == nil {
					continue
				}
				for _, caller := range oc.Node.Methods {
					inlined, resolved := inlineCallsTo(caller, c.Node.Name, callee)
					if inlined {
						inlinedAny = true
					}
					if !resolved {
						allResolved = false
					}
				}
			}

			if inlinedAny {
				changed = true
			}
			// §4.4.1 invariant (c): only remove the callee once every call
			// site across the universe was resolved — an unresolved site
			// elsewhere must still be able to reach it.
			if inlinedAny && allResolved {
				c.Node.RemoveMethod(callee.Name, callee.Desc)
			}
		}
	}

	return changed, nil
}

// isTrivialCandidate implements §4.4.1's selection rule.
func isTrivialCandidate(m *ir.MethodNode) bool {
	if m.IsConstructor() || m.IsStaticInit() || m.IsAbstractOrNative() {
		return false
	}
	if len(m.Instrs) == 0 || len(m.Instrs) > maxTrivialInstrCount {
		return false
	}
	for _, ins := range m.Instrs {
		switch ins.(type) {
		case *ir.MethodInsn, *ir.FieldInsn, *ir.InvokeDynamicInsn, *ir.TypeInsn,
			*ir.JumpInsn, *ir.LookupSwitchInsn, *ir.TableSwitchInsn, *ir.MultiANewArrayInsn:
			return false
		}
	}
	return endsWithReturnOrThrow(m)
}

func endsWithReturnOrThrow(m *ir.MethodNode) bool {
	for i := len(m.Instrs) - 1; i >= 0; i-- {
		switch v := m.Instrs[i].(type) {
		case *ir.LabelInsn, *ir.LineInsn, *ir.FrameInsn:
			continue
		case *ir.Insn:
			return ir.IsReturn(v.Op) || v.Op == ir.OpAThrow
		default:
			return false
		}
	}
	return false
}

// inlineCallsTo rewrites every call in caller that invokes
// owner.callee, replacing each with a local-shifted copy of callee's
// body. Returns whether anything was inlined and whether every
// matching call site in caller was successfully resolved — the latter
// gates callee removal, per §4.4.1 invariant (c).
func inlineCallsTo(caller *ir.MethodNode, owner string, callee *ir.MethodNode) (inlinedAny, allResolved bool) {
	if caller == callee {
		return false, true // never inline a method into itself; not a call site at all
	}

	mod := ir.NewInstructionModifier(caller)
	allResolved = true

	for _, ins := range caller.Instrs {
		mi, ok := ins.(*ir.MethodInsn)
		if !ok || mi.Owner != owner || mi.Name != callee.Name || mi.Desc != callee.Desc {
			continue
		}
		isStatic := mi.Op == ir.OpInvokeStatic
		if !isStatic && callee.IsStatic() {
			allResolved = false
			continue // descriptor/static mismatch: ambiguous, skip this call site only
		}

		body, localsUsed, ok := buildInlineBody(caller, callee, isStatic)
		if !ok {
			allResolved = false
			continue // §4.4.1 failure policy: skip the single ambiguous call site
		}

		mod.Replace(ins, body...)
		caller.MaxLocals += localsUsed
		if callee.MaxStack > caller.MaxStack {
			caller.MaxStack = callee.MaxStack
		}
		inlinedAny = true
	}

	if inlinedAny {
		mod.Apply()
	}
	return inlinedAny, allResolved
}

// buildInlineBody produces: arg/receiver stores into fresh locals at
// caller.MaxLocals.., followed by a clone of callee's instructions
// with every local index shifted by that same base and its terminal
// return stripped so the value (if any) is left on the caller's stack.
func buildInlineBody(caller, callee *ir.MethodNode, isStatic bool) ([]ir.Instruction, int, bool) {
	argTypes, _ := ir.ParseMethodDescriptor(callee.Desc)

	base := caller.MaxLocals
	var stores []ir.Instruction

	// Arguments arrive on the stack in call order; popping must proceed
	// from the last argument backward to unwind the stack correctly, but
	// the *local slot* each argument lands in still follows call order,
	// matching the callee's own parameter numbering (receiver first).
	slotOf := make([]int, len(argTypes))
	cur := 0
	if !isStatic {
		cur = 1 // receiver occupies slot 0
	}
	for i, t := range argTypes {
		slotOf[i] = cur
		cur += ir.SlotSize(t)
	}
	total := cur

	for i := len(argTypes) - 1; i >= 0; i-- {
		stores = append(stores, storeInsnFor(argTypes[i], base+slotOf[i]))
	}
	if !isStatic {
		stores = append(stores, &ir.VarInsn{Op: ir.OpAStore, Var: base})
	}

	remap := map[*ir.Label]*ir.Label{}
	var body []ir.Instruction
	for i, ins := range callee.Instrs {
		if i == len(callee.Instrs)-1 {
			if insn, ok := ins.(*ir.Insn); ok && ir.IsReturn(insn.Op) {
				continue // strip the terminal return; value stays on stack
			}
		}
		cl := ins.Clone(remap)
		if v, ok := cl.(*ir.VarInsn); ok {
			cl = v.WithLocalOffset(base)
		} else if v, ok := cl.(*ir.IncrInsn); ok {
			v.Var += base
		}
		body = append(body, cl)
	}

	out := append(stores, body...)
	return out, total, true
}

func storeInsnFor(desc string, idx int) ir.Instruction {
	if len(desc) == 0 {
		return &ir.VarInsn{Op: ir.OpAStore, Var: idx}
	}
	switch desc[0] {
	case 'J':
		return &ir.VarInsn{Op: ir.OpLStore, Var: idx}
	case 'F':
		return &ir.VarInsn{Op: ir.OpFStore, Var: idx}
	case 'D':
		return &ir.VarInsn{Op: ir.OpDStore, Var: idx}
	case 'L', '[':
		return &ir.VarInsn{Op: ir.OpAStore, Var: idx}
	default:
		return &ir.VarInsn{Op: ir.OpIStore, Var: idx}
	}
}
