/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"github.com/jacobin-tools/classdeobf/ir"
)

// recognizedHelpers is the descriptor-matching allow-list of runtime
// classes a proxy's isolated initializer may still call into, per
// §4.5 step 2.
var recognizedHelpers = map[string]bool{
	"java/lang/String":              true,
	"java/lang/StringBuilder":       true,
	"java/lang/Math":                true,
	"java/lang/Long":                true,
	"java/lang/Integer":             true,
	"java/util/Arrays":              true,
	"java/lang/System":              true,
	"java/lang/invoke/MethodType":   true,
	"java/lang/invoke/MethodHandle": true,
}

// buildProxyClass implements §4.5 step 3: a copy of c containing only
// static fields, all static methods, and the static initializer
// renamed to clinitProxy, with self-references rewritten to the
// proxy's own name. Step 2's instruction isolation (stripping calls to
// non-target, non-helper classes) is applied to every copied method.
func buildProxyClass(c *ir.ClassNode) *ir.ClassNode {
	proxyName := c.Name + "$zkmProxy"

	proxy := &ir.ClassNode{
		MinorVersion: c.MinorVersion,
		MajorVersion: c.MajorVersion,
		Access:       c.Access,
		Name:         proxyName,
		Super:        "java/lang/Object",
	}

	for _, f := range c.Fields {
		if f.IsStatic() {
			proxy.Fields = append(proxy.Fields, f.Clone())
		}
	}

	for _, m := range c.Methods {
		if !m.IsStatic() {
			continue
		}
		cm := m.Clone()
		if cm.IsStaticInit() {
			cm.Name = "clinitProxy"
		}
		isolateInitializer(cm, c.Name)
		rewriteSelfReferences(cm, c.Name, proxyName)
		proxy.Methods = append(proxy.Methods, cm)
	}

	return proxy
}

// isolateInitializer implements §4.5 step 2: any call to a class that
// is neither the target class itself nor a recognized runtime helper
// is replaced with a sequence that discards its arguments and pushes a
// stand-in zero value, so the rest of the initializer can still run.
func isolateInitializer(m *ir.MethodNode, target string) {
	mod := ir.NewInstructionModifier(m)
	for _, ins := range m.Instrs {
		mi, ok := ins.(*ir.MethodInsn)
		if !ok || mi.Owner == target || recognizedHelpers[mi.Owner] {
			continue
		}
		argTypes, ret := ir.ParseMethodDescriptor(mi.Desc)
		var repl []ir.Instruction
		for i := len(argTypes) - 1; i >= 0; i-- {
			if ir.SlotSize(argTypes[i]) == 2 {
				repl = append(repl, &ir.Insn{Op: ir.OpPop2})
			} else {
				repl = append(repl, &ir.Insn{Op: ir.OpPop})
			}
		}
		if mi.Op != ir.OpInvokeStatic {
			repl = append(repl, &ir.Insn{Op: ir.OpPop}) // receiver
		}
		if ret != "V" {
			repl = append(repl, zeroPushFor(ret))
		}
		mod.Replace(ins, repl...)
	}
	if mod.Pending() {
		mod.Apply()
	}
}

func zeroPushFor(desc string) ir.Instruction {
	if len(desc) == 0 {
		return &ir.Insn{Op: ir.OpAConstN}
	}
	switch desc[0] {
	case 'J':
		return ir.EncodeLongPush(0)
	case 'F':
		return &ir.LdcInsn{Kind: ir.LdcFloat, FltVal: 0}
	case 'D':
		return &ir.LdcInsn{Kind: ir.LdcDouble, FltVal: 0}
	case 'L', '[':
		return &ir.Insn{Op: ir.OpAConstN}
	default:
		return ir.EncodeIntPush(0)
	}
}

// rewriteSelfReferences retargets every instruction referencing from
// (the original class) to to (the proxy), per step 3's "all
// self-references within the proxy are rewritten to the proxy's name."
func rewriteSelfReferences(m *ir.MethodNode, from, to string) {
	for _, ins := range m.Instrs {
		switch v := ins.(type) {
		case *ir.FieldInsn:
			if v.Owner == from {
				v.Owner = to
			}
		case *ir.MethodInsn:
			if v.Owner == from {
				v.Owner = to
			}
		case *ir.TypeInsn:
			if v.Type == from {
				v.Type = to
			}
		}
	}
}
