/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"fmt"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/sandbox"
)

// instructionForHandle implements §4.5 step 5d's "synthesize the
// concrete instruction (field or method reference of the matching
// kind)" from a revealed MethodHandle target.
func instructionForHandle(h sandbox.RevealedHandle) (ir.Instruction, error) {
	switch h.Kind {
	case ir.RefGetField:
		return &ir.FieldInsn{Op: ir.OpGetField, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefGetStatic:
		return &ir.FieldInsn{Op: ir.OpGetStatic, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefPutField:
		return &ir.FieldInsn{Op: ir.OpPutField, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefPutStatic:
		return &ir.FieldInsn{Op: ir.OpPutStatic, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefInvokeVirtual:
		return &ir.MethodInsn{Op: ir.OpInvokeVirtual, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefInvokeStatic:
		return &ir.MethodInsn{Op: ir.OpInvokeStatic, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefInvokeSpecial, ir.RefNewInvokeSpecial:
		return &ir.MethodInsn{Op: ir.OpInvokeSpecial, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor}, nil
	case ir.RefInvokeInterface:
		return &ir.MethodInsn{Op: ir.OpInvokeInterface, Owner: h.DeclaringClass, Name: h.Name, Desc: h.Descriptor, IsInterface: true}, nil
	default:
		return nil, fmt.Errorf("zkm: unrecognized method handle kind %d", h.Kind)
	}
}
