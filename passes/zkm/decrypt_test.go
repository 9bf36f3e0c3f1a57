/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/analyzer"
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/sandbox"
)

func TestIsStringSignatureAcceptsIntAndLongArgsOnly(t *testing.T) {
	assert.True(t, isStringSignature(&ir.InvokeDynamicInsn{Desc: "(IJ)Ljava/lang/String;"}))
	assert.False(t, isStringSignature(&ir.InvokeDynamicInsn{Desc: "(I)I"}))
	assert.False(t, isStringSignature(&ir.InvokeDynamicInsn{Desc: "(Ljava/lang/Object;)Ljava/lang/String;"}))
}

func TestLiteralLongOrIntAcceptsIntAndLongLdc(t *testing.T) {
	v, ok := literalLongOrInt(&ir.LdcInsn{Kind: ir.LdcInt, IntVal: 7})
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = literalLongOrInt(&ir.LdcInsn{Kind: ir.LdcLong, IntVal: 99})
	require.True(t, ok)
	assert.Equal(t, int64(99), v)

	_, ok = literalLongOrInt(&ir.LdcInsn{Kind: ir.LdcString, Str: "nope"})
	assert.False(t, ok)

	_, ok = literalLongOrInt(&ir.Insn{Op: ir.OpNop})
	assert.False(t, ok)
}

func TestPrecedingProducersSkipsPseudoNodesAndPreservesOrder(t *testing.T) {
	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.LdcInsn{Kind: ir.LdcInt, IntVal: 1},
			&ir.LabelInsn{L: &ir.Label{ID: 1}},
			&ir.LdcInsn{Kind: ir.LdcInt, IntVal: 2},
			&ir.Insn{Op: ir.OpInvokeDynamic}, // call-site placeholder at idx 3
		},
	}

	out := precedingProducers(m, 3, 2)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].(*ir.LdcInsn).IntVal)
	assert.Equal(t, int64(2), out[1].(*ir.LdcInsn).IntVal)
}

func TestPrecedingProducersReturnsNilWhenTooFewInstructions(t *testing.T) {
	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.LdcInsn{Kind: ir.LdcInt, IntVal: 1},
			&ir.Insn{Op: ir.OpInvokeDynamic},
		},
	}
	assert.Nil(t, precedingProducers(m, 1, 2))
}

func TestPrecedingProducersZeroReturnsEmptySlice(t *testing.T) {
	m := &ir.MethodNode{Instrs: []ir.Instruction{&ir.Insn{Op: ir.OpInvokeDynamic}}}
	out := precedingProducers(m, 0, 0)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

// decryptStrProxy builds a proxy class carrying a sole static long key
// field (so recoverKey's fallback path resolves it) plus the static
// bootstrap method the call site's Handle targets.
func decryptStrProxy(owner string, keyValue int64, literal string) *ir.ClassNode {
	return &ir.ClassNode{
		Name: owner,
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic, Name: "KEY", Desc: "J"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "clinitProxy", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcLong, IntVal: keyValue},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: owner, Name: "KEY", Desc: "J"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Name: "decryptStr", Desc: "(IJ)Ljava/lang/String;", Access: ir.AccStatic,
				MaxLocals: 3,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcString, Str: literal},
					&ir.Insn{Op: ir.OpAReturn},
				},
			},
		},
	}
}

func TestDecryptStringSiteReplacesCallSiteWithDecodedLdc(t *testing.T) {
	proxy := decryptStrProxy("com/example/Target$zkmProxy", 42, "secret")
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "clinitProxy"))

	operand := &ir.LdcInsn{Kind: ir.LdcInt, IntVal: 5}
	dyn := &ir.InvokeDynamicInsn{
		Name: "bsm",
		Desc: "(I)Ljava/lang/String;",
		Bootstrap: ir.Handle{
			Kind:  ir.RefInvokeStatic,
			Owner: proxy.Name,
			Name:  "decryptStr",
			Desc:  "(IJ)Ljava/lang/String;",
		},
	}
	m := &ir.MethodNode{Instrs: []ir.Instruction{operand, dyn, &ir.Insn{Op: ir.OpAReturn}}}
	mod := ir.NewInstructionModifier(m)

	ok := decryptStringSite(m, 1, dyn, proxy, vm, mod)
	require.True(t, ok)
	mod.Apply()

	require.Len(t, m.Instrs, 2)
	ldc, isLdc := m.Instrs[0].(*ir.LdcInsn)
	require.True(t, isLdc)
	assert.Equal(t, ir.LdcString, ldc.Kind)
	assert.Equal(t, "secret", ldc.Str)
}

func TestDecryptReferenceSiteReplacesDynamicInvokeWithDirectReference(t *testing.T) {
	owner := "com/example/D"
	proxy := &ir.ClassNode{
		Name: owner,
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic, Name: "KEY", Desc: "J"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "clinitProxy", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcLong, IntVal: 0x1122334455667788},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: owner, Name: "KEY", Desc: "J"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Name: "bsm", Desc: "(Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;J)Ljava/lang/Object;", Access: ir.AccStatic,
				MaxLocals: 5,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcMethodHandle, Hdl: ir.Handle{Kind: ir.RefInvokeStatic, Owner: owner, Name: "target", Desc: "()J"}},
					&ir.Insn{Op: ir.OpAReturn},
				},
			},
		},
	}
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "clinitProxy"))

	dyn := &ir.InvokeDynamicInsn{
		Name: "call",
		Desc: "()J",
		Bootstrap: ir.Handle{
			Kind: ir.RefInvokeStatic, Owner: owner, Name: "bsm",
			Desc: "(Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;J)Ljava/lang/Object;",
		},
	}
	m := &ir.MethodNode{Instrs: []ir.Instruction{dyn, &ir.Insn{Op: ir.OpLReturn}}}
	mod := ir.NewInstructionModifier(m)

	// Five bootstrap params (3 fixed-handle slots + the implicit null +
	// the trailing key) means harvestCount is 0 — nothing to pull off
	// the operand stack, exercising the common no-extra-args shape.
	ok := decryptReferenceSite(m, 0, dyn, &analyzer.Frame{}, proxy, vm, mod)
	require.True(t, ok)
	mod.Apply()

	require.Len(t, m.Instrs, 4)
	assert.Equal(t, ir.OpPop2, m.Instrs[0].(*ir.Insn).Op)
	assert.Equal(t, ir.OpPop2, m.Instrs[1].(*ir.Insn).Op)
	mi, isMethod := m.Instrs[2].(*ir.MethodInsn)
	require.True(t, isMethod)
	assert.Equal(t, ir.OpInvokeStatic, mi.Op)
	assert.Equal(t, "target", mi.Name)
	assert.Equal(t, owner, mi.Owner)
}

func TestDecryptReferenceSiteHarvestsOneExtraStackOperand(t *testing.T) {
	owner := "com/example/D"
	proxy := &ir.ClassNode{
		Name: owner,
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic, Name: "KEY", Desc: "J"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "clinitProxy", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcLong, IntVal: 0x1122334455667788},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: owner, Name: "KEY", Desc: "J"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				// 6 bootstrap params: 4 fixed + 1 harvested + 1 key.
				Name: "bsm", Desc: "(Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;IJ)Ljava/lang/Object;", Access: ir.AccStatic,
				MaxLocals: 6,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcMethodHandle, Hdl: ir.Handle{Kind: ir.RefInvokeStatic, Owner: owner, Name: "target", Desc: "()J"}},
					&ir.Insn{Op: ir.OpAReturn},
				},
			},
		},
	}
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "clinitProxy"))

	dyn := &ir.InvokeDynamicInsn{
		Name: "call",
		Desc: "(I)J",
		Bootstrap: ir.Handle{
			Kind: ir.RefInvokeStatic, Owner: owner, Name: "bsm",
			Desc: "(Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;IJ)Ljava/lang/Object;",
		},
	}
	m := &ir.MethodNode{Instrs: []ir.Instruction{dyn, &ir.Insn{Op: ir.OpLReturn}}}
	frame := &analyzer.Frame{Stack: []analyzer.ConstantValue{analyzer.KnownInt(3)}}
	mod := ir.NewInstructionModifier(m)

	ok := decryptReferenceSite(m, 0, dyn, frame, proxy, vm, mod)
	require.True(t, ok)
	mod.Apply()

	mi, isMethod := m.Instrs[2].(*ir.MethodInsn)
	require.True(t, isMethod)
	assert.Equal(t, "target", mi.Name)
}

func TestDecryptReferenceSiteFailsWhenHarvestExceedsStackDepth(t *testing.T) {
	owner := "com/example/D"
	proxy := &ir.ClassNode{Name: owner}
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)

	dyn := &ir.InvokeDynamicInsn{
		Desc: "(I)J",
		Bootstrap: ir.Handle{
			Kind: ir.RefInvokeStatic, Owner: owner, Name: "bsm",
			Desc: "(Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;Ljava/lang/Object;IJ)Ljava/lang/Object;",
		},
	}
	m := &ir.MethodNode{Instrs: []ir.Instruction{dyn}}
	mod := ir.NewInstructionModifier(m)

	ok := decryptReferenceSite(m, 0, dyn, &analyzer.Frame{}, proxy, vm, mod)
	assert.False(t, ok)
}

func TestDecryptStringSiteFailsWhenRecoverKeyCannotResolve(t *testing.T) {
	proxy := &ir.ClassNode{Name: "com/example/Empty"} // no static field, no <clinit>
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)

	dyn := &ir.InvokeDynamicInsn{
		Desc:      "(I)Ljava/lang/String;",
		Bootstrap: ir.Handle{Kind: ir.RefInvokeStatic, Owner: proxy.Name, Name: "decryptStr", Desc: "(IJ)Ljava/lang/String;"},
	}
	m := &ir.MethodNode{Instrs: []ir.Instruction{&ir.LdcInsn{Kind: ir.LdcInt, IntVal: 1}, dyn}}
	mod := ir.NewInstructionModifier(m)

	ok := decryptStringSite(m, 1, dyn, proxy, vm, mod)
	assert.False(t, ok)
}
