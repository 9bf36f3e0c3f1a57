/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/universe"
)

func TestTrivialMethodInlinerInlinesAndRemovesCallee(t *testing.T) {
	addOne := &ir.MethodNode{
		Access: ir.AccStatic, Name: "addOne", Desc: "(I)I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.Insn{Op: ir.OpIConst1},
			&ir.Insn{Op: ir.OpIAdd},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	caller := &ir.MethodNode{
		Access: ir.AccStatic, Name: "callAddOne", Desc: "()I", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst2},
			&ir.MethodInsn{Op: ir.OpInvokeStatic, Owner: "com/example/Util", Name: "addOne", Desc: "(I)I"},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	node := &ir.ClassNode{Name: "com/example/Util", Methods: []*ir.MethodNode{addOne, caller}}

	u := universe.New()
	u.Put("com/example/Util", &universe.Class{Node: node})

	changed, err := trivialMethodInliner{}.Execute(u, false)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Nil(t, node.Method("addOne", "(I)I"))
	assert.Equal(t, 1, caller.MaxLocals)

	ops := make([]int, len(caller.Instrs))
	for i, ins := range caller.Instrs {
		ops[i] = ins.Opcode()
	}
	assert.Equal(t, []int{ir.OpIConst2, ir.OpIStore, ir.OpILoad, ir.OpIConst1, ir.OpIAdd, ir.OpIReturn}, ops)
}

func TestTrivialMethodInlinerKeepsCalleeWhenAnyCallSiteUnresolved(t *testing.T) {
	addOne := &ir.MethodNode{
		Access: ir.AccStatic, Name: "addOne", Desc: "(I)I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.Insn{Op: ir.OpIConst1},
			&ir.Insn{Op: ir.OpIAdd},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	resolvedCaller := &ir.MethodNode{
		Access: ir.AccStatic, Name: "callAddOneStatically", Desc: "()I", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst2},
			&ir.MethodInsn{Op: ir.OpInvokeStatic, Owner: "com/example/Util", Name: "addOne", Desc: "(I)I"},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	// Same owner/name/desc but reached through invokevirtual: ambiguous
	// against a static callee, so this call site can never be resolved.
	unresolvedCaller := &ir.MethodNode{
		Access: ir.AccStatic, Name: "callAddOneVirtually", Desc: "()I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpALoad, Var: 0},
			&ir.Insn{Op: ir.OpIConst2},
			&ir.MethodInsn{Op: ir.OpInvokeVirtual, Owner: "com/example/Util", Name: "addOne", Desc: "(I)I"},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	node := &ir.ClassNode{Name: "com/example/Util", Methods: []*ir.MethodNode{addOne, resolvedCaller, unresolvedCaller}}

	u := universe.New()
	u.Put("com/example/Util", &universe.Class{Node: node})

	changed, err := trivialMethodInliner{}.Execute(u, false)
	require.NoError(t, err)
	assert.True(t, changed)

	// One call site was genuinely unresolved, so §4.4.1 invariant (c)
	// forbids removing the callee even though another site inlined fine.
	assert.NotNil(t, node.Method("addOne", "(I)I"))
	assert.Equal(t, 1, resolvedCaller.MaxLocals)

	ops := make([]int, len(unresolvedCaller.Instrs))
	for i, ins := range unresolvedCaller.Instrs {
		ops[i] = ins.Opcode()
	}
	assert.Equal(t, []int{ir.OpALoad, ir.OpIConst2, ir.OpInvokeVirtual, ir.OpIReturn}, ops)
}

func TestIsTrivialCandidateRejectsMethodCalls(t *testing.T) {
	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.MethodInsn{Op: ir.OpInvokeStatic, Owner: "x", Name: "y", Desc: "()V"},
			&ir.Insn{Op: ir.OpReturn},
		},
	}
	assert.False(t, isTrivialCandidate(m))
}

func TestIsTrivialCandidateAcceptsArithmeticOnly(t *testing.T) {
	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst1},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	assert.True(t, isTrivialCandidate(m))
}
