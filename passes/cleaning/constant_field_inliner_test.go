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

func TestMergeStaticInitializersSplicesSecondaryIntoFirst(t *testing.T) {
	primary := &ir.MethodNode{
		Name: "<clinit>", Desc: "()V", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst1},
			&ir.Insn{Op: ir.OpPop},
			&ir.Insn{Op: ir.OpReturn},
		},
	}
	secondary := &ir.MethodNode{
		Name: "<clinit>", Desc: "()V", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst2},
			&ir.Insn{Op: ir.OpPop},
			&ir.Insn{Op: ir.OpReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Dup", Methods: []*ir.MethodNode{primary, secondary}}

	mergeStaticInitializers(c)

	require.Len(t, c.Methods, 1)
	merged := c.Methods[0]
	ops := make([]int, len(merged.Instrs))
	for i, ins := range merged.Instrs {
		ops[i] = ins.Opcode()
	}
	assert.Equal(t, []int{ir.OpIConst1, ir.OpPop, ir.OpIConst2, ir.OpPop, ir.OpReturn}, ops)
}

func TestMergeStaticInitializersNoopWithSingleClinit(t *testing.T) {
	only := &ir.MethodNode{Name: "<clinit>", Desc: "()V", Instrs: []ir.Instruction{&ir.Insn{Op: ir.OpReturn}}}
	c := &ir.ClassNode{Name: "com/example/Single", Methods: []*ir.MethodNode{only}}
	mergeStaticInitializers(c)
	assert.Len(t, c.Methods, 1)
	assert.Same(t, only, c.Methods[0])
}

func TestConstantFieldInlinerFoldsUnwrittenStaticField(t *testing.T) {
	node := &ir.ClassNode{
		Name: "com/example/Keys",
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "SEED", Desc: "I"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "<clinit>", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.Insn{Op: ir.OpIConst3},
					&ir.Insn{Op: ir.OpIConst2},
					&ir.Insn{Op: ir.OpIAdd},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: "com/example/Keys", Name: "SEED", Desc: "I"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Name: "readSeed", Desc: "()I", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.FieldInsn{Op: ir.OpGetStatic, Owner: "com/example/Keys", Name: "SEED", Desc: "I"},
					&ir.Insn{Op: ir.OpIReturn},
				},
			},
		},
	}

	u := universe.New()
	u.Put("com/example/Keys", &universe.Class{Node: node})

	changed, err := constantFieldInliner{}.Execute(u, false)
	require.NoError(t, err)
	assert.True(t, changed)

	reader := node.Method("readSeed", "()I")
	require.Len(t, reader.Instrs, 2)
	insn, ok := reader.Instrs[0].(*ir.Insn)
	require.True(t, ok)
	assert.Equal(t, ir.OpIConst5, insn.Op) // 3 + 2 == 5
}

func TestConstantFieldInlinerSkipsFieldWrittenElsewhere(t *testing.T) {
	node := &ir.ClassNode{
		Name: "com/example/Counter",
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic, Name: "COUNT", Desc: "I"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "<clinit>", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.Insn{Op: ir.OpIConst0},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: "com/example/Counter", Name: "COUNT", Desc: "I"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Name: "bump", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.FieldInsn{Op: ir.OpGetStatic, Owner: "com/example/Counter", Name: "COUNT", Desc: "I"},
					&ir.Insn{Op: ir.OpIConst1},
					&ir.Insn{Op: ir.OpIAdd},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: "com/example/Counter", Name: "COUNT", Desc: "I"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
		},
	}

	u := universe.New()
	u.Put("com/example/Counter", &universe.Class{Node: node})

	changed, err := constantFieldInliner{}.Execute(u, false)
	require.NoError(t, err)
	assert.False(t, changed)
}
