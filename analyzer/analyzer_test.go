package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jacobin-tools/classdeobf/ir"
)

func TestAnalyzeFoldsStraightLineArithmetic(t *testing.T) {
	// iconst_2; iconst_3; iadd; istore_0; iload_0; ireturn
	m := &ir.MethodNode{
		MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst2},
			&ir.Insn{Op: ir.OpIConst3},
			&ir.Insn{Op: ir.OpIAdd},
			&ir.VarInsn{Op: ir.OpIStore, Var: 0},
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	frames := Analyze(m, nil)

	// frame before ireturn should have 5 on top of the stack
	before := frames[5]
	assert.True(t, before.peek().Known)
	assert.Equal(t, int64(5), before.peek().I)
}

func TestAnalyzeJoinsDivergentBranchesToUnknown(t *testing.T) {
	lTrue := &ir.Label{ID: 1}
	lEnd := &ir.Label{ID: 2}
	// iconst_1; ifne lTrue; iconst_2; goto lEnd; lTrue: iconst_3; lEnd: istore_0
	m := &ir.MethodNode{
		MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst1},
			&ir.JumpInsn{Op: ir.OpIfNe, Target: lTrue},
			&ir.Insn{Op: ir.OpIConst2},
			&ir.JumpInsn{Op: ir.OpGoto, Target: lEnd},
			&ir.LabelInsn{L: lTrue},
			&ir.Insn{Op: ir.OpIConst3},
			&ir.LabelInsn{L: lEnd},
			&ir.VarInsn{Op: ir.OpIStore, Var: 0},
		},
	}
	frames := Analyze(m, nil)

	storeFrame := frames[7]
	assert.False(t, storeFrame.peek().Known)
}

type fakeRefHandler struct {
	fields  map[string]ConstantValue
	returns map[string]ConstantValue
}

func (f fakeRefHandler) FieldValue(owner, name, desc string) (ConstantValue, bool) {
	v, ok := f.fields[owner+"."+name]
	return v, ok
}

func (f fakeRefHandler) MethodReturn(owner, name, desc string, args []ConstantValue) (ConstantValue, bool) {
	v, ok := f.returns[owner+"."+name]
	return v, ok
}

func TestAnalyzeResolvesKnownStaticField(t *testing.T) {
	rh := fakeRefHandler{fields: map[string]ConstantValue{
		"com/example/Keys.SEED": KnownInt(99),
	}}
	m := &ir.MethodNode{
		MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.FieldInsn{Op: ir.OpGetStatic, Owner: "com/example/Keys", Name: "SEED", Desc: "I"},
			&ir.VarInsn{Op: ir.OpIStore, Var: 0},
		},
	}
	frames := Analyze(m, rh)
	assert.True(t, frames[1].peek().Known)
	assert.Equal(t, int64(99), frames[1].peek().I)
}

func TestJoinDistinctKnownValuesIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Join(KnownInt(1), KnownInt(2)))
	assert.Equal(t, KnownInt(1), Join(KnownInt(1), KnownInt(1)))
}

func TestBuildCFGSplitsAtJumpTargets(t *testing.T) {
	lTarget := &ir.Label{ID: 1}
	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpIConst0},
			&ir.JumpInsn{Op: ir.OpGoto, Target: lTarget},
			&ir.LabelInsn{L: lTarget},
			&ir.Insn{Op: ir.OpReturn},
		},
	}
	cfg := BuildCFG(m)
	assert.Len(t, cfg.Blocks, 2)
	assert.Equal(t, []int{0, 1}, cfg.Blocks[0].Instrs)
	assert.Equal(t, []int{2, 3}, cfg.Blocks[1].Instrs)
}
