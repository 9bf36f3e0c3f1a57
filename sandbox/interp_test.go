package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/ir"
)

func TestRunStaticArrayStoreLoadAndLength(t *testing.T) {
	// int[] a = new int[3]; a[1] = 7; return a[1] + a.length;
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "arr", Desc: "()I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 3},
			&ir.IntInsn{Op: ir.OpNewArray},
			&ir.VarInsn{Op: ir.OpAStore, Var: 0},

			&ir.VarInsn{Op: ir.OpALoad, Var: 0},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 1},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 7},
			&ir.Insn{Op: ir.OpIAStore},

			&ir.VarInsn{Op: ir.OpALoad, Var: 0},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 1},
			&ir.Insn{Op: ir.OpIALoad},

			&ir.VarInsn{Op: ir.OpALoad, Var: 0},
			&ir.Insn{Op: ir.OpArrayLength},
			&ir.Insn{Op: ir.OpIAdd},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Arr", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	result, err := vm.InvokeStatic(c.Name, "arr", "()I", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(10), result)
}

func TestRunStaticConditionalJumpTakesBranch(t *testing.T) {
	// int f(int x) { if (x >= 0) return 1; return 0; }
	posLabel := &ir.Label{ID: 1}
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "sign", Desc: "(I)I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.JumpInsn{Op: ir.OpIfGe, Target: posLabel},
			&ir.Insn{Op: ir.OpIConst0},
			&ir.Insn{Op: ir.OpIReturn},
			&ir.LabelInsn{L: posLabel},
			&ir.Insn{Op: ir.OpIConst1},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Sign", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	pos, err := vm.InvokeStatic(c.Name, "sign", "(I)I", []interface{}{int32(5)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), pos)

	neg, err := vm.InvokeStatic(c.Name, "sign", "(I)I", []interface{}{int32(-5)})
	require.NoError(t, err)
	assert.Equal(t, int32(0), neg)
}

func TestRunStaticTableSwitchDispatchesOnKey(t *testing.T) {
	one := &ir.Label{ID: 1}
	two := &ir.Label{ID: 2}
	def := &ir.Label{ID: 3}
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "pick", Desc: "(I)I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.TableSwitchInsn{Low: 0, High: 1, Default: def, Labels: []*ir.Label{one, two}},
			&ir.LabelInsn{L: one},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 10},
			&ir.Insn{Op: ir.OpIReturn},
			&ir.LabelInsn{L: two},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 20},
			&ir.Insn{Op: ir.OpIReturn},
			&ir.LabelInsn{L: def},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 99},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Switch", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	v, err := vm.InvokeStatic(c.Name, "pick", "(I)I", []interface{}{int32(1)})
	require.NoError(t, err)
	assert.Equal(t, int32(20), v)

	v, err = vm.InvokeStatic(c.Name, "pick", "(I)I", []interface{}{int32(99)})
	require.NoError(t, err)
	assert.Equal(t, int32(99), v)
}

func TestRunStaticLookupSwitchDispatchesOnKey(t *testing.T) {
	hit := &ir.Label{ID: 1}
	def := &ir.Label{ID: 2}
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "pick", Desc: "(I)I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.VarInsn{Op: ir.OpILoad, Var: 0},
			&ir.LookupSwitchInsn{Default: def, Keys: []int32{42}, Labels: []*ir.Label{hit}},
			&ir.LabelInsn{L: hit},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 7},
			&ir.Insn{Op: ir.OpIReturn},
			&ir.LabelInsn{L: def},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: -1},
			&ir.Insn{Op: ir.OpIReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Lookup", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	v, err := vm.InvokeStatic(c.Name, "pick", "(I)I", []interface{}{int32(42)})
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)
}

func TestRunStaticTryCatchCatchesAThrow(t *testing.T) {
	start := &ir.Label{ID: 1}
	end := &ir.Label{ID: 2}
	handler := &ir.Label{ID: 3}
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "guarded", Desc: "()I", MaxLocals: 1,
		Instrs: []ir.Instruction{
			&ir.LabelInsn{L: start},
			&ir.TypeInsn{Op: ir.OpNew, Type: "com/example/Oops"},
			&ir.Insn{Op: ir.OpAThrow},
			&ir.LabelInsn{L: end},
			&ir.LabelInsn{L: handler},
			&ir.VarInsn{Op: ir.OpAStore, Var: 0},
			&ir.IntInsn{Op: ir.OpBiPush, Operand: 5},
			&ir.Insn{Op: ir.OpIReturn},
		},
		TryCatch: []*ir.TryCatch{{Start: start, End: end, Handler: handler, Type: "java/lang/Exception"}},
	}
	c := &ir.ClassNode{Name: "com/example/Guarded", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	v, err := vm.InvokeStatic(c.Name, "guarded", "()I", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
}

func TestRunStaticUncaughtThrowPropagatesAsError(t *testing.T) {
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "boom", Desc: "()I", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.TypeInsn{Op: ir.OpNew, Type: "com/example/Oops"},
			&ir.Insn{Op: ir.OpAThrow},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Boom", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	_, err := vm.InvokeStatic(c.Name, "boom", "()I", nil)
	assert.Error(t, err)
}

func TestRunStaticNewDupInitInvokesAllowListedConstructor(t *testing.T) {
	// new StringBuilder().append("hi").toString()
	m := &ir.MethodNode{
		Access: ir.AccStatic, Name: "build", Desc: "()Ljava/lang/String;", MaxLocals: 0,
		Instrs: []ir.Instruction{
			&ir.TypeInsn{Op: ir.OpNew, Type: "java/lang/StringBuilder"},
			&ir.Insn{Op: ir.OpDup},
			&ir.MethodInsn{Op: ir.OpInvokeSpecial, Owner: "java/lang/StringBuilder", Name: "<init>", Desc: "()V"},
			&ir.LdcInsn{Kind: ir.LdcString, Str: "hi"},
			&ir.MethodInsn{Op: ir.OpInvokeVirtual, Owner: "java/lang/StringBuilder", Name: "append", Desc: "(Ljava/lang/String;)Ljava/lang/StringBuilder;"},
			&ir.MethodInsn{Op: ir.OpInvokeVirtual, Owner: "java/lang/StringBuilder", Name: "toString", Desc: "()Ljava/lang/String;"},
			&ir.Insn{Op: ir.OpAReturn},
		},
	}
	c := &ir.ClassNode{Name: "com/example/Builder", Methods: []*ir.MethodNode{m}}
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(c)

	result, err := vm.InvokeStatic(c.Name, "build", "()Ljava/lang/String;", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}
