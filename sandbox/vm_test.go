package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/ir"
)

type fakeReferenceHandler struct{}

func (fakeReferenceHandler) TryClassLoad(name string) (*ir.ClassNode, bool) { return nil, false }

func configClass() *ir.ClassNode {
	return &ir.ClassNode{
		Name: "com/example/Config",
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "SEED", Desc: "I"},
		},
		Methods: []*ir.MethodNode{
			{
				Access: ir.AccStatic, Name: "<clinit>", Desc: "()V", MaxLocals: 0,
				Instrs: []ir.Instruction{
					&ir.Insn{Op: ir.OpIConst5},
					&ir.Insn{Op: ir.OpIConst2}, // 5, 2 on stack
					&ir.Insn{Op: ir.OpIAdd},    // 7
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: "com/example/Config", Name: "SEED", Desc: "I"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Access: ir.AccStatic, Name: "add", Desc: "(II)I", MaxLocals: 2,
				Instrs: []ir.Instruction{
					&ir.VarInsn{Op: ir.OpILoad, Var: 0},
					&ir.VarInsn{Op: ir.OpILoad, Var: 1},
					&ir.Insn{Op: ir.OpIAdd},
					&ir.Insn{Op: ir.OpIReturn},
				},
			},
		},
	}
}

func TestRunClinitPopulatesStaticField(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(configClass())

	require.NoError(t, vm.RunClinit("com/example/Config", "<clinit>"))

	v, ok := vm.StaticField("com/example/Config", "SEED")
	require.True(t, ok)
	assert.Equal(t, int32(7), v)
}

func TestInvokeStaticRunsMethodBody(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	vm.ExplicitlyPreload(configClass())

	out, err := vm.InvokeStatic("com/example/Config", "add", "(II)I", []interface{}{int32(10), int32(5)})
	require.NoError(t, err)
	assert.Equal(t, int32(15), out)
}

func TestLoadClassFallsBackToStubWhenUnresolved(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	lc := vm.LoadClass("com/unknown/Gone")
	assert.True(t, lc.stub)
}

func TestLoadClassResolvesAllowListedRuntimeClass(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	lc := vm.LoadClass("java/lang/Math")
	require.NotNil(t, lc.allowList)
}

func TestRevealMethodHandleFromHandleValue(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	h := &ir.Handle{Kind: ir.RefInvokeStatic, Owner: "com/example/Boot", Name: "bootstrap", Desc: "()V"}

	revealed, err := vm.RevealMethodHandle(h)
	require.NoError(t, err)
	assert.Equal(t, "com/example/Boot", revealed.DeclaringClass)
	assert.Equal(t, "bootstrap", revealed.Name)
	assert.Equal(t, ir.RefInvokeStatic, revealed.Kind)
}

func TestRevealMethodHandleRejectsNonHandle(t *testing.T) {
	vm := ConstructVM(fakeReferenceHandler{})
	_, err := vm.RevealMethodHandle("not a handle")
	assert.Error(t, err)
}
