/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package zkm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/sandbox"
)

func TestInstructionForHandleGetStatic(t *testing.T) {
	ins, err := instructionForHandle(sandbox.RevealedHandle{
		DeclaringClass: "com/example/Config", Name: "SEED", Descriptor: "I", Kind: ir.RefGetStatic,
	})
	require.NoError(t, err)
	fi, ok := ins.(*ir.FieldInsn)
	require.True(t, ok)
	assert.Equal(t, ir.OpGetStatic, fi.Op)
	assert.Equal(t, "SEED", fi.Name)
}

func TestInstructionForHandleInvokeInterfaceSetsFlag(t *testing.T) {
	ins, err := instructionForHandle(sandbox.RevealedHandle{
		DeclaringClass: "com/example/Service", Name: "run", Descriptor: "()V", Kind: ir.RefInvokeInterface,
	})
	require.NoError(t, err)
	mi, ok := ins.(*ir.MethodInsn)
	require.True(t, ok)
	assert.True(t, mi.IsInterface)
	assert.Equal(t, ir.OpInvokeInterface, mi.Op)
}

func TestInstructionForHandleRejectsUnknownKind(t *testing.T) {
	_, err := instructionForHandle(sandbox.RevealedHandle{Kind: 99})
	assert.Error(t, err)
}
