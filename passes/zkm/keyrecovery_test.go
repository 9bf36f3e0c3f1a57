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

type noopRefHandler struct{}

func (noopRefHandler) TryClassLoad(name string) (*ir.ClassNode, bool) { return nil, false }

func proxyWithKeyField(owner string, keyValue int64) *ir.ClassNode {
	return &ir.ClassNode{
		Name: owner,
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "KEY", Desc: "J"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "<clinit>", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcLong, IntVal: keyValue},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: owner, Name: "KEY", Desc: "J"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
		},
	}
}

func TestRecoverKeyFallsBackToSoleStaticLongField(t *testing.T) {
	proxy := proxyWithKeyField("com/example/Proxy", 42)
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "<clinit>"))

	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.Insn{Op: ir.OpNop},
			&ir.Insn{Op: ir.OpNop}, // call site placeholder; recoverKey never inspects it
		},
	}

	key, ok := recoverKey(m, 1, vm, proxy)
	require.True(t, ok)
	assert.Equal(t, int64(42), key)
}

func TestRecoverKeyXorsFieldAndLdcWhenBothPresent(t *testing.T) {
	proxy := proxyWithKeyField("com/example/Proxy", 7)
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "<clinit>"))

	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.FieldInsn{Op: ir.OpGetStatic, Owner: "com/example/Proxy", Name: "KEY", Desc: "J"},
			&ir.LdcInsn{Kind: ir.LdcLong, IntVal: 5},
			&ir.Insn{Op: ir.OpLXor},
			&ir.Insn{Op: ir.OpNop}, // call site placeholder
		},
	}

	key, ok := recoverKey(m, 3, vm, proxy)
	require.True(t, ok)
	assert.Equal(t, int64(7^5), key)
}

func TestRecoverKeyUsesPlainLdcLongWhenNoFieldRef(t *testing.T) {
	proxy := proxyWithKeyField("com/example/Proxy", 0)
	vm := sandbox.ConstructVM(noopRefHandler{})
	vm.ExplicitlyPreload(proxy)
	require.NoError(t, vm.RunClinit(proxy.Name, "<clinit>"))

	m := &ir.MethodNode{
		Instrs: []ir.Instruction{
			&ir.LdcInsn{Kind: ir.LdcLong, IntVal: 99},
			&ir.Insn{Op: ir.OpNop},
		},
	}

	key, ok := recoverKey(m, 1, vm, proxy)
	require.True(t, ok)
	assert.Equal(t, int64(99), key)
}
