/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/universe"
)

func TestFindDashoSeedFieldRequiresSolePrivateStaticInt(t *testing.T) {
	c := &ir.ClassNode{
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "SEED", Desc: "I"},
		},
	}
	assert.Equal(t, "SEED", findDashoSeedField(c))

	twoFields := &ir.ClassNode{
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "SEED", Desc: "I"},
			{Access: ir.AccStatic | ir.AccPrivate, Name: "OTHER", Desc: "I"},
		},
	}
	assert.Equal(t, "", findDashoSeedField(twoFields))

	notPrivate := &ir.ClassNode{
		Fields: []*ir.FieldNode{{Access: ir.AccStatic | ir.AccPublic, Name: "SEED", Desc: "I"}},
	}
	assert.Equal(t, "", findDashoSeedField(notPrivate))
}

func TestXorFoldRoundTrips(t *testing.T) {
	folded := xorFold("hello", 0x2a)
	assert.NotEqual(t, "hello", folded)
	assert.Equal(t, "hello", xorFold(folded, 0x2a))
}

func TestFoldDashoLiteralsMutatesStringLdcInPlace(t *testing.T) {
	ldc := &ir.LdcInsn{Kind: ir.LdcString, Str: "test"}
	m := &ir.MethodNode{Instrs: []ir.Instruction{ldc, &ir.Insn{Op: ir.OpAReturn}}}

	changed := foldDashoLiterals(m, 5)
	require.True(t, changed)
	assert.Equal(t, xorFold("test", 5), ldc.Str)
}

func TestFoldDashoLiteralsNoopWithZeroSeed(t *testing.T) {
	ldc := &ir.LdcInsn{Kind: ir.LdcString, Str: "test"}
	m := &ir.MethodNode{Instrs: []ir.Instruction{ldc}}

	changed := foldDashoLiterals(m, 0)
	assert.False(t, changed)
	assert.Equal(t, "test", ldc.Str)
}

func TestDashoDecryptorExecuteEndToEnd(t *testing.T) {
	owner := "com/example/Strings"
	scrambled := xorFold("secret", 5)
	c := &ir.ClassNode{
		Name: owner,
		Fields: []*ir.FieldNode{
			{Access: ir.AccStatic | ir.AccPrivate, Name: "SEED", Desc: "I"},
		},
		Methods: []*ir.MethodNode{
			{
				Name: "<clinit>", Desc: "()V", Access: ir.AccStatic,
				Instrs: []ir.Instruction{
					&ir.Insn{Op: ir.OpIConst5},
					&ir.FieldInsn{Op: ir.OpPutStatic, Owner: owner, Name: "SEED", Desc: "I"},
					&ir.Insn{Op: ir.OpReturn},
				},
			},
			{
				Name: "greet", Desc: "()Ljava/lang/String;",
				Instrs: []ir.Instruction{
					&ir.LdcInsn{Kind: ir.LdcString, Str: scrambled},
					&ir.Insn{Op: ir.OpAReturn},
				},
			},
		},
	}
	u := universe.New()
	u.Put(owner, &universe.Class{Node: c})

	changed, err := dashoDecryptor{}.Execute(u, false)
	require.NoError(t, err)
	assert.True(t, changed)

	greet := c.Method("greet", "()Ljava/lang/String;")
	ldc := greet.Instrs[0].(*ir.LdcInsn)
	assert.Equal(t, "secret", ldc.Str)
}
