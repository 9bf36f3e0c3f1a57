package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstructionModifierReplace(t *testing.T) {
	a := &Insn{Op: OpNop}
	b := &Insn{Op: OpPop}
	c := &Insn{Op: OpReturn}
	m := &MethodNode{Instrs: []Instruction{a, b, c}}

	mod := NewInstructionModifier(m)
	assert.False(t, mod.Pending())
	mod.Replace(b, &Insn{Op: OpDup}, &Insn{Op: OpDup})
	assert.True(t, mod.Pending())
	mod.Apply()

	assert.Equal(t, []int{OpNop, OpDup, OpDup, OpReturn}, opcodes(m.Instrs))
	assert.False(t, mod.Pending())
}

func TestInstructionModifierRemoveAndInsert(t *testing.T) {
	a := &Insn{Op: OpNop}
	b := &Insn{Op: OpPop}
	c := &Insn{Op: OpReturn}
	m := &MethodNode{Instrs: []Instruction{a, b, c}}

	mod := NewInstructionModifier(m)
	mod.Remove(b)
	mod.InsertBefore(c, &Insn{Op: OpDup})
	mod.InsertAfter(c, &Insn{Op: OpAThrow})
	mod.Apply()

	assert.Equal(t, []int{OpNop, OpDup, OpReturn, OpAThrow}, opcodes(m.Instrs))
}

func TestInstructionModifierApplyIsNoopWithoutEdits(t *testing.T) {
	a := &Insn{Op: OpNop}
	m := &MethodNode{Instrs: []Instruction{a}}
	mod := NewInstructionModifier(m)
	mod.Apply()
	assert.Equal(t, []Instruction{a}, m.Instrs)
}

func opcodes(instrs []Instruction) []int {
	out := make([]int, len(instrs))
	for i, ins := range instrs {
		out[i] = ins.Opcode()
	}
	return out
}
