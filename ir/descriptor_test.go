package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMethodDescriptor(t *testing.T) {
	args, ret := ParseMethodDescriptor("(ILjava/lang/String;[JD)V")
	assert.Equal(t, []string{"I", "Ljava/lang/String;", "[J", "D"}, args)
	assert.Equal(t, "V", ret)
}

func TestParseMethodDescriptorNoArgs(t *testing.T) {
	args, ret := ParseMethodDescriptor("()Ljava/lang/String;")
	assert.Nil(t, args)
	assert.Equal(t, "Ljava/lang/String;", ret)
}

func TestSlotSize(t *testing.T) {
	assert.Equal(t, 2, SlotSize("J"))
	assert.Equal(t, 2, SlotSize("D"))
	assert.Equal(t, 1, SlotSize("I"))
	assert.Equal(t, 1, SlotSize("Ljava/lang/Object;"))
	assert.Equal(t, 1, SlotSize("[J"))
}

func TestArgSlotCount(t *testing.T) {
	assert.Equal(t, 4, ArgSlotCount("(IJLjava/lang/String;)V"))
}

func TestReturnSlotCountVoid(t *testing.T) {
	assert.Equal(t, 0, ReturnSlotCount("()V"))
	assert.Equal(t, 2, ReturnSlotCount("()J"))
}

func TestInternalNameFromClassRef(t *testing.T) {
	assert.Equal(t, "java/lang/String", InternalNameFromClassRef("[Ljava/lang/String;"))
	assert.Equal(t, "", InternalNameFromClassRef("[I"))
	assert.Equal(t, "java/lang/String", InternalNameFromClassRef("java/lang/String"))
}
