package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PlainNopReportsLengthAndMnemonic(t *testing.T) {
	in, err := Decode([]byte{0x90, 0x90}, 0x1000, Mode64)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Len())
	assert.Equal(t, "NOP", in.Mnemonic())
	assert.False(t, in.HasRelativeOperand())
	assert.False(t, in.IsCall())
}

func TestDecode_RejectsTruncatedInstruction(t *testing.T) {
	// A CALL rel32 opcode byte with no displacement bytes following it.
	_, err := Decode([]byte{0xE8}, 0x1000, Mode64)
	require.Error(t, err)
}

func TestInstruction_RelativeCallReportsOperandAndAbsoluteTarget(t *testing.T) {
	// E8 05 00 00 00  -> CALL rel32, displacement +5, decoded at 0x1000.
	in, err := Decode([]byte{0xE8, 0x05, 0x00, 0x00, 0x00}, 0x1000, Mode64)
	require.NoError(t, err)

	assert.True(t, in.IsCall())
	assert.True(t, in.HasRelativeOperand())
	assert.Equal(t, 1, in.RelFieldOffset())
	assert.Equal(t, 4, in.RelFieldSize())
	assert.Equal(t, int64(5), in.RelFieldValue())
	assert.Equal(t, uintptr(0x1000+5+5), in.AbsoluteTarget())
}

func TestInstruction_ConditionalBranchClassification(t *testing.T) {
	// 74 10 -> JE rel8, displacement +0x10.
	in, err := Decode([]byte{0x74, 0x10}, 0x2000, Mode64)
	require.NoError(t, err)

	assert.True(t, in.IsConditionalBranch())
	assert.True(t, in.IsRelativeBranch())
	assert.False(t, in.IsCounterBranch())
	assert.False(t, in.IsLoopBranch())
	assert.Equal(t, uintptr(0x2000+2+0x10), in.AbsoluteTarget())
}

func TestInstruction_RIPRelativeMemoryOperand(t *testing.T) {
	// 48 8B 05 00 00 00 00 -> MOV RAX, [RIP+0].
	in, err := Decode([]byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}, 0x3000, Mode64)
	require.NoError(t, err)

	assert.True(t, in.IsRIPRelativeMemory())
	assert.True(t, in.HasRelativeOperand())
	assert.False(t, in.IsCall())
}

func TestInstruction_CounterAndLoopBranches(t *testing.T) {
	// E3 02 -> JRCXZ rel8.
	jrcxz, err := Decode([]byte{0xE3, 0x02}, 0x1000, Mode64)
	require.NoError(t, err)
	assert.True(t, jrcxz.IsCounterBranch())
	assert.True(t, jrcxz.IsRelativeBranch())

	// E2 02 -> LOOP rel8.
	loop, err := Decode([]byte{0xE2, 0x02}, 0x1000, Mode64)
	require.NoError(t, err)
	assert.True(t, loop.IsLoopBranch())
	assert.True(t, loop.IsRelativeBranch())
}
