package xarch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRelativeJump(t *testing.T) {
	dst := make([]byte, SizeofRelativeJump)
	WriteRelativeJump(dst, 0x1000, 0x2000)

	require.Equal(t, byte(0xE9), dst[0])
	assert.Equal(t, int32(0x2000-0x1005), int32(leUint32(dst[1:5])))
}

func TestWriteShortJump_Backward(t *testing.T) {
	dst := make([]byte, SizeofShortJump)
	WriteShortJump(dst, 0x1000, 0x1000-100)

	require.Equal(t, byte(0xEB), dst[0])
	assert.Equal(t, int8(-102), int8(dst[1]))
}

func TestWriteAbsoluteJump_64BitIsRIPRelative(t *testing.T) {
	if !Is64Bit {
		t.Skip("RIP-relative indirect jump encoding only applies to 64-bit builds")
	}
	dst := make([]byte, SizeofAbsoluteJump)
	WriteAbsoluteJump(dst, 0x1000, 0x1000+6+0x40)

	assert.Equal(t, []byte{0xFF, 0x25}, dst[:2])
	assert.Equal(t, int32(0x40), int32(leUint32(dst[2:6])))
}

func TestConditionCodeOpcode(t *testing.T) {
	op, ok := ConditionCodeOpcode("JNE")
	require.True(t, ok)
	assert.Equal(t, byte(0x85), op)

	_, ok = ConditionCodeOpcode("NOTAJUMP")
	assert.False(t, ok)
}

func TestFitsSigned32(t *testing.T) {
	assert.True(t, FitsSigned32(1<<31-1))
	assert.False(t, FitsSigned32(1<<31))
	assert.True(t, FitsSigned32(-(1 << 31)))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
