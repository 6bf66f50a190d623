// Package xarch emits the small set of x86/x86-64 machine-code sequences the
// hook engine needs to write by hand: the relative near jump used at a patch
// site and the indirect absolute jump used for the callback/back-jump slots
// inside a trampoline chunk.
package xarch

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Is64Bit reports whether the engine is built for a 64-bit address space.
// The trampoline chunk layout (callback pointer slot + indirect callback
// jump) only exists when this is true; see spec.md §3 and §4.5.
const Is64Bit = bits.UintSize == 64

// Sizes of the machine-code sequences this package knows how to emit.
const (
	SizeofRelativeJump = 5 // E9 <disp32>
	SizeofAbsoluteJump = 6 // FF 25 <disp32>
	SizeofShortJump    = 2 // EB <disp8>
	MaxInstructionLen  = 15
)

// PointerSize is the native pointer width in bytes for the target the
// engine is built for (8 on amd64, 4 on 386).
const PointerSize = bits.UintSize / 8

// FitsSigned32 reports whether delta fits into a signed 32-bit displacement.
func FitsSigned32(delta int64) bool {
	return delta >= math.MinInt32 && delta <= math.MaxInt32
}

// FitsSigned reports whether delta fits in a signed immediate of the given
// bit width (8, 16 or 32).
func FitsSigned(delta int64, bits int) bool {
	switch bits {
	case 8:
		return delta >= math.MinInt8 && delta <= math.MaxInt8
	case 16:
		return delta >= math.MinInt16 && delta <= math.MaxInt16
	case 32:
		return FitsSigned32(delta)
	default:
		return false
	}
}

// WriteRelativeJump writes a 5-byte `E9 <disp32>` relative near jump at
// address, targeting destination. Callers are responsible for guaranteeing
// that destination is within reach of a signed 32-bit displacement; this
// function performs no range check (spec.md §4.1).
func WriteRelativeJump(dst []byte, address, destination uintptr) {
	_ = dst[:SizeofRelativeJump]
	disp := int32(int64(destination) - int64(address+SizeofRelativeJump))
	dst[0] = 0xE9
	binary.LittleEndian.PutUint32(dst[1:5], uint32(disp))
}

// WriteAbsoluteJump writes a 6-byte `FF 25 <disp32>` indirect jump at
// address, through pointerSlot. On 64-bit, the encoding is RIP-relative
// (`FF 25 [rip+disp32]`); on 32-bit, the disp32 field is the absolute
// address of the pointer slot itself (`FF 25 [disp32]`), per spec.md §4.1.
func WriteAbsoluteJump(dst []byte, address, pointerSlot uintptr) {
	_ = dst[:SizeofAbsoluteJump]
	dst[0] = 0xFF
	dst[1] = 0x25
	var disp int64
	if Is64Bit {
		disp = int64(pointerSlot) - int64(address+SizeofAbsoluteJump)
	} else {
		disp = int64(pointerSlot)
	}
	binary.LittleEndian.PutUint32(dst[2:6], uint32(int32(disp)))
}

// WriteShortJump writes a 2-byte `EB <disp8>` short jump at address,
// targeting destination. Used for the "jump past the case-taken block"
// step of the JCXZ/LOOP rewrite (spec.md §4.3).
func WriteShortJump(dst []byte, address, destination uintptr) {
	_ = dst[:SizeofShortJump]
	disp := int64(destination) - int64(address+SizeofShortJump)
	dst[0] = 0xEB
	dst[1] = byte(int8(disp))
}

// conditionOpcodes maps the sixteen short Jcc mnemonics (using x86asm's
// canonical Op.String() names) to the second opcode byte of their two-byte
// `0F 8x rel32` form. Grounded on Zyrex's
// ZyrexRelocateRelativeBranchInstruction switch (original_source/src/
// Relocation.c), adjusted to x86asm's condition naming (JA/JAE/... instead
// of the AT&T JNBE/JNB/... spelling the C source uses internally).
var conditionOpcodes = map[string]byte{
	"JO":  0x80,
	"JNO": 0x81,
	"JB":  0x82,
	"JAE": 0x83,
	"JE":  0x84,
	"JNE": 0x85,
	"JBE": 0x86,
	"JA":  0x87,
	"JS":  0x88,
	"JNS": 0x89,
	"JP":  0x8A,
	"JNP": 0x8B,
	"JL":  0x8C,
	"JGE": 0x8D,
	"JLE": 0x8E,
	"JG":  0x8F,
}

// ConditionCodeOpcode returns the second opcode byte of the two-byte `0F 8x`
// encoding for the given short-Jcc mnemonic, and whether the mnemonic is a
// recognized conditional branch.
func ConditionCodeOpcode(mnemonic string) (byte, bool) {
	op, ok := conditionOpcodes[mnemonic]
	return op, ok
}

// WriteEnlargedJmp writes the unconditional 5-byte `E9 rel32` form at
// address, encoding the already-computed 32-bit displacement disp.
func WriteEnlargedJmp(dst []byte, disp int32) {
	_ = dst[:SizeofRelativeJump]
	dst[0] = 0xE9
	binary.LittleEndian.PutUint32(dst[1:5], uint32(disp))
}

// WriteEnlargedJcc writes the two-byte-opcode `0F 8x rel32` conditional jump
// form (6 bytes total) at the start of dst, encoding disp.
func WriteEnlargedJcc(dst []byte, opcode byte, disp int32) {
	_ = dst[:6]
	dst[0] = 0x0F
	dst[1] = opcode
	binary.LittleEndian.PutUint32(dst[2:6], uint32(disp))
}
