// Package disasm wraps golang.org/x/arch/x86/x86asm with the narrow surface
// the hook engine needs from "a black-box disassembler capable of decoding
// one instruction and reporting its length, mnemonic, relative-operand
// offsets, immediate/displacement sizes and signedness, and absolute target
// given a runtime address" (spec.md §1). golang.org/x/arch/x86/x86asm is the
// same disassembler the teacher (Dk2014/hinako) imports for this engine's
// original Windows-only ancestor.
package disasm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode selects the processor mode to decode in, mirroring Zydis's
// ZYDIS_MACHINE_MODE_LONG_COMPAT_32 / ZYDIS_MACHINE_MODE_LONG_64 distinction
// (original_source/src/Relocation.c, ZyrexAnalyzeCode).
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Instruction is a single decoded instruction together with the runtime
// address it was decoded at.
type Instruction struct {
	Inst x86asm.Inst
	Addr uintptr
	Raw  []byte
}

// Decode decodes a single instruction from the front of src, which is
// assumed to live at runtime address addr.
func Decode(src []byte, addr uintptr, mode Mode) (Instruction, error) {
	inst, err := x86asm.Decode(src, int(mode))
	if err != nil {
		return Instruction{}, errors.Wrap(err, "decode instruction")
	}
	return Instruction{Inst: inst, Addr: addr, Raw: src[:inst.Len]}, nil
}

// Len returns the total encoded length of the instruction in bytes.
func (in Instruction) Len() int { return in.Inst.Len }

// Mnemonic returns the canonical x86asm opcode name (e.g. "JMP", "CALL",
// "JECXZ").
func (in Instruction) Mnemonic() string { return in.Inst.Op.String() }

// HasRelativeOperand reports whether the instruction encodes a relative
// branch target or a RIP-relative memory operand. Corresponds to
// ZYDIS_ATTRIB_IS_RELATIVE in the original Zyrex source.
func (in Instruction) HasRelativeOperand() bool { return in.Inst.PCRel > 0 }

// RelFieldOffset returns the byte offset of the relative field (branch
// immediate, or RIP-relative displacement) within the encoded instruction.
func (in Instruction) RelFieldOffset() int { return in.Inst.PCRelOff }

// RelFieldSize returns the size, in bytes, of the relative field (1, 2 or 4).
func (in Instruction) RelFieldSize() int { return in.Inst.PCRel }

// IsCall reports whether the instruction is any form of CALL — relative,
// indirect through a register, or indirect through memory. The hook engine
// refuses to relocate all of them (spec.md §4.3).
func (in Instruction) IsCall() bool { return in.Inst.Op == x86asm.CALL }

// IsUnconditionalJump reports whether the instruction is a plain JMP.
func (in Instruction) IsUnconditionalJump() bool { return in.Inst.Op == x86asm.JMP }

// IsConditionalBranch reports whether the instruction is one of the sixteen
// Jcc branches, in either its short (rel8) or near (rel16/rel32) encoding.
func (in Instruction) IsConditionalBranch() bool {
	switch in.Inst.Op {
	case x86asm.JO, x86asm.JNO, x86asm.JB, x86asm.JAE, x86asm.JE, x86asm.JNE,
		x86asm.JBE, x86asm.JA, x86asm.JS, x86asm.JNS, x86asm.JP, x86asm.JNP,
		x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG:
		return true
	default:
		return false
	}
}

// IsRelativeBranch reports whether the instruction is any branch this engine
// knows how to relocate by rewriting an immediate: JMP, a conditional Jcc,
// JCXZ/JECXZ/JRCXZ, or LOOP/LOOPE/LOOPNE.
func (in Instruction) IsRelativeBranch() bool {
	return in.IsUnconditionalJump() || in.IsConditionalBranch() ||
		in.IsCounterBranch() || in.IsLoopBranch()
}

// IsCounterBranch reports whether the instruction is JCXZ/JECXZ/JRCXZ.
func (in Instruction) IsCounterBranch() bool {
	switch in.Inst.Op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	default:
		return false
	}
}

// IsLoopBranch reports whether the instruction is LOOP/LOOPE/LOOPNE.
func (in Instruction) IsLoopBranch() bool {
	switch in.Inst.Op {
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	default:
		return false
	}
}

// IsRIPRelativeMemory reports whether the instruction addresses memory
// through a RIP-relative operand (`mod=00, rm=101` in the original's ModRM
// check; x86asm exposes this directly as Mem.Base == RIP).
func (in Instruction) IsRIPRelativeMemory() bool {
	for _, a := range in.Inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// RelFieldValue reads the raw signed relative field out of the encoded
// instruction bytes.
func (in Instruction) RelFieldValue() int64 {
	off := in.Inst.PCRelOff
	switch in.Inst.PCRel {
	case 1:
		return int64(int8(in.Raw[off]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(in.Raw[off : off+2])))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(in.Raw[off : off+4])))
	default:
		return 0
	}
}

// AbsoluteTarget computes the absolute target address a relative instruction
// refers to, given the runtime address of the instruction itself. Mirrors
// ZyrexCalcAbsoluteAddress (original_source/src/Relocation.c and
// include/Zyrex/Internal/Relocation.h).
func (in Instruction) AbsoluteTarget() uintptr {
	return uintptr(int64(in.Addr) + int64(in.Inst.Len) + in.RelFieldValue())
}
