// Package reloc implements the instruction analyzer and relocator: the two
// components that copy a function's prologue into a trampoline while
// rewriting every instruction whose semantics depend on its address
// (spec.md §4.2, §4.3).
package reloc

import (
	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/disasm"
)

// AnalyzedInstruction is the transient per-instruction record built while
// analyzing a prologue. It lives only for the duration of relocation
// (spec.md §3, "Analyzed instruction").
type AnalyzedInstruction struct {
	Instruction disasm.Instruction

	// Offset is the byte offset of this instruction from the start of the
	// analyzed range.
	Offset int

	// HasRelativeTarget mirrors Instruction.HasRelativeOperand(); kept as a
	// separate field because ExternalTarget below is mutated during the
	// cross-link pass while the source instruction itself is not.
	HasRelativeTarget bool

	// AbsoluteTarget is the computed absolute address a relative operand
	// refers to. Only meaningful if HasRelativeTarget is true.
	AbsoluteTarget uintptr

	// ExternalTarget reports whether AbsoluteTarget lies outside the
	// analyzed range. Starts true for every relative instruction and is
	// cleared by the cross-link pass when another decoded instruction is
	// found at that address.
	ExternalTarget bool

	// IsInternalTarget reports whether at least one decoded instruction in
	// this range targets this instruction.
	IsInternalTarget bool

	// Outgoing is the index of the instruction this one targets, if that
	// target lies inside the analyzed range; -1 otherwise.
	Outgoing int

	// Incoming lists the indices of instructions that target this one.
	Incoming []int
}

// AnalyzeCode decodes instructions from source (whose first byte lives at
// runtime address addr) until at least minDecode bytes have been consumed,
// then cross-links relative instructions that target another decoded
// instruction in the same range. Mirrors ZyrexAnalyzeCode
// (original_source/src/Relocation.c) two-pass structure exactly.
//
// Returns the analyzed instructions and the exact number of bytes consumed
// (which may exceed minDecode if the final instruction straddles the
// boundary).
func AnalyzeCode(mode disasm.Mode, source []byte, addr uintptr, minDecode int) ([]AnalyzedInstruction, int, error) {
	if minDecode <= 0 {
		return nil, 0, errors.New("minDecode must be positive")
	}

	var insts []AnalyzedInstruction
	bytesRead := 0
	for bytesRead < minDecode {
		if bytesRead >= len(source) {
			return nil, 0, errors.Errorf("fewer than %d bytes readable at target", minDecode)
		}
		inst, err := disasm.Decode(source[bytesRead:], addr+uintptr(bytesRead), mode)
		if err != nil {
			return nil, 0, errors.Wrap(err, "analyze prologue")
		}

		item := AnalyzedInstruction{
			Instruction:       inst,
			Offset:            bytesRead,
			HasRelativeTarget: inst.HasRelativeOperand(),
			Outgoing:          -1,
		}
		if item.HasRelativeTarget {
			item.AbsoluteTarget = inst.AbsoluteTarget()
			item.ExternalTarget = true
		}
		insts = append(insts, item)
		bytesRead += inst.Len()
	}

	// Second pass: cross-link instructions whose absolute target lies at the
	// address of another decoded instruction.
	for i := range insts {
		current := &insts[i]
		for j := range insts {
			item := &insts[j]
			if !item.HasRelativeTarget {
				continue
			}
			if item.AbsoluteTarget != addr+uintptr(current.Offset) {
				continue
			}
			item.ExternalTarget = false
			item.Outgoing = i

			current.IsInternalTarget = true
			current.Incoming = append(current.Incoming, j)
		}
	}

	return insts, bytesRead, nil
}
