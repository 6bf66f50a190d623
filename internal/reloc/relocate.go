package reloc

import (
	"fmt"

	"github.com/zyantific/zyan-hook-engine/internal/disasm"
	"github.com/zyantific/zyan-hook-engine/internal/xarch"
)

// UnsupportedInstructionError is returned when the prologue contains a CALL
// of any form, or a relative instruction whose rewriting is not supported
// (spec.md §4.3.3, RelocateError::UnsupportedInstruction).
type UnsupportedInstructionError struct {
	Offset   int
	Mnemonic string
	Reason   string
}

func (e *UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("unsupported instruction %q at offset %d: %s", e.Mnemonic, e.Offset, e.Reason)
}

// TranslationEntry is one (source_offset, destination_offset) pair of the
// trampoline's instruction translation map (spec.md §3).
type TranslationEntry struct {
	SourceOffset      int
	DestinationOffset int
}

// TranslationMap is the ordered translation map built during relocation.
// Entries are non-decreasing in SourceOffset; a single source instruction
// that is rewritten into multiple destination instructions (the JCXZ/LOOP
// case) contributes more than one entry sharing the same SourceOffset.
type TranslationMap []TranslationEntry

// FindBySource returns the entry whose SourceOffset equals offset.
func (m TranslationMap) FindBySource(offset int) (TranslationEntry, bool) {
	for _, e := range m {
		if e.SourceOffset == offset {
			return e, true
		}
	}
	return TranslationEntry{}, false
}

// FindByDestination returns the entry whose DestinationOffset equals offset.
func (m TranslationMap) FindByDestination(offset int) (TranslationEntry, bool) {
	for _, e := range m {
		if e.DestinationOffset == offset {
			return e, true
		}
	}
	return TranslationEntry{}, false
}

// Result is the outcome of a successful Relocate call.
type Result struct {
	BytesRead    int
	BytesWritten int
	Map          TranslationMap
}

// placement records where a single source instruction's (possibly rewritten
// or enlarged) code ended up in the destination buffer, plus what is needed
// to fix up its relative operand in the final pass (§4.3.2), if any.
type placement struct {
	destOffset int
	destLen    int

	needsFixup  bool
	fixupOffset int // offset of the relative field, relative to destOffset
	fixupSize   int // size in bytes of that field (1, 2 or 4)
	fixupTarget int // index into the analyzed-instruction slice
}

// Relocate copies the prologue at srcAddr/src into the trampoline buffer at
// dstAddr/dst, rewriting every relative instruction whose target would
// otherwise be wrong once moved, per spec.md §4.3. minDecode is the minimum
// number of bytes that must be relocated (usually 5, the size of the
// relative jump written at the patch site).
func Relocate(mode disasm.Mode, srcAddr uintptr, src []byte, dstAddr uintptr, dst []byte, minDecode int) (Result, error) {
	analyzed, bytesToReloc, err := AnalyzeCode(mode, src, srcAddr, minDecode)
	if err != nil {
		return Result{}, err
	}

	placements := make([]placement, len(analyzed))
	var tm TranslationMap
	bytesWritten := 0

	addEntry := func(sourceOffset, destOffset int) {
		tm = append(tm, TranslationEntry{SourceOffset: sourceOffset, DestinationOffset: destOffset})
	}

	copyVerbatim := func(ana *AnalyzedInstruction) int {
		n := ana.Instruction.Len()
		copy(dst[bytesWritten:], ana.Instruction.Raw)
		addEntry(ana.Offset, bytesWritten)
		out := bytesWritten
		bytesWritten += n
		return out
	}

	for i := range analyzed {
		ana := &analyzed[i]
		inst := ana.Instruction

		if inst.IsCall() {
			return Result{}, &UnsupportedInstructionError{
				Offset: ana.Offset, Mnemonic: inst.Mnemonic(),
				Reason: "CALL would return into the trampoline after an unhook, resuming in freed memory",
			}
		}

		if !ana.HasRelativeTarget {
			destOffset := copyVerbatim(ana)
			placements[i] = placement{destOffset: destOffset, destLen: inst.Len()}
			continue
		}

		if inst.IsRIPRelativeMemory() {
			if ana.Outgoing != -1 {
				// The RIP-relative operand coincidentally points at another
				// decoded instruction in this prologue. Zyrex leaves this
				// unimplemented (TODO in Relocation.c); per spec.md §9's
				// open question this port rejects it rather than
				// redirecting through the saved original bytes.
				return Result{}, &UnsupportedInstructionError{
					Offset: ana.Offset, Mnemonic: inst.Mnemonic(),
					Reason: "RIP-relative operand targets inside the relocated prologue",
				}
			}
			destOffset := copyVerbatim(ana)
			placements[i] = placement{destOffset: destOffset, destLen: inst.Len()}
			if err := rebaseExternal(dst, dstAddr, destOffset, inst, ana.AbsoluteTarget, inst.RelFieldSize()); err != nil {
				return Result{}, err
			}
			continue
		}

		if !inst.IsRelativeBranch() {
			// We should not be able to reach this point if every relative
			// instruction kind has been handled above (mirrors the
			// ZYAN_UNREACHABLE assertion in Relocation.c).
			return Result{}, &UnsupportedInstructionError{
				Offset: ana.Offset, Mnemonic: inst.Mnemonic(),
				Reason: "relative instruction kind not recognized",
			}
		}

		if ana.Outgoing != -1 {
			// Internal target: copy verbatim now, fix the displacement up
			// once every instruction's final destination offset is known
			// (spec.md §4.3.2).
			destOffset := copyVerbatim(ana)
			placements[i] = placement{
				destOffset:  destOffset,
				destLen:     inst.Len(),
				needsFixup:  true,
				fixupOffset: inst.RelFieldOffset(),
				fixupSize:   inst.RelFieldSize(),
				fixupTarget: ana.Outgoing,
			}
			continue
		}

		// External-target branch.
		switch {
		case inst.IsCounterBranch() || inst.IsLoopBranch():
			destOffset, destLen, err := relocateCounterOrLoop(dst, dstAddr, &bytesWritten, ana, inst, addEntry)
			if err != nil {
				return Result{}, err
			}
			placements[i] = placement{destOffset: destOffset, destLen: destLen}
		case inst.RelFieldSize() == 4:
			destOffset := copyVerbatim(ana)
			placements[i] = placement{destOffset: destOffset, destLen: inst.Len()}
			if err := rebaseExternal(dst, dstAddr, destOffset, inst, ana.AbsoluteTarget, 4); err != nil {
				return Result{}, err
			}
		default:
			destOffset, destLen, err := relocateShortBranch(dst, dstAddr, &bytesWritten, ana, inst)
			if err != nil {
				return Result{}, err
			}
			placements[i] = placement{destOffset: destOffset, destLen: destLen}
		}
	}

	// Final fixup pass (spec.md §4.3.2): now that every instruction's
	// destination offset is known, recompute and write the displacement of
	// every internal-target relative instruction.
	for i := range analyzed {
		p := &placements[i]
		if !p.needsFixup {
			continue
		}
		target := placements[p.fixupTarget]
		newSiteEnd := dstAddr + uintptr(p.destOffset+p.destLen)
		newDisp := int64(dstAddr+uintptr(target.destOffset)) - int64(newSiteEnd)
		if !xarch.FitsSigned(newDisp, p.fixupSize*8) {
			return Result{}, &UnsupportedInstructionError{
				Offset: analyzed[i].Offset, Mnemonic: analyzed[i].Instruction.Mnemonic(),
				Reason: "internal branch displacement no longer fits after relocation",
			}
		}
		writeSigned(dst[p.destOffset+p.fixupOffset:], p.fixupSize, newDisp)
	}

	return Result{BytesRead: bytesToReloc, BytesWritten: bytesWritten, Map: tm}, nil
}

// rebaseExternal rewrites the relative field of an instruction that was
// copied verbatim to destOffset so that it still reaches absoluteTarget from
// its new home. Mirrors ZyrexRebaseRelativeOffset
// (original_source/src/Relocation.c): the new displacement is measured from
// the end of the (unchanged-length) instruction at its new address.
func rebaseExternal(dst []byte, dstAddr uintptr, destOffset int, inst disasm.Instruction, absoluteTarget uintptr, size int) error {
	newSiteEnd := int64(dstAddr) + int64(destOffset+inst.Len())
	newDisp := int64(absoluteTarget) - newSiteEnd
	if !xarch.FitsSigned(newDisp, size*8) {
		return &UnsupportedInstructionError{
			Offset: destOffset, Mnemonic: inst.Mnemonic(),
			Reason: "rebased external target does not fit the original operand width",
		}
	}
	writeSigned(dst[destOffset+inst.RelFieldOffset():], size, newDisp)
	return nil
}

// relocateShortBranch handles an external-target branch whose original
// immediate is 8 or 16 bits wide: rebased in place if the new displacement
// still fits, otherwise enlarged to a 32-bit form (spec.md §4.3, §4.3.1).
func relocateShortBranch(dst []byte, dstAddr uintptr, bytesWritten *int, ana *AnalyzedInstruction, inst disasm.Instruction) (destOffset, destLen int, err error) {
	destOffset = *bytesWritten
	size := inst.RelFieldSize()
	newSiteEnd := int64(dstAddr) + int64(destOffset+inst.Len())
	distance := int64(ana.AbsoluteTarget) - newSiteEnd

	if xarch.FitsSigned(distance, size*8) {
		copy(dst[destOffset:], inst.Raw)
		writeSigned(dst[destOffset+inst.RelFieldOffset():], size, distance)
		*bytesWritten += inst.Len()
		return destOffset, inst.Len(), nil
	}

	// Enlarge to a 32-bit form.
	if inst.IsUnconditionalJump() {
		newLen := xarch.SizeofRelativeJump
		newSiteEnd = int64(dstAddr) + int64(destOffset+newLen)
		disp := int64(ana.AbsoluteTarget) - newSiteEnd
		if !xarch.FitsSigned32(disp) {
			return 0, 0, &UnsupportedInstructionError{
				Offset: ana.Offset, Mnemonic: inst.Mnemonic(), Reason: "target unreachable even with a 32-bit jump",
			}
		}
		xarch.WriteEnlargedJmp(dst[destOffset:], int32(disp))
		*bytesWritten += newLen
		return destOffset, newLen, nil
	}

	opcode, ok := xarch.ConditionCodeOpcode(inst.Mnemonic())
	if !ok {
		return 0, 0, &UnsupportedInstructionError{
			Offset: ana.Offset, Mnemonic: inst.Mnemonic(), Reason: "no 32-bit encoding known for this branch",
		}
	}
	newLen := 6
	newSiteEnd = int64(dstAddr) + int64(destOffset+newLen)
	disp := int64(ana.AbsoluteTarget) - newSiteEnd
	if !xarch.FitsSigned32(disp) {
		return 0, 0, &UnsupportedInstructionError{
			Offset: ana.Offset, Mnemonic: inst.Mnemonic(), Reason: "target unreachable even with a 32-bit jump",
		}
	}
	xarch.WriteEnlargedJcc(dst[destOffset:], opcode, int32(disp))
	*bytesWritten += newLen
	return destOffset, newLen, nil
}

// relocateCounterOrLoop rewrites JCXZ/JECXZ/JRCXZ/LOOP/LOOPE/LOOPNE — none of
// which have a 32-bit encoding — into the three-instruction sequence
// spec.md §4.3 describes:
//
//  1. the original short instruction, displacement rewritten to skip the
//     two bytes of (2);
//  2. `EB 05`, a short jump past the 5-byte absolute jump in (3);
//  3. `E9 rel32`, jumping to the original absolute target.
//
// Each of the three destination instructions gets its own translation-map
// entry, all three with SourceOffset == ana.Offset (spec.md §3:
// "source_offset is strictly non-decreasing, not strictly increasing").
func relocateCounterOrLoop(dst []byte, dstAddr uintptr, bytesWritten *int, ana *AnalyzedInstruction, inst disasm.Instruction, addEntry func(source, dest int)) (destOffset, destLen int, err error) {
	start := *bytesWritten
	shortLen := inst.Len()
	shortOffset := start
	addEntry(ana.Offset, shortOffset)

	copy(dst[shortOffset:], inst.Raw)
	// The rewritten short instruction always skips exactly the two bytes of
	// the EB 05 that follows it, landing on the 32-bit jump.
	writeSigned(dst[shortOffset+inst.RelFieldOffset():], inst.RelFieldSize(), 2)

	ebOffset := shortOffset + shortLen
	addEntry(ana.Offset, ebOffset)
	xarch.WriteShortJump(dst[ebOffset:], dstAddr+uintptr(ebOffset), dstAddr+uintptr(ebOffset+xarch.SizeofShortJump+xarch.SizeofRelativeJump))

	jmpOffset := ebOffset + xarch.SizeofShortJump
	addEntry(ana.Offset, jmpOffset)
	jmpSiteEnd := int64(dstAddr) + int64(jmpOffset+xarch.SizeofRelativeJump)
	disp := int64(ana.AbsoluteTarget) - jmpSiteEnd
	if !xarch.FitsSigned32(disp) {
		return 0, 0, &UnsupportedInstructionError{
			Offset: ana.Offset, Mnemonic: inst.Mnemonic(), Reason: "target unreachable even with a 32-bit jump",
		}
	}
	xarch.WriteEnlargedJmp(dst[jmpOffset:], int32(disp))

	destLen = jmpOffset + xarch.SizeofRelativeJump - start
	*bytesWritten = start + destLen
	return start, destLen, nil
}

// writeSigned writes value into dst's first size bytes as a little-endian
// signed integer of that width. size must be 1, 2 or 4.
func writeSigned(dst []byte, size int, value int64) {
	switch size {
	case 1:
		dst[0] = byte(int8(value))
	case 2:
		v := uint16(int16(value))
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
	case 4:
		v := uint32(int32(value))
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v >> 16)
		dst[3] = byte(v >> 24)
	}
}
