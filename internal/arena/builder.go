package arena

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/disasm"
	"github.com/zyantific/zyan-hook-engine/internal/reloc"
	"github.com/zyantific/zyan-hook-engine/internal/xarch"
)

// MinDecode is the minimum number of prologue bytes that must be relocated:
// enough to safely overwrite with the 5-byte relative jump (spec.md §4.5).
const MinDecode = 5

// maxSafelyReadableBytes bounds how much of the target function the
// relocator is allowed to read while analyzing the prologue: the worst case
// a single oversized final instruction can push decoding past min_decode.
const maxSafelyReadableBytes = MinDecode + xarch.MaxInstructionLen - 1

// readTarget returns a snapshot of n bytes of process memory starting at
// addr. The trampoline builder and the arena's range computation both read
// the live, unpatched target function this way.
func readTarget(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

// ComputeRange decodes the prologue at patchSite far enough to relocate at
// least MinDecode bytes, and returns the [addrLo, addrHi] window
// FindOrAllocateChunk must satisfy: the patch site itself, widened (on
// 64-bit) to include every absolute target of a relative instruction in the
// prologue that points outside the prologue (spec.md §4.4). Targets inside
// the prologue are not included.
func ComputeRange(mode disasm.Mode, patchSite uintptr) (addrLo, addrHi uintptr, err error) {
	raw := readTarget(patchSite, maxSafelyReadableBytes)
	analyzed, _, err := reloc.AnalyzeCode(mode, raw, patchSite, MinDecode)
	if err != nil {
		return 0, 0, errors.Wrap(err, "arena: analyze prologue for range computation")
	}

	addrLo, addrHi = patchSite, patchSite
	if !xarch.Is64Bit {
		return addrLo, addrHi, nil
	}
	for _, a := range analyzed {
		if !a.HasRelativeTarget || !a.ExternalTarget {
			continue
		}
		if a.AbsoluteTarget < addrLo {
			addrLo = a.AbsoluteTarget
		}
		if a.AbsoluteTarget > addrHi {
			addrHi = a.AbsoluteTarget
		}
	}
	return addrLo, addrHi, nil
}

// Build populates chunk per spec.md §4.5: stores the callback pointer and
// its indirect jump (64-bit only), relocates the prologue into the code
// buffer, appends the back-jump to the unpatched remainder of the target,
// pads unused capacity with int3, and saves the original bytes that install
// will overwrite. Returns the number of original bytes the caller must
// overwrite at patchSite with the patch-site jump.
func Build(chunk *Chunk, patchSite, callback uintptr, mode disasm.Mode) (bytesRead int, err error) {
	raw := readTarget(patchSite, maxSafelyReadableBytes)

	errFn := WithWritable(chunk.region, func() error {
		// chunk is already marked in-use by FindOrAllocateChunk.
		chunk.PatchSite = patchSite
		chunk.Callback = callback

		if xarch.Is64Bit {
			chunk.SetCallbackAddress(callback)
			xarch.WriteAbsoluteJump(
				unsafe.Slice((*byte)(unsafe.Pointer(chunk.CallbackJumpAddress())), xarch.SizeofAbsoluteJump),
				chunk.CallbackJumpAddress(), chunk.calloutAddr(),
			)
		}

		dst := chunk.CodeBuffer()
		result, err := reloc.Relocate(mode, patchSite, raw, chunk.codeBufferAddr(), dst, MinDecode)
		if err != nil {
			return err
		}
		bytesRead = result.BytesRead

		if result.BytesWritten+xarch.SizeofAbsoluteJump > len(dst) {
			return errors.New("arena: relocated code does not fit in the chunk's code buffer")
		}

		backjumpTarget := patchSite + uintptr(result.BytesRead)
		chunk.SetBackjumpTarget(backjumpTarget)
		xarch.WriteAbsoluteJump(dst[result.BytesWritten:result.BytesWritten+xarch.SizeofAbsoluteJump],
			chunk.codeBufferAddr()+uintptr(result.BytesWritten), chunk.backjumpSlotAddr())

		for i := result.BytesWritten + xarch.SizeofAbsoluteJump; i < len(dst); i++ {
			dst[i] = 0xCC
		}

		chunk.CodeBufferSize = uint8(result.BytesWritten)
		chunk.TranslationMap = result.Map
		chunk.OriginalCodeSize = uint8(result.BytesRead)
		copy(chunk.OriginalCode[:result.BytesRead], raw[:result.BytesRead])

		return chunk.validate()
	})
	if errFn != nil {
		return 0, errFn
	}
	return bytesRead, nil
}
