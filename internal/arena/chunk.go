// Package arena implements the trampoline arena: range-constrained
// executable memory regions sliced into fixed-size trampoline chunks
// (spec.md §3, §4.4), plus the trampoline builder that populates a chunk
// (spec.md §4.5). Sizing constants are ported from
// original_source/include/Zyrex/Internal/Trampoline.h.
//
// Only the bytes that must physically execute or be read by executing code
// — the callback pointer slot and its indirect jump, the back-jump pointer
// slot, and the relocated code buffer — live in the OS-allocated executable
// region. Bookkeeping that spec.md's C-struct wire layout keeps inline
// (in_use, the translation map, the saved original bytes, the region
// header) lives in ordinary Go memory instead: none of it is ever read by
// the CPU as instructions, so there is nothing to gain from also housing it
// in executable pages, and keeping it in Go memory lets the arena use plain
// slices and maps instead of hand-rolled struct packing. See DESIGN.md.
package arena

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/reloc"
	"github.com/zyantific/zyan-hook-engine/internal/xarch"
)

const (
	ptrSize = xarch.PointerSize

	maxInstructionLen = xarch.MaxInstructionLen // 15

	// maxCodeSize is ZYREX_TRAMPOLINE_MAX_CODE_SIZE: the worst case for a
	// single relocated instruction plus the relative jump it replaces.
	maxCodeSize = maxInstructionLen + xarch.SizeofRelativeJump - 1 // 19

	// maxCodeSizeBonus accounts for the JCXZ/LOOP rewrite, which turns one
	// source instruction into up to three destination instructions.
	maxCodeSizeBonus = 8

	// MaxCodeBufferSize is the relocated-code portion of a chunk's code
	// buffer, excluding the trailing back-jump (spec.md §6 wire layout:
	// "code_buffer: up to 27 bytes").
	MaxCodeBufferSize = maxCodeSize + maxCodeSizeBonus // 27

	// MaxCodeSizeWithBackjump is the total capacity of the executable code
	// area: CodeBuffer plus the trailing 6-byte absolute back-jump.
	MaxCodeSizeWithBackjump = MaxCodeBufferSize + xarch.SizeofAbsoluteJump // 33

	// MaxOriginalCodeSize is the capacity of the saved original-bytes backup
	// (spec.md §6: "original_code: up to 19 bytes").
	MaxOriginalCodeSize = maxCodeSize // 19

	// maxInstructionCount/maxInstructionCountBonus bound the translation
	// map's fixed backing array (Trampoline.h MAX_INSTRUCTION_COUNT(_BONUS)).
	maxInstructionCount      = xarch.SizeofRelativeJump // 5
	maxInstructionCountBonus = 2
	maxTranslationEntries    = maxInstructionCount + maxInstructionCountBonus // 7

	// regionSignature is the 'zrex' magic Zyrex's region header carries,
	// ported verbatim (original_source/include/Zyrex/Internal/Trampoline.h).
	regionSignature uint32 = 0x7A726578

	// calloutSize is the size, in bytes, of the 64-bit-only callback area:
	// an 8-byte pointer slot immediately followed by its 6-byte indirect
	// jump, rounded up to pointer alignment.
	calloutSize = 16
)

// calloutSlotSize is 0 on 32-bit builds (no callback pointer slot/jump is
// needed: the patch site's relative jump reaches the code buffer directly),
// and calloutSize on 64-bit builds.
var calloutSlotSize = computeCalloutSlotSize()

// chunkSlotSize is the fixed size of one trampoline slot inside a region's
// executable memory: the (optional) callout area, the back-jump pointer
// slot, and the code area, rounded up to pointer alignment.
var chunkSlotSize = alignUp(calloutSlotSize+ptrSize+MaxCodeSizeWithBackjump, ptrSize)

func computeCalloutSlotSize() int {
	if xarch.Is64Bit {
		return calloutSize
	}
	return 0
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Chunk is one fixed-size trampoline slot inside a Region (spec.md §3
// "Trampoline chunk").
type Chunk struct {
	InUse bool

	// PatchSite and Callback record where this chunk was installed,
	// needed by the transaction on Remove/Commit to find the bytes to
	// restore and the address to jump to.
	PatchSite uintptr
	Callback  uintptr

	CodeBufferSize   uint8
	OriginalCode     [MaxOriginalCodeSize]byte
	OriginalCodeSize uint8
	TranslationMap   reloc.TranslationMap

	region     *Region
	slotOffset int
}

// Address returns the chunk's identity: the runtime address of its code
// buffer's first byte — the value returned to callers in place of the
// original function (spec.md §3).
func (c *Chunk) Address() uintptr { return c.codeBufferAddr() }

func (c *Chunk) calloutAddr() uintptr { return c.region.base + uintptr(c.slotOffset) }
func (c *Chunk) backjumpSlotAddr() uintptr {
	return c.calloutAddr() + uintptr(calloutSlotSize)
}
func (c *Chunk) codeBufferAddr() uintptr { return c.backjumpSlotAddr() + uintptr(ptrSize) }

// CallbackJumpAddress returns the address of the 6-byte indirect callback
// jump (64-bit only); the patch site's relative jump targets this address.
func (c *Chunk) CallbackJumpAddress() uintptr { return c.calloutAddr() + uintptr(ptrSize) }

// BackjumpAddress returns the address stored in the back-jump pointer slot,
// which equals patch_site + original_code_size once the chunk is built
// (spec.md §3).
func (c *Chunk) BackjumpAddress() uintptr {
	return *(*uintptr)(unsafe.Pointer(c.backjumpSlotAddr()))
}

// CodeBuffer returns a slice over the chunk's executable code area
// (capacity MaxCodeSizeWithBackjump), backed directly by the region's
// mapped memory.
func (c *Chunk) CodeBuffer() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c.codeBufferAddr())), MaxCodeSizeWithBackjump)
}

// SetCallbackAddress writes callback into the chunk's callback pointer slot
// (64-bit only). Must be called while the region is writable.
func (c *Chunk) SetCallbackAddress(callback uintptr) {
	p := (*uintptr)(unsafe.Pointer(c.calloutAddr()))
	*p = callback
}

// SetBackjumpTarget writes target into the chunk's back-jump pointer slot.
// Must be called while the region is writable.
func (c *Chunk) SetBackjumpTarget(target uintptr) {
	p := (*uintptr)(unsafe.Pointer(c.backjumpSlotAddr()))
	*p = target
}

// validate checks the invariants spec.md §3 lists for a populated chunk.
// Called at the end of Build.
func (c *Chunk) validate() error {
	if int(c.CodeBufferSize)+xarch.SizeofAbsoluteJump > MaxCodeSizeWithBackjump {
		return errors.Errorf("arena: chunk code_buffer_size %d leaves no room for the back-jump", c.CodeBufferSize)
	}
	last := -1
	for _, e := range c.TranslationMap {
		if e.SourceOffset < last {
			return errors.New("arena: translation map source offsets are not non-decreasing")
		}
		last = e.SourceOffset
	}
	return nil
}
