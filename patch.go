package zhook

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/osmem"
	"github.com/zyantific/zyan-hook-engine/internal/xarch"
)

// memAllocator is the Allocator patchSite/restoreOriginal flip protection
// through. A package-level var, like internal/arena's equivalent, so tests
// can swap in a fake instead of touching real process memory.
var memAllocator osmem.Allocator = osmem.Default()

// patchSite overwrites originalSize bytes at site with a 5-byte relative
// jump to jumpTarget, per spec.md §4.7 commit step 1 (Attach): "write the
// 5-byte relative jump at the patch site targeting the chunk's
// callback-jump slot (64-bit) or the callback directly (32-bit); flush
// instruction cache."
func patchSite(site uintptr, originalSize int, jumpTarget uintptr) error {
	alloc := memAllocator
	prev, err := alloc.Protect(site, originalSize, osmem.ReadWriteExecute)
	if err != nil {
		return errors.Wrap(err, "patchSite: make target writable")
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(site)), originalSize)
	xarch.WriteRelativeJump(dst[:xarch.SizeofRelativeJump], site, jumpTarget)
	for i := xarch.SizeofRelativeJump; i < originalSize; i++ {
		dst[i] = 0xCC
	}

	if _, err := alloc.Protect(site, originalSize, prev); err != nil {
		return errors.Wrap(err, "patchSite: restore target protection")
	}
	if err := alloc.FlushInstructionCache(site, originalSize); err != nil {
		return errors.Wrap(err, "patchSite: flush instruction cache")
	}
	return nil
}

// restoreOriginal writes original back over site, the mirror image of
// patchSite used by Remove (spec.md §4.7 commit step 1, Remove).
func restoreOriginal(site uintptr, original []byte) error {
	alloc := memAllocator
	prev, err := alloc.Protect(site, len(original), osmem.ReadWriteExecute)
	if err != nil {
		return errors.Wrap(err, "restoreOriginal: make target writable")
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(site)), len(original))
	copy(dst, original)

	if _, err := alloc.Protect(site, len(original), prev); err != nil {
		return errors.Wrap(err, "restoreOriginal: restore target protection")
	}
	return alloc.FlushInstructionCache(site, len(original))
}
