package arena

import "github.com/zyantific/zyan-hook-engine/internal/osmem"

// SetAllocatorForTesting swaps the Allocator new regions are carved from and
// clears the region list, returning a func that restores both to their
// prior state. Lets other packages' tests exercise FindOrAllocateChunk/Build
// against a fake Allocator instead of real OS memory, the same seam
// arena's own tests use internally.
func SetAllocatorForTesting(a osmem.Allocator) (restore func()) {
	prevAlloc := allocator
	prevRegions := regions

	regionsMu.Lock()
	allocator = a
	regions = nil
	regionsMu.Unlock()

	return func() {
		regionsMu.Lock()
		allocator = prevAlloc
		regions = prevRegions
		regionsMu.Unlock()
	}
}
