package arena

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/osmem"
)

// maxDisplacement is the ±2 GiB window a chunk must lie within relative to
// both the patch site and every relative target decoded from the prologue
// (spec.md §4.4): the largest magnitude a signed 32-bit displacement can
// express.
const maxDisplacement = 1<<31 - 1

// Region is a single OS-allocation-granularity executable block subdivided
// into fixed-size chunks (spec.md §3 "Trampoline region"). Regions sit at
// executable-read; building a trampoline (Build, via WithWritable)
// temporarily promotes one to executable-read-write for the duration of the
// mutation (spec.md §4.4 "Protection discipline").
type Region struct {
	base uintptr
	size int

	alloc osmem.Allocator
	prot  osmem.Protection

	chunks    []*Chunk
	freeCount int
}

// chunkCount returns how many chunk slots fit after the header slot.
func (r *Region) chunkCount() int { return len(r.chunks) }

// inWindow reports whether every byte of a chunk slot at the given region
// offset lies within ±2 GiB of both addrLo and addrHi.
func (r *Region) inWindow(slotOffset int, addrLo, addrHi uintptr) bool {
	lo := r.base + uintptr(slotOffset)
	hi := lo + uintptr(chunkSlotSize) - 1
	return withinSigned32(lo, addrLo) && withinSigned32(hi, addrLo) &&
		withinSigned32(lo, addrHi) && withinSigned32(hi, addrHi)
}

func withinSigned32(addr, anchor uintptr) bool {
	var delta int64
	if addr >= anchor {
		delta = int64(addr - anchor)
	} else {
		delta = -int64(anchor - addr)
	}
	return delta >= -maxDisplacement-1 && delta <= maxDisplacement
}

var (
	regionsMu sync.Mutex
	regions   []*Region // sorted by base address
)

// findQualifyingChunk implements spec.md §4.4 step 1: binary-search the
// sorted region list by the midpoint of [addrLo, addrHi], then walk outward
// in both directions looking for a region with a free, in-window chunk.
func findQualifyingChunk(addrLo, addrHi uintptr) (*Region, *Chunk) {
	regionsMu.Lock()
	defer regionsMu.Unlock()

	mid := addrLo + (addrHi-addrLo)/2
	idx := sort.Search(len(regions), func(i int) bool { return regions[i].base >= mid })

	for offset := 0; idx-offset >= 0 || idx+offset < len(regions); offset++ {
		if lo := idx - offset; lo >= 0 && lo < len(regions) {
			if c := scanRegion(regions[lo], addrLo, addrHi); c != nil {
				return regions[lo], c
			}
		}
		if hi := idx + offset; offset > 0 && hi < len(regions) {
			if c := scanRegion(regions[hi], addrLo, addrHi); c != nil {
				return regions[hi], c
			}
		}
	}
	return nil, nil
}

// scanRegion returns a free, in-window chunk from r, marking it in-use and
// decrementing r.freeCount before returning it. Called with regionsMu held.
func scanRegion(r *Region, addrLo, addrHi uintptr) *Chunk {
	if r.freeCount == 0 {
		return nil
	}
	for _, c := range r.chunks {
		if c.InUse {
			continue
		}
		if !r.inWindow(c.slotOffset, addrLo, addrHi) {
			continue
		}
		c.InUse = true
		r.freeCount--
		return c
	}
	return nil
}

// allocateRegion implements spec.md §4.4 steps 2–3: ask the allocator for a
// fresh region inside the probe window, carve it into chunks, and insert it
// into the sorted list. The platform allocators try candidate addresses
// from the top of the window downward; they do not walk outward from the
// window's midpoint.
func allocateRegion(addrLo, addrHi uintptr, alloc osmem.Allocator) (*Region, error) {
	granularity := alloc.AllocationGranularity()
	if granularity <= 0 {
		granularity = 0x10000
	}

	lo, hi := regionProbeBounds(addrLo, addrHi, uintptr(granularity))
	base, err := alloc.AllocNear(lo, hi, granularity)
	if err != nil {
		return nil, errors.Wrap(err, "arena: no executable region could be allocated in range")
	}

	slotCount := (granularity - chunkSlotSize) / chunkSlotSize // first slot reserved as header
	if slotCount < 1 {
		slotCount = 1
	}

	r := &Region{
		base:      base,
		size:      granularity,
		alloc:     alloc,
		prot:      osmem.ReadExecute,
		freeCount: slotCount,
	}
	for i := 0; i < slotCount; i++ {
		r.chunks = append(r.chunks, &Chunk{region: r, slotOffset: (i + 1) * chunkSlotSize})
	}

	// FindOrAllocateChunk immediately hands chunks[0] to its caller; mark it
	// in-use and account for it in freeCount now, before r is published to
	// the sorted region list, so freeCount never overcounts free slots.
	r.chunks[0].InUse = true
	r.freeCount--

	regionsMu.Lock()
	idx := sort.Search(len(regions), func(i int) bool { return regions[i].base >= r.base })
	regions = append(regions, nil)
	copy(regions[idx+1:], regions[idx:])
	regions[idx] = r
	regionsMu.Unlock()

	return r, nil
}

// regionProbeBounds clamps the region-allocation search window so the
// region's base (not just its eventual chunk slots) stays within ±2 GiB of
// the requested anchors, leaving room for a full region size.
func regionProbeBounds(addrLo, addrHi uintptr, regionSize uintptr) (uintptr, uintptr) {
	lo := addrHi
	if lo > maxDisplacement {
		lo -= maxDisplacement
	} else {
		lo = 0
	}
	hi := addrLo + maxDisplacement
	if hi < regionSize {
		hi = regionSize
	}
	return lo, hi
}

// releaseRegionIfEmpty unmaps r if every non-header chunk is unused, and
// removes it from the sorted global list.
func releaseRegionIfEmpty(r *Region) error {
	regionsMu.Lock()
	if r.freeCount != len(r.chunks) {
		regionsMu.Unlock()
		return nil
	}
	idx := sort.Search(len(regions), func(i int) bool { return regions[i].base >= r.base })
	if idx < len(regions) && regions[idx] == r {
		regions = append(regions[:idx], regions[idx+1:]...)
	}
	regionsMu.Unlock()

	return r.alloc.Free(r.base, r.size)
}
