package arena

import (
	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/osmem"
)

// ErrOutOfRange mirrors RelocateError::OutOfRange/spec.md §7: no trampoline
// region can be allocated within ±2 GiB of the required window.
var ErrOutOfRange = errors.New("arena: no trampoline region can be allocated within range")

// allocator is the Allocator new regions are carved from. A package-level
// var (rather than always calling osmem.Default() inline) so tests can swap
// in a fake that satisfies osmem.Allocator without touching real OS memory.
var allocator osmem.Allocator = osmem.Default()

// FindOrAllocateChunk implements spec.md §4.4: locate a free chunk whose
// slot lies within ±2 GiB of both addrLo and addrHi (a qualifying existing
// region first, a freshly allocated region otherwise).
func FindOrAllocateChunk(addrLo, addrHi uintptr) (*Region, *Chunk, error) {
	if addrLo > addrHi {
		addrLo, addrHi = addrHi, addrLo
	}

	if r, c := findQualifyingChunk(addrLo, addrHi); c != nil {
		return r, c, nil
	}

	r, err := allocateRegion(addrLo, addrHi, allocator)
	if err != nil {
		return nil, nil, ErrOutOfRange
	}
	if len(r.chunks) == 0 {
		return nil, nil, ErrOutOfRange
	}
	// allocateRegion already marked chunks[0] in-use and accounted for it in
	// freeCount, since it is handed out unconditionally here.
	return r, r.chunks[0], nil
}

// ReleaseChunk returns c to its region, per spec.md §4.4 "Release": marks it
// unused, increments the region's free count, and unmaps the region if it
// has become entirely free.
func ReleaseChunk(c *Chunk) error {
	r := c.region
	*c = Chunk{region: r, slotOffset: c.slotOffset}
	r.freeCount++
	return releaseRegionIfEmpty(r)
}

// WithWritable flips r to executable-read-write, invokes fn, then flips it
// back to executable-read — spec.md §4.4's "Protection discipline".
// Failures to change protection are fatal to the enclosing operation, per
// spec.md, and are reported as a SystemCall-kind error by the caller.
func WithWritable(r *Region, fn func() error) error {
	prev, err := r.alloc.Protect(r.base, r.size, osmem.ReadWriteExecute)
	if err != nil {
		return errors.Wrap(err, "arena: failed to make region writable")
	}
	r.prot = osmem.ReadWriteExecute

	ferr := fn()

	if _, err := r.alloc.Protect(r.base, r.size, prev); err != nil {
		if ferr == nil {
			ferr = errors.Wrap(err, "arena: failed to restore region protection")
		}
	} else {
		r.prot = prev
	}
	return ferr
}
