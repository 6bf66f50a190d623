package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyantific/zyan-hook-engine/internal/osmem"
)

// fakeAllocator satisfies osmem.Allocator over ordinary Go-heap buffers, so
// arena tests never touch real OS memory mappings. Allocated buffers are
// retained for the lifetime of the fake to keep their backing arrays alive.
type fakeAllocator struct {
	granularity  int
	bufs         [][]byte
	protectCalls []protectCall
}

type protectCall struct {
	addr uintptr
	size int
	prot osmem.Protection
}

func newFakeAllocator(granularity int) *fakeAllocator {
	return &fakeAllocator{granularity: granularity}
}

func (f *fakeAllocator) AllocNear(addrLo, addrHi uintptr, size int) (uintptr, error) {
	buf := make([]byte, size)
	f.bufs = append(f.bufs, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (f *fakeAllocator) Free(base uintptr, size int) error { return nil }

func (f *fakeAllocator) Protect(addr uintptr, size int, prot osmem.Protection) (osmem.Protection, error) {
	f.protectCalls = append(f.protectCalls, protectCall{addr, size, prot})
	return osmem.ReadExecute, nil
}

func (f *fakeAllocator) FlushInstructionCache(addr uintptr, size int) error { return nil }

func (f *fakeAllocator) AllocationGranularity() int { return f.granularity }

// withTestArena swaps in a fresh fakeAllocator and an empty region list for
// the duration of one test, restoring package state afterward so tests don't
// leak into each other.
func withTestArena(t *testing.T, granularity int) *fakeAllocator {
	t.Helper()
	prevAlloc := allocator
	prevRegions := regions

	fake := newFakeAllocator(granularity)
	allocator = fake
	regions = nil

	t.Cleanup(func() {
		allocator = prevAlloc
		regions = prevRegions
	})
	return fake
}

func TestFindOrAllocateChunk_AllocatesFreshRegionWhenNoneQualify(t *testing.T) {
	withTestArena(t, 8192)

	anchor := uintptr(0x7FFF00000000)
	r, c, err := FindOrAllocateChunk(anchor, anchor)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NotNil(t, c)
	assert.True(t, c.InUse, "a chunk handed out by FindOrAllocateChunk must be marked in-use")
	assert.Len(t, regions, 1)
}

func TestFindOrAllocateChunk_ReusesQualifyingFreeChunkBeforeAllocating(t *testing.T) {
	fake := withTestArena(t, 8192)

	anchor := uintptr(0x7FFF00000000)
	_, first, err := FindOrAllocateChunk(anchor, anchor)
	require.NoError(t, err)

	// Take a second chunk anchored on the first one's own (real) address,
	// so it lands in the same region rather than triggering a second
	// allocation. Keeping it allocated means the region still has an
	// in-use chunk after `first` is released below, so it isn't unmapped
	// out from under this test.
	nearby := first.Address()
	_, second, err := FindOrAllocateChunk(nearby, nearby)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	require.NoError(t, ReleaseChunk(first))

	_, reused, err := FindOrAllocateChunk(nearby, nearby)
	require.NoError(t, err)
	assert.Same(t, first, reused, "the freed chunk should be handed back out instead of allocating a new region")
	assert.Len(t, fake.bufs, 1, "only one region should ever have been allocated")
}

func TestReleaseChunk_FreesRegionOnceEveryChunkIsUnused(t *testing.T) {
	withTestArena(t, 8192)

	anchor := uintptr(0x7FFF00000000)
	_, c, err := FindOrAllocateChunk(anchor, anchor)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	require.NoError(t, ReleaseChunk(c))
	assert.Empty(t, regions, "the only region should be unmapped once its only chunk is released")
}

func TestWithWritable_FlipsProtectionThereAndBack(t *testing.T) {
	fake := withTestArena(t, 8192)

	anchor := uintptr(0x7FFF00000000)
	r, _, err := FindOrAllocateChunk(anchor, anchor)
	require.NoError(t, err)

	called := false
	err = WithWritable(r, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.Len(t, fake.protectCalls, 2)
	assert.Equal(t, osmem.ReadWriteExecute, fake.protectCalls[0].prot)
}

func TestWithWritable_PropagatesCallbackError(t *testing.T) {
	withTestArena(t, 8192)

	anchor := uintptr(0x7FFF00000000)
	r, _, err := FindOrAllocateChunk(anchor, anchor)
	require.NoError(t, err)

	sentinel := assert.AnError
	err = WithWritable(r, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
