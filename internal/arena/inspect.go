package arena

// RegionInfo is a read-only snapshot of one trampoline region, for
// introspection tools (cmd/zhookctl) that must not hold the arena's
// internal lock or mutate its state.
type RegionInfo struct {
	Base      uintptr
	Size      int
	ChunkSize int
	ChunkUsed int
	ChunkFree int
}

// Snapshot returns a point-in-time copy of every live region's bookkeeping,
// sorted by base address.
func Snapshot() []RegionInfo {
	regionsMu.Lock()
	defer regionsMu.Unlock()

	out := make([]RegionInfo, 0, len(regions))
	for _, r := range regions {
		out = append(out, RegionInfo{
			Base:      r.base,
			Size:      r.size,
			ChunkSize: chunkSlotSize,
			ChunkUsed: len(r.chunks) - r.freeCount,
			ChunkFree: r.freeCount,
		})
	}
	return out
}
