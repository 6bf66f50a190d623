//go:build !windows && !linux

package osmem

import "github.com/pkg/errors"

// unsupportedAllocator is the build placeholder for host OSes spec.md §1
// does not target. Every call fails loudly instead of silently no-oping.
type unsupportedAllocator struct{}

var defaultAllocator Allocator = unsupportedAllocator{}

var errUnsupported = errors.New("osmem: unsupported operating system")

func (unsupportedAllocator) AllocationGranularity() int { return 4096 }

func (unsupportedAllocator) AllocNear(uintptr, uintptr, int) (uintptr, error) {
	return 0, errUnsupported
}

func (unsupportedAllocator) Free(uintptr, int) error { return errUnsupported }

func (unsupportedAllocator) Protect(uintptr, int, Protection) (Protection, error) {
	return 0, errUnsupported
}

func (unsupportedAllocator) FlushInstructionCache(uintptr, int) error { return errUnsupported }
