//go:build linux

package osmem

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxAllocator backs AllocNear with mmap(MAP_PRIVATE|MAP_ANONYMOUS), the
// Linux counterpart to VirtualAlloc used by the Windows backend. unix.Mmap
// has no address-hint parameter, so candidate addresses are requested
// through a raw SYS_MMAP via unix.Syscall6 (without MAP_FIXED, so the kernel
// is free to pick elsewhere on collision; the result is checked against the
// requested window before being accepted).
type linuxAllocator struct{}

var defaultAllocator Allocator = linuxAllocator{}

func (linuxAllocator) AllocationGranularity() int {
	return os.Getpagesize()
}

func (a linuxAllocator) AllocNear(addrLo, addrHi uintptr, size int) (uintptr, error) {
	pageSize := uintptr(a.AllocationGranularity())
	if addrHi < uintptr(size) {
		return 0, ErrOutOfRange
	}

	prot := uintptr(unix.PROT_READ | unix.PROT_EXEC)
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)

	for candidate := addrHi - uintptr(size); candidate >= addrLo; candidate -= pageSize {
		addr, _, errno := unix.Syscall6(unix.SYS_MMAP, candidate, uintptr(size), prot, flags, ^uintptr(0), 0)
		if errno == 0 {
			if addr >= addrLo && addr+uintptr(size)-1 <= addrHi {
				return addr, nil
			}
			unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size))
		}
		if candidate < pageSize {
			break
		}
	}
	return 0, ErrOutOfRange
}

func (linuxAllocator) Free(base uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	if err := unix.Munmap(b); err != nil {
		return errors.Wrap(err, "munmap")
	}
	return nil
}

func (linuxAllocator) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	var newProt int
	switch prot {
	case ReadExecute:
		newProt = unix.PROT_READ | unix.PROT_EXEC
	case ReadWriteExecute:
		newProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	default:
		return 0, errors.Errorf("osmem: unknown protection %d", prot)
	}

	// mprotect(2) requires a page-aligned address; VirtualProtect on
	// Windows rounds the range to page boundaries internally, so this
	// rounding is only needed on the Linux side (the patch site itself, not
	// just arena regions, goes through this call when the hook engine
	// flips a target function's page writable to patch it).
	pageSize := uintptr(os.Getpagesize())
	aligned := addr &^ (pageSize - 1)
	extra := addr - aligned
	alignedSize := int(extra) + size
	alignedSize = (alignedSize + int(pageSize) - 1) / int(pageSize) * int(pageSize)

	b := unsafe.Slice((*byte)(unsafe.Pointer(aligned)), alignedSize)
	if err := unix.Mprotect(b, newProt); err != nil {
		return 0, errors.Wrap(err, "mprotect")
	}
	// Linux has no syscall as cheap as VirtualProtect's old-protection
	// out-param, so the previous protection is always reported as
	// ReadExecute. Callers that restore from this value (internal/arena's
	// WithWritable, the root package's patchSite/restoreOriginal) therefore
	// always put the range back to read-execute.
	return ReadExecute, nil
}

func (linuxAllocator) FlushInstructionCache(addr uintptr, size int) error {
	// x86/x86-64 keeps instruction and data caches coherent; no explicit
	// flush is required after writing code, unlike ARM. Kept as a no-op
	// entry point so call sites stay platform-agnostic.
	return nil
}
