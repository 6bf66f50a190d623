//go:build windows

package osmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// windowsAllocator backs AllocNear with VirtualAlloc's MEM_RESERVE|MEM_COMMIT
// and a linear probe of candidate addresses, the same strategy
// hinako.newVirtualAllocatedMemory uses for a single target address,
// generalized here to a [addrLo, addrHi] window so the arena (internal/arena)
// can place a chunk within reach of any patch site in that window.
type windowsAllocator struct{}

var defaultAllocator Allocator = windowsAllocator{}

const (
	memCommit   = 0x00001000
	memReserve  = 0x00002000
	memRelease  = 0x00008000
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
)

func (windowsAllocator) AllocationGranularity() int {
	var si windows.SystemInfo
	windows.GetSystemInfo(&si)
	if si.AllocationGranularity == 0 {
		return 0x10000
	}
	return int(si.AllocationGranularity)
}

// AllocNear steps a candidate address down from addrHi by the allocation
// granularity until VirtualAlloc accepts an address hint inside the window,
// or addrLo is passed. There is no upward pass from addrLo.
func (a windowsAllocator) AllocNear(addrLo, addrHi uintptr, size int) (uintptr, error) {
	granularity := uintptr(a.AllocationGranularity())
	if addrHi < uintptr(size) {
		return 0, ErrOutOfRange
	}

	for candidate := addrHi - uintptr(size); candidate >= addrLo; candidate -= granularity {
		addr, err := windows.VirtualAlloc(candidate, uintptr(size), memCommit|memReserve, pageExecuteRead)
		if err == nil {
			return addr, nil
		}
		if candidate < granularity {
			break
		}
	}
	return 0, ErrOutOfRange
}

func (windowsAllocator) Free(base uintptr, _ int) error {
	if err := windows.VirtualFree(base, 0, memRelease); err != nil {
		return errors.Wrap(err, "VirtualFree")
	}
	return nil
}

func (windowsAllocator) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	var newProt uint32
	switch prot {
	case ReadExecute:
		newProt = pageExecuteRead
	case ReadWriteExecute:
		newProt = pageExecuteReadWrite
	default:
		return 0, errors.Errorf("osmem: unknown protection %d", prot)
	}

	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), newProt, &old); err != nil {
		return 0, errors.Wrap(err, "VirtualProtect")
	}
	if old == pageExecuteReadWrite {
		return ReadWriteExecute, nil
	}
	return ReadExecute, nil
}

// flushInstructionCache is resolved lazily through kernel32, mirroring
// hinako's unlockMemoryProtect/changeMemoryProtectLevel use of
// syscall.NewLazyDLL for the handful of kernel32 entry points that
// golang.org/x/sys/windows does not wrap directly.
var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

func (windowsAllocator) FlushInstructionCache(addr uintptr, size int) error {
	process, err := windows.GetCurrentProcess()
	if err != nil {
		return errors.Wrap(err, "GetCurrentProcess")
	}
	ret, _, callErr := procFlushInstructionCache.Call(uintptr(process), addr, uintptr(size))
	if ret == 0 {
		return errors.Wrap(callErr, "FlushInstructionCache")
	}
	return nil
}
