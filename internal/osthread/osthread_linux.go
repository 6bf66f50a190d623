//go:build linux

package osthread

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxEnumerator lists threads via /proc/self/task and suspends them with
// ptrace, mirroring how a debugger attaches to individual LWPs. Unlike
// Windows, a ptrace-stopped thread's registers are read/written through the
// attaching thread's own file descriptor space, so Suspend/Resume here wraps
// PTRACE_ATTACH/PTRACE_CONT around the wait rather than opening a handle.
type linuxEnumerator struct{}

var defaultEnumerator Enumerator = linuxEnumerator{}

func (linuxEnumerator) CurrentThreadID() ID {
	return ID(unix.Gettid())
}

func (linuxEnumerator) ListThreads(callerID ID) ([]ID, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/self/task")
	}
	var ids []ID
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if ID(tid) == callerID {
			continue
		}
		ids = append(ids, ID(tid))
	}
	return ids, nil
}

func (linuxEnumerator) Suspend(id ID) (Handle, error) {
	tid := int(id)
	if err := unix.PtraceAttach(tid); err != nil {
		return nil, errors.Wrapf(err, "PTRACE_ATTACH(%d)", tid)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		unix.PtraceDetach(tid)
		return nil, errors.Wrapf(err, "wait for stop(%d)", tid)
	}
	return &linuxHandle{id: id}, nil
}

func (linuxEnumerator) Resume(h Handle) error {
	lh, ok := h.(*linuxHandle)
	if !ok {
		return errors.New("osthread: foreign handle type")
	}
	if err := unix.PtraceCont(int(lh.id), 0); err != nil {
		return errors.Wrapf(err, "PTRACE_CONT(%d)", lh.id)
	}
	return unix.PtraceDetach(int(lh.id))
}

type linuxHandle struct {
	id ID
}

func (h *linuxHandle) ID() ID      { return h.id }
func (h *linuxHandle) Close() error { return nil }

func (h *linuxHandle) IP() (uintptr, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(h.id), &regs); err != nil {
		return 0, errors.Wrapf(err, "PTRACE_GETREGS(%d)", h.id)
	}
	return uintptr(regsIP(&regs)), nil
}

func (h *linuxHandle) SetIP(addr uintptr) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(h.id), &regs); err != nil {
		return errors.Wrapf(err, "PTRACE_GETREGS(%d)", h.id)
	}
	setRegsIP(&regs, uint64(addr))
	if err := unix.PtraceSetRegs(int(h.id), &regs); err != nil {
		return errors.Wrapf(err, "PTRACE_SETREGS(%d)", h.id)
	}
	return nil
}
