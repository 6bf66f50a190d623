//go:build windows

package osthread

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const th32csSnapThread = 0x00000004

type windowsEnumerator struct{}

var defaultEnumerator Enumerator = windowsEnumerator{}

func (windowsEnumerator) CurrentThreadID() ID {
	return ID(windows.GetCurrentThreadId())
}

func (windowsEnumerator) ListThreads(callerID ID) ([]ID, error) {
	pid := windows.GetCurrentProcessId()
	snap, err := windows.CreateToolhelp32Snapshot(th32csSnapThread, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var ids []ID
	if err := windows.Thread32First(snap, &entry); err != nil {
		return nil, errors.Wrap(err, "Thread32First")
	}
	for {
		if entry.OwnerProcessID == pid && ID(entry.ThreadID) != callerID {
			ids = append(ids, ID(entry.ThreadID))
		}
		if err := windows.Thread32Next(snap, &entry); err != nil {
			break
		}
	}
	return ids, nil
}

const (
	threadSuspendResume = 0x0002
	threadGetContext    = 0x0008
	threadSetContext    = 0x0010
	threadQueryInfo     = 0x0040
)

func (windowsEnumerator) Suspend(id ID) (Handle, error) {
	access := uint32(threadSuspendResume | threadGetContext | threadSetContext | threadQueryInfo)
	h, err := windows.OpenThread(access, false, uint32(id))
	if err != nil {
		return nil, errors.Wrapf(err, "OpenThread(%d)", id)
	}
	if _, err := windows.SuspendThread(h); err != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrapf(err, "SuspendThread(%d)", id)
	}
	return &windowsHandle{id: id, handle: h}, nil
}

func (windowsEnumerator) Resume(h Handle) error {
	wh, ok := h.(*windowsHandle)
	if !ok {
		return errors.New("osthread: foreign handle type")
	}
	defer windows.CloseHandle(wh.handle)
	if _, err := windows.ResumeThread(wh.handle); err != nil {
		return errors.Wrapf(err, "ResumeThread(%d)", wh.id)
	}
	return nil
}

type windowsHandle struct {
	id     ID
	handle windows.Handle
}

func (h *windowsHandle) ID() ID { return h.id }

func (h *windowsHandle) Close() error {
	return nil
}

func (h *windowsHandle) IP() (uintptr, error) {
	var ctx windows.Context
	ctx.ContextFlags = windows.CONTEXT_CONTROL
	if err := windows.GetThreadContext(h.handle, &ctx); err != nil {
		return 0, errors.Wrapf(err, "GetThreadContext(%d)", h.id)
	}
	return uintptr(contextIP(&ctx)), nil
}

func (h *windowsHandle) SetIP(addr uintptr) error {
	var ctx windows.Context
	ctx.ContextFlags = windows.CONTEXT_CONTROL
	if err := windows.GetThreadContext(h.handle, &ctx); err != nil {
		return errors.Wrapf(err, "GetThreadContext(%d)", h.id)
	}
	setContextIP(&ctx, uint64(addr))
	if err := windows.SetThreadContext(h.handle, &ctx); err != nil {
		return errors.Wrapf(err, "SetThreadContext(%d)", h.id)
	}
	return nil
}
