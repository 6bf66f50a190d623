//go:build linux && amd64

package osthread

import "golang.org/x/sys/unix"

func regsIP(regs *unix.PtraceRegs) uint64 { return regs.Rip }

func setRegsIP(regs *unix.PtraceRegs, ip uint64) { regs.Rip = ip }
