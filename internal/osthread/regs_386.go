//go:build linux && 386

package osthread

import "golang.org/x/sys/unix"

func regsIP(regs *unix.PtraceRegs) uint64 { return uint64(uint32(regs.Eip)) }

func setRegsIP(regs *unix.PtraceRegs, ip uint64) { regs.Eip = int32(uint32(ip)) }
