package ptrace

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	O_EXITKILL = Options(unix.PTRACE_O_EXITKILL)
)

// This matches user_regs_struct (64bit variant) defined in <sys/user.h>
type UserRegs = syscall.PtraceRegs

type SigInfo = unix.Siginfo

func getSigInfo(pid int, out *SigInfo) error {
	_, _, errno := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(syscall.PTRACE_GETSIGINFO),
		uintptr(pid),
		0,
		uintptr(unsafe.Pointer(out)),
		0,
		0)
	if errno == 0 {
		return nil
	}
	return errno
}

// process_vm_readv requires each remote iovec to stay within a single page.
func pageIovecs(addr uintptr, size int) []unix.RemoteIovec {
	iovs := []unix.RemoteIovec{}
	for size > 0 {
		chunk := min(size, int(vmPageSize-addr%vmPageSize))
		iovs = append(iovs, unix.RemoteIovec{Base: addr, Len: chunk})

		size -= chunk
		addr += uintptr(chunk)
	}

	return iovs
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))

	return unix.ProcessVMReadv(pid, local, pageIovecs(addr, len(data)), 0)
}

// wait4 retries on EINTR.
func wait4(pid int) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	for {
		_, err := syscall.Wait4(pid, &status, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		return status, err
	}
}
