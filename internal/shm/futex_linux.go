//go:build linux

package shm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// Wait sleeps while the word still holds val. It returns nil when woken, when
// the value had already changed (EAGAIN) or when interrupted (EINTR); callers
// re-check the word in a loop. Shared words must use shared=true: a private
// futex is keyed on the virtual address and never matches another process.
func (w *Word) Wait(val uint32, shared bool) error {
	op := uintptr(futexWait)
	if !shared {
		op |= futexPrivateFlag
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w)), op, uintptr(val), 0, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	}
	return os.NewSyscallError("futex_wait", errno)
}

// Wake wakes up to n sleepers on the word and returns how many were woken.
func (w *Word) Wake(n int, shared bool) (int, error) {
	op := uintptr(futexWake)
	if !shared {
		op |= futexPrivateFlag
	}
	r, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w)), op, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return 0, os.NewSyscallError("futex_wake", errno)
	}
	return int(r), nil
}
