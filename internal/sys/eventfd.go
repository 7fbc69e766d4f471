//go:build linux

package sys

import (
	"syscall"
	"unsafe"
)

const (
	sysEventfd2 = 290 // x86_64

	EFD_NONBLOCK = 0x800
	EFD_CLOEXEC  = 0x80000
)

// Eventfd creates an eventfd(2) object, used as the cross-runtime
// notification primitive when msg_ring-based wakeup isn't available.
func Eventfd(initval uint, flags int) (int, error) {
	fd, _, errno := syscall.Syscall(sysEventfd2, uintptr(initval), uintptr(flags), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// EventfdRead consumes the eventfd counter, blocking (unless opened
// EFD_NONBLOCK) until it is non-zero.
func EventfdRead(fd int) (uint64, error) {
	var v uint64
	n, err := syscall.Read(fd, (*[8]byte)(unsafe.Pointer(&v))[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, syscall.EIO
	}
	return v, nil
}

// EventfdWrite adds delta to the eventfd counter, waking anyone blocked
// in EventfdRead or polling the fd.
func EventfdWrite(fd int, delta uint64) error {
	_, err := syscall.Write(fd, (*[8]byte)(unsafe.Pointer(&delta))[:])
	return err
}
