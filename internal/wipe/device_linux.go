//go:build linux

package wipe

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deviceSize размер блочного устройства через BLKGETSIZE64
func deviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return seekSize(f)
	}
	return size, nil
}
