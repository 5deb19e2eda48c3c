//go:build linux

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed is the raw mmap(2) syscall with an explicit address argument.
// golang.org/x/sys/unix.Mmap never takes an address, since in ordinary use
// the kernel is trusted to pick one; MAP_FIXED placement needs the raw
// syscall.
func mmapFixed(addr uintptr, length, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return 0, errno
	}
	if ret != addr {
		// The kernel mapped the request but refused to honor the fixed
		// address (should not happen with MAP_FIXED, defensive only).
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, ret, uintptr(length), 0)
		return 0, unix.EINVAL
	}
	return ret, nil
}

func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func bytesAt(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
