// Package platform collects the OS primitives the rest of the manager is
// built on: reserving aligned virtual address ranges, mapping files and
// anonymous memory at fixed addresses inside those ranges, flushing dirty
// pages, and the handful of filesystem operations a datastore directory
// needs. Nothing here returns a Go error wrapped in extra context beyond
// what the caller needs to decide whether a session is still viable.
package platform

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize returns the system page size in bytes.
func PageSize() int {
	return unix.Getpagesize()
}

// ReserveAlignedVM reserves a contiguous range of virtual address space of
// the given size, aligned to alignment, without backing it by any file.
// The range is suitable for later fixed-address mappings via
// MapFileFixed/MapAnonymousFixed. Release it with Munmap(base, size) once
// every fixed mapping placed inside it has itself been unmapped.
func ReserveAlignedVM(size, alignment uintptr) (uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, errors.Errorf("alignment must be a power of two, got %d", alignment)
	}

	// Over-reserve by one alignment unit so an aligned sub-range is
	// guaranteed to exist, then trim the slack on both sides.
	slop := alignment
	raw, err := unix.Mmap(-1, 0, int(size+slop), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(err, "reserving virtual address range failed")
	}

	rawAddr := uintptr(unsafePointer(raw))
	alignedAddr := (rawAddr + alignment - 1) &^ (alignment - 1)

	if head := alignedAddr - rawAddr; head > 0 {
		if err := Munmap(rawAddr, int(head)); err != nil {
			return 0, errors.Wrap(err, "trimming head slack of reserved range failed")
		}
	}
	tailStart := alignedAddr + size - rawAddr
	if tailStart < uintptr(len(raw)) {
		if err := Munmap(rawAddr+tailStart, len(raw)-int(tailStart)); err != nil {
			return 0, errors.Wrap(err, "trimming tail slack of reserved range failed")
		}
	}

	return alignedAddr, nil
}

// MapFileFixed maps length bytes of the file at path, starting at file
// offset 0, at exactly addr, failing rather than falling back to a
// different address if the mapping cannot be placed there.
func MapFileFixed(path string, length int, addr uintptr, readOnly bool) error {
	return MapFileFixedRange(path, 0, length, addr, readOnly)
}

// MapFileFixedRange maps length bytes of the file at path, starting at
// fileOffset, at exactly addr. Used to back the pages added by a segment
// growth without disturbing the mapping already covering the file's
// existing bytes.
func MapFileFixedRange(path string, fileOffset int64, length int, addr uintptr, readOnly bool) error {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return errors.Wrapf(err, "opening segment file %q failed", path)
	}
	defer f.Close()

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}

	if _, err := mmapFixed(addr, length, prot, unix.MAP_SHARED|unix.MAP_FIXED, int(f.Fd()), fileOffset); err != nil {
		return errors.Wrapf(err, "mapping %q at fixed address %#x failed", path, addr)
	}
	return nil
}

// MapAnonymousFixed maps length bytes of zeroed, non-file-backed memory at
// exactly addr.
func MapAnonymousFixed(addr uintptr, length int) error {
	if _, err := mmapFixed(addr, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0); err != nil {
		return errors.Wrapf(err, "mapping anonymous memory at fixed address %#x failed", addr)
	}
	return nil
}

// Munmap releases length bytes of mapping starting at addr, whether file
// backed or anonymous. It issues the raw munmap(2) syscall, because
// golang.org/x/sys/unix.Munmap only accepts whole slices returned by
// unix.Mmap.
func Munmap(addr uintptr, length int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(length), 0); errno != 0 {
		return errors.Wrapf(errno, "unmapping %#x/%d failed", addr, length)
	}
	return nil
}

// Sync flushes length dirty bytes starting at addr to their backing file.
// synchronous blocks until the flush reaches stable storage; otherwise the
// call returns as soon as the flush has been issued.
func Sync(addr uintptr, length int, synchronous bool) error {
	flag := unix.MS_ASYNC
	if synchronous {
		flag = unix.MS_SYNC
	}
	b := bytesAt(addr, length)
	if err := unix.Msync(b, flag); err != nil {
		return errors.Wrapf(err, "syncing %#x/%d failed", addr, length)
	}
	return nil
}

// CreateFile creates path, truncated to size bytes.
func CreateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating file %q failed", path)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncating file %q to %d bytes failed", path, size)
	}
	return nil
}

// FileSize returns the current size in bytes of the file at path.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "statting file %q failed", path)
	}
	return info.Size(), nil
}

// ExtendFile grows the file at path to size bytes. It is a no-op if the
// file is already at least that large.
func ExtendFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "opening file %q for extension failed", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "statting file %q failed", path)
	}
	if info.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "extending file %q to %d bytes failed", path, size)
	}
	return nil
}

// RemoveFile deletes the file at path. It is not an error if the file does
// not exist.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing file %q failed", path)
	}
	return nil
}

// RemoveDirectory deletes the directory at path and everything inside it.
func RemoveDirectory(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "removing directory %q failed", path)
	}
	return nil
}

// FileExists reports whether path exists, whatever its file type.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateDirectory creates path and any missing parents.
func CreateDirectory(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %q failed", path)
	}
	return nil
}

// CloneFile copies src to dst, using a reflink (copy-on-write clone) when
// the underlying filesystem supports it and falling back to a byte-for-byte
// copy otherwise.
func CloneFile(src, dst string) error {
	srcF, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q for cloning failed", src)
	}
	defer srcF.Close()

	info, err := srcF.Stat()
	if err != nil {
		return errors.Wrapf(err, "statting %q failed", src)
	}

	dstF, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "creating %q for cloning failed", dst)
	}
	defer dstF.Close()

	if err := unix.IoctlFileClone(int(dstF.Fd()), int(srcF.Fd())); err == nil {
		return nil
	}
	// Reflink unsupported (different filesystem, no CoW support, etc).
	// Fall back to a plain copy.
	if _, err := srcF.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seeking %q failed", src)
	}
	if _, err := io.Copy(dstF, srcF); err != nil {
		return errors.Wrapf(err, "copying %q to %q failed", src, dst)
	}
	return dstF.Sync()
}

// CloneDirectory recursively clones src into dst, reflinking every regular
// file it contains and recreating its directory structure.
func CloneDirectory(src, dst string) error {
	return filepathWalk(src, dst)
}
