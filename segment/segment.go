// Package segment owns the file-backed mapping of a manager's data
// segment: the portion of the reserved VM region that is actually backed
// by a file and grows, page by page, as the kernel's allocator demands
// more room.
package segment

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/outofforest/pheap/platform"
)

const extentFileName = "data"

// Storage owns a data segment mapped at a fixed address.
type Storage struct {
	dir         string
	addr        uintptr
	maxSize     int64
	currentSize int64
	readOnly    bool
	pageSize    int
}

// Create creates the backing extent file under dir and maps initialSize
// bytes of it at addr. maxSize bounds how far Extend is allowed to grow
// the segment.
func Create(dir string, maxSize int64, addr uintptr, initialSize int64) (*Storage, error) {
	if initialSize > maxSize {
		return nil, errors.Errorf("initial segment size %d exceeds max size %d", initialSize, maxSize)
	}

	if err := platform.CreateDirectory(dir); err != nil {
		return nil, err
	}

	path := extentPath(dir)
	if err := platform.CreateFile(path, initialSize); err != nil {
		return nil, err
	}

	if initialSize > 0 {
		if err := platform.MapFileFixed(path, int(initialSize), addr, false); err != nil {
			return nil, err
		}
	}

	return &Storage{
		dir:         dir,
		addr:        addr,
		maxSize:     maxSize,
		currentSize: initialSize,
		pageSize:    platform.PageSize(),
	}, nil
}

// Open maps the existing backing extent file at dir at addr. readOnly
// sessions reject Extend and any mutation of the mapped bytes is the
// caller's responsibility to avoid.
func Open(dir string, maxSize int64, addr uintptr, readOnly bool) (*Storage, error) {
	path := extentPath(dir)
	size, err := extentSize(path)
	if err != nil {
		return nil, err
	}
	if size > maxSize {
		return nil, errors.Errorf("existing segment size %d exceeds max size %d", size, maxSize)
	}

	if size > 0 {
		if err := platform.MapFileFixed(path, int(size), addr, readOnly); err != nil {
			return nil, err
		}
	}

	return &Storage{
		dir:         dir,
		addr:        addr,
		maxSize:     maxSize,
		currentSize: size,
		readOnly:    readOnly,
		pageSize:    platform.PageSize(),
	}, nil
}

// Openable reports whether dir contains an extent file that Open could
// attach to.
func Openable(dir string) bool {
	return platform.FileExists(extentPath(dir))
}

// Extend grows the segment to at least newSize bytes, mapping the newly
// added range at its corresponding offset inside the VM region. It is a
// no-op if newSize is not larger than the current size.
func (s *Storage) Extend(newSize int64) error {
	if s.readOnly {
		return errors.New("cannot extend a read-only segment")
	}
	if newSize <= s.currentSize {
		return nil
	}
	if newSize > s.maxSize {
		return errors.Errorf("requested size %d exceeds max size %d", newSize, s.maxSize)
	}

	path := extentPath(s.dir)
	if err := platform.ExtendFile(path, newSize); err != nil {
		return err
	}

	growth := int(newSize - s.currentSize)
	growthAddr := s.addr + uintptr(s.currentSize)
	if err := platform.MapFileFixedRange(path, s.currentSize, growth, growthAddr, false); err != nil {
		return err
	}

	s.currentSize = newSize
	return nil
}

// Sync flushes the mapped bytes of the segment to the backing file.
func (s *Storage) Sync(synchronous bool) error {
	if s.currentSize == 0 {
		return nil
	}
	return platform.Sync(s.addr, int(s.currentSize), synchronous)
}

// Destroy unmaps the segment. It does not remove the backing file; callers
// that want the datastore gone entirely call platform.RemoveDirectory on
// the datastore directory.
func (s *Storage) Destroy() error {
	if s.currentSize == 0 {
		return nil
	}
	return platform.Munmap(s.addr, int(s.currentSize))
}

// ReadOnly reports whether the segment rejects mutation and growth.
func (s *Storage) ReadOnly() bool {
	return s.readOnly
}

// Size returns the segment's current mapped length in bytes.
func (s *Storage) Size() int64 {
	return s.currentSize
}

// PageSize returns the page size the segment's mappings are granulated
// at.
func (s *Storage) PageSize() int {
	return s.pageSize
}

func extentPath(dir string) string {
	return filepath.Join(dir, extentFileName)
}

func extentSize(path string) (int64, error) {
	size, err := platform.FileSize(path)
	if err != nil {
		return 0, errors.Wrapf(err, "statting segment extent %q failed", path)
	}
	return size, nil
}
