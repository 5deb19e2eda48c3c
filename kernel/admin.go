package kernel

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/pheap/platform"
)

// Consistent reports whether the datastore at path was shut down cleanly
// the last time it was opened for writing. A path holding no datastore
// at all is reported inconsistent.
func Consistent(path string) bool {
	if !platform.FileExists(filepath.Join(path, segmentDirName)) {
		return false
	}
	return consistentAt(path)
}

// GetUUIDAt reads the UUID stamped into the datastore at path at create
// time, without opening it.
func GetUUIDAt(path string) (string, error) {
	return readFile(filepath.Join(path, uuidFileName))
}

// GetVersionAt reads the schema version stamped into the datastore at
// path, without opening it.
func GetVersionAt(path string) (string, error) {
	return readFile(filepath.Join(path, versionFileName))
}

// SetDescriptionAt overwrites the datastore-wide description of the
// datastore at path without opening it.
func SetDescriptionAt(path, description string) error {
	if !platform.FileExists(filepath.Join(path, segmentDirName)) {
		return errors.Errorf("no datastore at %q", path)
	}
	return writeFile(filepath.Join(path, descriptionFileName), description)
}

// GetDescriptionAt reads the datastore-wide description of the datastore
// at path without opening it. A datastore with no description returns
// the empty string and no error.
func GetDescriptionAt(path string) (string, error) {
	desc, err := readFile(filepath.Join(path, descriptionFileName))
	if err != nil {
		if !platform.FileExists(filepath.Join(path, descriptionFileName)) {
			return "", nil
		}
		return "", err
	}
	return desc, nil
}

// Copy clones an existing, properly-closed datastore at src into dst,
// reflinking every file where the filesystem supports it. dst must not
// already exist.
func Copy(src, dst string) error {
	if !Consistent(src) {
		return errors.Errorf("datastore at %q is not in a consistent, properly-closed state", src)
	}
	if platform.FileExists(dst) {
		return errors.Errorf("destination %q already exists", dst)
	}
	return platform.CloneDirectory(src, dst)
}

// CopyAsync starts a Copy in a background goroutine and returns a channel
// that receives exactly one error (nil on success) when the copy
// finishes.
func CopyAsync(src, dst string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- Copy(src, dst) }()
	return done
}

// Remove deletes an entire datastore directory. The manager must already
// be closed; Remove does not check for a live Manager over path.
func Remove(path string) error {
	return platform.RemoveDirectory(path)
}

// RemoveAsync starts a Remove in a background goroutine and returns a
// channel that receives exactly one error (nil on success) when the
// removal finishes.
func RemoveAsync(path string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- Remove(path) }()
	return done
}

// Snapshot clones the currently-open datastore into dst and stamps the
// clone with a freshly generated UUID, so the copy is never mistaken for
// the live datastore it was taken from. The segment is synced and the
// directory and allocator state serialized first, so the clone captures
// everything up to the moment of the call. The source stays open.
func (m *Manager) Snapshot(dst string) error {
	if platform.FileExists(dst) {
		return errors.Errorf("snapshot destination %q already exists", dst)
	}

	if !m.readOnly {
		if err := m.seg.Sync(true); err != nil {
			return errors.Wrap(err, "syncing data segment for snapshot failed")
		}
		m.dirMu.Lock()
		err := m.dir.Serialize(filepath.Join(m.path, directoryFileName))
		m.dirMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "serializing named-object directory for snapshot failed")
		}
		m.allocMu.Lock()
		err = m.al.Serialize(filepath.Join(m.path, allocatorFileName))
		m.allocMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "serializing allocator metadata for snapshot failed")
		}
	}

	if err := platform.CloneDirectory(m.path, dst); err != nil {
		return errors.Wrap(err, "cloning datastore for snapshot failed")
	}
	if err := writeFile(filepath.Join(dst, markerFileName), ""); err != nil {
		return errors.Wrap(err, "marking snapshot as properly closed failed")
	}
	if err := writeFile(filepath.Join(dst, uuidFileName), uuid.New().String()); err != nil {
		return errors.Wrap(err, "stamping snapshot UUID failed")
	}
	return nil
}
