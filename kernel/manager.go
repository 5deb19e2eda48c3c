// Package kernel implements the manager kernel: the subsystem that
// reserves a VM region, binds a growable file-backed data segment into
// it, runs the chunk allocator over the segment, maintains the
// named-object directory, and orchestrates durability.
package kernel

import (
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/pheap/allocator"
	"github.com/outofforest/pheap/directory"
	"github.com/outofforest/pheap/header"
	"github.com/outofforest/pheap/platform"
	"github.com/outofforest/pheap/segment"
)

// Manager is the live kernel for one open datastore. Exactly one Manager
// exists per open datastore at a time: opening the same path twice
// concurrently is neither supported nor detected.
type Manager struct {
	path      string
	chunkSize int64

	regionBase uintptr
	regionSize int64

	hdr *header.Header
	seg *segment.Storage
	al  *allocator.Allocator
	dir *directory.Directory

	readOnly bool
	uuid     string

	dirMu   sync.Mutex // directory gate
	allocMu sync.Mutex // serializes anonymous allocate/deallocate

	datastoreDescription string
	descriptions         map[string]string
	anonymousCount       int64

	closed bool
}

// Create creates a brand-new datastore at path, discarding any datastore
// that previously existed there, and opens it for writing.
func Create(path string, vmReserveSize int64, opts Options) (*Manager, error) {
	opts = opts.withDefaults()

	if err := validateChunkSize(opts.ChunkSize); err != nil {
		log.Fatalf("pheap: invalid configuration: %v", err)
	}
	if vmReserveSize > MaxVMRegionSize {
		log.Fatalf("pheap: requested VM region size %d exceeds maximum %d", vmReserveSize, MaxVMRegionSize)
	}

	if platform.FileExists(path) {
		if err := platform.RemoveDirectory(path); err != nil {
			return nil, errors.Wrapf(err, "removing pre-existing datastore at %q failed", path)
		}
	}
	if err := platform.CreateDirectory(path); err != nil {
		return nil, err
	}

	regionSize := roundUp(vmReserveSize, opts.ChunkSize)
	headerSize := header.Size(opts.ChunkSize)

	base, err := platform.ReserveAlignedVM(uintptr(regionSize), uintptr(opts.ChunkSize))
	if err != nil {
		log.Fatalf("pheap: reserving %d bytes of virtual address space failed: %v", regionSize, err)
	}

	hdr, err := header.Create(base, opts.ChunkSize)
	if err != nil {
		log.Fatalf("pheap: placing segment header at %#x failed: %v", base, err)
	}

	segDir := filepath.Join(path, segmentDirName)
	initialSize := roundUp(opts.InitialSegmentSize, opts.ChunkSize)
	maxSegmentSize := regionSize - headerSize
	if initialSize > maxSegmentSize {
		initialSize = maxSegmentSize
	}

	seg, err := segment.Create(segDir, maxSegmentSize, base+uintptr(headerSize), initialSize)
	if err != nil {
		log.Fatalf("pheap: creating data segment at %q failed: %v", segDir, err)
	}

	if err := validateStoragePageSize(seg, opts.ChunkSize); err != nil {
		log.Fatalf("pheap: invalid configuration: %v", err)
	}

	m := &Manager{
		path:         path,
		chunkSize:    opts.ChunkSize,
		regionBase:   base,
		regionSize:   regionSize,
		hdr:          hdr,
		seg:          seg,
		al:           allocator.New(base+uintptr(headerSize), opts.ChunkSize, seg),
		dir:          directory.New(),
		descriptions: map[string]string{},
	}
	hdr.SetKernel(unsafe.Pointer(m))

	id := uuid.New().String()
	if err := writeFile(filepath.Join(path, uuidFileName), id); err != nil {
		return nil, err
	}
	m.uuid = id

	if err := writeFile(filepath.Join(path, versionFileName), schemaVersion); err != nil {
		return nil, err
	}

	// The properly-closed marker is intentionally not written here: it
	// is written only by Close, so a crash between Create and the first
	// Close leaves the datastore visibly unclean.

	return m, nil
}

// Open opens an existing datastore at path. It returns false (with a nil
// error) if no datastore exists there yet, a soft miss rather than a
// failure.
func Open(path string, readOnly bool, vmReserveSize int64, opts Options) (*Manager, bool, error) {
	opts = opts.withDefaults()

	if err := validateChunkSize(opts.ChunkSize); err != nil {
		log.Fatalf("pheap: invalid configuration: %v", err)
	}

	segDir := filepath.Join(path, segmentDirName)
	if !segment.Openable(segDir) {
		return nil, false, nil
	}

	if !readOnly && !consistentAt(path) {
		log.Fatalf("pheap: datastore at %q was not closed properly; refusing to open it writable", path)
	}
	if version, err := readFile(filepath.Join(path, versionFileName)); err == nil && version != schemaVersion {
		log.Fatalf("pheap: datastore at %q has schema version %q, this build supports %q", path, version, schemaVersion)
	}

	regionSize := roundUp(vmReserveSize, opts.ChunkSize)
	headerSize := header.Size(opts.ChunkSize)

	base, err := platform.ReserveAlignedVM(uintptr(regionSize), uintptr(opts.ChunkSize))
	if err != nil {
		log.Fatalf("pheap: reserving %d bytes of virtual address space failed: %v", regionSize, err)
	}

	hdr, err := header.Create(base, opts.ChunkSize)
	if err != nil {
		log.Fatalf("pheap: placing segment header at %#x failed: %v", base, err)
	}

	maxSegmentSize := regionSize - headerSize
	seg, err := segment.Open(segDir, maxSegmentSize, base+uintptr(headerSize), readOnly)
	if err != nil {
		log.Fatalf("pheap: opening data segment at %q failed: %v", segDir, err)
	}

	if err := validateStoragePageSize(seg, opts.ChunkSize); err != nil {
		log.Fatalf("pheap: invalid configuration: %v", err)
	}

	m := &Manager{
		path:         path,
		chunkSize:    opts.ChunkSize,
		regionBase:   base,
		regionSize:   regionSize,
		hdr:          hdr,
		seg:          seg,
		al:           allocator.New(base+uintptr(headerSize), opts.ChunkSize, seg),
		dir:          directory.New(),
		readOnly:     readOnly,
		descriptions: map[string]string{},
	}
	hdr.SetKernel(unsafe.Pointer(m))

	if id, err := readFile(filepath.Join(path, uuidFileName)); err == nil {
		m.uuid = id
	}
	if desc, err := readFile(filepath.Join(path, descriptionFileName)); err == nil {
		m.datastoreDescription = desc
	}

	if err := m.dir.Deserialize(filepath.Join(path, directoryFileName)); err != nil {
		return nil, false, errors.Wrap(err, "deserializing named-object directory failed")
	}
	if err := m.al.Deserialize(filepath.Join(path, allocatorFileName)); err != nil {
		return nil, false, errors.Wrap(err, "deserializing allocator metadata failed")
	}

	if !readOnly {
		if err := platform.RemoveFile(filepath.Join(path, markerFileName)); err != nil {
			return nil, false, err
		}
	}

	return m, true, nil
}

// Close serializes management data, syncs synchronously, destroys the
// segment mapping, releases the header and the VM region, and writes the
// properly-closed marker. It is a no-op if the manager is already
// closed.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}

	if !m.readOnly {
		if err := m.dir.Serialize(filepath.Join(m.path, directoryFileName)); err != nil {
			return errors.Wrap(err, "serializing named-object directory failed")
		}
		if err := m.al.Serialize(filepath.Join(m.path, allocatorFileName)); err != nil {
			return errors.Wrap(err, "serializing allocator metadata failed")
		}
		if err := m.seg.Sync(true); err != nil {
			return errors.Wrap(err, "syncing data segment failed")
		}
	}

	if err := m.seg.Destroy(); err != nil {
		return errors.Wrap(err, "destroying data segment failed")
	}
	if err := m.hdr.Destroy(); err != nil {
		return errors.Wrap(err, "destroying segment header failed")
	}
	if err := platform.Munmap(m.regionBase, int(m.regionSize)); err != nil {
		return errors.Wrap(err, "releasing VM region failed")
	}

	if !m.readOnly {
		if err := writeFile(filepath.Join(m.path, markerFileName), ""); err != nil {
			return errors.Wrap(err, "writing properly-closed marker failed")
		}
	}

	m.closed = true
	return nil
}

// Flush delegates to the underlying segment storage's sync.
func (m *Manager) Flush(synchronous bool) error {
	return m.seg.Sync(synchronous)
}

// CheckSanity reports the kernel invariant: the VM region, segment
// header, and segment are live, and the segment has positive size.
func (m *Manager) CheckSanity() bool {
	return !m.closed && m.regionBase != 0 && m.hdr != nil && m.hdr.Valid() && m.seg.Size() > 0
}

// GetAddress returns the process-local address of the start of the data
// segment for this session.
func (m *Manager) GetAddress() uintptr {
	return m.regionBase + uintptr(header.Size(m.chunkSize))
}

// GetSize returns the data segment's current size in bytes.
func (m *Manager) GetSize() int64 {
	return m.seg.Size()
}

// ReadOnly reports whether this session rejects mutation.
func (m *Manager) ReadOnly() bool {
	return m.readOnly
}

// ChunkSize returns the chunk size this manager was configured with.
func (m *Manager) ChunkSize() int64 {
	return m.chunkSize
}

// GetUUID returns this session's datastore UUID.
func (m *Manager) GetUUID() string {
	return m.uuid
}

// GetVersion returns this session's schema version.
func (m *Manager) GetVersion() string {
	return schemaVersion
}

func validateChunkSize(chunkSize int64) error {
	pageSize := int64(platform.PageSize())
	if pageSize <= 0 {
		return errors.New("system page size must be positive")
	}
	if chunkSize <= 0 || chunkSize&(chunkSize-1) != 0 {
		return errors.Errorf("chunk size %d must be a power of two", chunkSize)
	}
	if chunkSize%pageSize != 0 {
		return errors.Errorf("chunk size %d must be a multiple of the system page size %d", chunkSize, pageSize)
	}
	return nil
}

func validateStoragePageSize(seg *segment.Storage, chunkSize int64) error {
	pageSize := int64(platform.PageSize())
	storagePageSize := int64(seg.PageSize())
	if storagePageSize > chunkSize {
		return errors.Errorf("segment page size %d exceeds chunk size %d", storagePageSize, chunkSize)
	}
	if storagePageSize%pageSize != 0 {
		return errors.Errorf("segment page size %d is not a multiple of the system page size %d", storagePageSize, pageSize)
	}
	return nil
}
