// Package pheap provides a durable, file-backed heap: processes
// allocate, construct, look up and destroy typed objects inside a
// datastore directory, and the objects survive process exit. Interior
// references are stored as offsets rather than addresses, so a datastore
// reopened at a different virtual address stays valid.
package pheap

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/outofforest/pheap/kernel"
)

// Heap is one open session over a datastore. Exactly one live Heap per
// datastore path is supported at a time.
type Heap struct {
	m *kernel.Manager
}

// Create creates a brand-new datastore at path, discarding any datastore
// previously there, and opens it for writing. capacity bounds how large
// the heap may grow within this session; each later Open passes its own
// capacity.
func Create(path string, capacity int64) (*Heap, error) {
	m, err := kernel.Create(path, capacity, kernel.Options{})
	if err != nil {
		return nil, err
	}
	return &Heap{m: m}, nil
}

// Open opens the existing datastore at path for writing. It returns
// false if no datastore exists there.
func Open(path string, capacity int64) (*Heap, bool, error) {
	return open(path, capacity, false)
}

// OpenReadOnly opens the existing datastore at path for reading only.
// Every mutating operation on the returned Heap fails or no-ops.
func OpenReadOnly(path string, capacity int64) (*Heap, bool, error) {
	return open(path, capacity, true)
}

func open(path string, capacity int64, readOnly bool) (*Heap, bool, error) {
	m, found, err := kernel.Open(path, readOnly, capacity, kernel.Options{})
	if err != nil || !found {
		return nil, found, err
	}
	return &Heap{m: m}, true, nil
}

// Close flushes and serializes everything, releases the mappings, and
// marks the datastore properly closed.
func (h *Heap) Close() error {
	return h.m.Close()
}

// Flush syncs the heap's mapped bytes to their backing file. synchronous
// blocks until the data reaches stable storage. The named-object
// directory and allocator metadata are not written by Flush; Close and
// Snapshot write them.
func (h *Heap) Flush(synchronous bool) error {
	return h.m.Flush(synchronous)
}

// Allocate reserves nbytes of heap memory with no name attached.
func (h *Heap) Allocate(nbytes int64) unsafe.Pointer {
	return h.m.Allocate(nbytes)
}

// AllocateAligned is Allocate with a minimum alignment, up to the chunk
// size.
func (h *Heap) AllocateAligned(nbytes, alignment int64) unsafe.Pointer {
	return h.m.AllocateAligned(nbytes, alignment)
}

// Deallocate releases memory returned by Allocate or AllocateAligned.
func (h *Heap) Deallocate(addr unsafe.Pointer) {
	h.m.Deallocate(addr)
}

// Snapshot clones the open datastore into dst with a fresh UUID.
func (h *Heap) Snapshot(dst string) error {
	return h.m.Snapshot(dst)
}

// ReadOnly reports whether this session rejects mutation.
func (h *Heap) ReadOnly() bool {
	return h.m.ReadOnly()
}

// UUID returns the datastore's UUID.
func (h *Heap) UUID() string {
	return h.m.GetUUID()
}

// Version returns the datastore's schema version.
func (h *Heap) Version() string {
	return h.m.GetVersion()
}

// Size returns the heap's current size in bytes.
func (h *Heap) Size() int64 {
	return h.m.GetSize()
}

// CheckSanity reports whether the session's mappings and metadata are
// still intact.
func (h *Heap) CheckSanity() bool {
	return h.m.CheckSanity()
}

// Manager exposes the underlying kernel for introspection and the
// generic construct surface.
func (h *Heap) Manager() *kernel.Manager {
	return h.m
}

// Construct allocates and initializes a T registered under name.
func Construct[T any](h *Heap, name string, init func(*T) error) (*T, error) {
	return kernel.Construct[T](h.m, name, init)
}

// ConstructArray allocates and initializes num contiguous elements of T
// registered under one name.
func ConstructArray[T any](h *Heap, name string, num int64, init func(i int64, p *T) error) (*T, error) {
	return kernel.ConstructArray[T](h.m, name, num, init)
}

// FindOrConstruct returns the existing named T or constructs it.
func FindOrConstruct[T any](h *Heap, name string, init func(*T) error) (*T, error) {
	return kernel.FindOrConstruct[T](h.m, name, init)
}

// Find returns the named T's address and element count, if registered.
func Find[T any](h *Heap, name string) (*T, int64, bool) {
	return kernel.Find[T](h.m, name)
}

// Destroy erases name and releases the object it named, running fin once
// per element first.
func Destroy[T any](h *Heap, name string, fin func(*T)) bool {
	return kernel.Destroy[T](h.m, name, fin)
}

// DestroyPtr destroys an object given only its pointer, erasing its
// directory entry if it has one.
func DestroyPtr[T any](h *Heap, ptr *T, fin func(*T)) {
	kernel.DestroyPtr(h.m, ptr, fin)
}

// Copy clones a properly-closed datastore from src to dst.
func Copy(src, dst string) error {
	return kernel.Copy(src, dst)
}

// Remove deletes the datastore at path.
func Remove(path string) error {
	return kernel.Remove(path)
}

// Consistent reports whether the datastore at path was closed properly.
func Consistent(path string) bool {
	return kernel.Consistent(path)
}

// UUIDAt reads the UUID of the datastore at path without opening it.
func UUIDAt(path string) (string, error) {
	return kernel.GetUUIDAt(path)
}

// SetLogger replaces the process-wide logger used for fatal diagnostics.
func SetLogger(l logrus.FieldLogger) {
	kernel.SetLogger(l)
}
