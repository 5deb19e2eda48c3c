// Package header implements the one-chunk segment header placed at the
// base of every manager's VM region: an anonymous mapping that is never
// written to the datastore directory and exists purely to hold a
// transient back-pointer to the live *kernel.Manager instance, rebuilt
// every time the datastore is opened. Offset-pointer dereference in user
// code starts from this record, so it must sit at a known place: the
// region base, one chunk before the data segment.
package header

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/pheap/platform"
)

const magic uint64 = 0x5048454150484452 // "PHEAPHDR" as bytes, arbitrary sentinel

type record struct {
	Magic     uint64
	KernelPtr uintptr
}

// Header owns the anonymous fixed mapping backing the back-pointer
// record.
type Header struct {
	addr uintptr
	size int64
	rec  *record
}

// Size rounds the record size up to chunkSize, so the data segment
// mapped right behind the header starts chunk-aligned.
func Size(chunkSize int64) int64 {
	raw := int64(len(photon.NewFromValue(&record{}).B))
	return ((raw + chunkSize - 1) / chunkSize) * chunkSize
}

// Create maps a fresh header of Size(chunkSize) bytes at addr.
func Create(addr uintptr, chunkSize int64) (*Header, error) {
	size := Size(chunkSize)
	if err := platform.MapAnonymousFixed(addr, int(size)); err != nil {
		return nil, errors.Wrap(err, "mapping segment header failed")
	}

	h := &Header{addr: addr, size: size}
	h.rec = h.cast()
	h.rec.Magic = magic
	return h, nil
}

func (h *Header) cast() *record {
	b := unsafe.Slice((*byte)(unsafe.Pointer(h.addr)), int(h.size))
	return photon.NewFromBytes[record](b).V
}

// SetKernel stores the address of the live kernel instance for this
// session.
func (h *Header) SetKernel(ptr unsafe.Pointer) {
	h.rec.KernelPtr = uintptr(ptr)
}

// Kernel returns the address previously stored with SetKernel, or nil if
// none was set.
func (h *Header) Kernel() unsafe.Pointer {
	return unsafe.Pointer(h.rec.KernelPtr) //nolint:govet // intentional back-pointer cast, see package doc
}

// Valid reports whether the header's magic is intact.
func (h *Header) Valid() bool {
	return h.rec.Magic == magic
}

// Destroy unmaps the header.
func (h *Header) Destroy() error {
	return platform.Munmap(h.addr, int(h.size))
}
