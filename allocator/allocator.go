// Package allocator implements the chunk and sub-chunk allocator that
// runs over a manager's data segment. It never deals in pointers: every
// request is answered with a signed offset into the segment, which the
// kernel translates to an address using the segment's base. This is what
// lets a returned value stay meaningful across a close/open cycle that
// remaps the segment at a different address.
package allocator

import (
	"encoding/binary"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
)

// NullOffset is returned by Allocate/AllocateAligned on rejection: out of
// capacity, growth failure, or an alignment greater than the chunk size.
const NullOffset int64 = -1

// Segment is the subset of segment.Storage the allocator needs: its
// current size and the ability to grow it by whole chunks.
type Segment interface {
	Size() int64
	Extend(newSize int64) error
}

type chunkState byte

const (
	chunkFree chunkState = iota
	chunkLarge
	chunkLargeContinuation
	chunkSlab
)

// chunkRecord is the persisted per-chunk classification. It is kept small
// and fixed-size so the whole table round-trips through photon one
// record at a time.
type chunkRecord struct {
	State     chunkState
	Class     uint8
	RunLength uint32
}

// Allocator is a chunk-and-slab allocator operating purely on offsets
// into a segment's byte range. It is not safe for concurrent use by
// itself; the kernel serializes anonymous allocate/deallocate calls.
type Allocator struct {
	base      uintptr
	chunkSize int64
	seg       Segment
	classes   []int64

	chunks        []chunkRecord
	classFreeHead []int64 // NullOffset when a class's freelist is empty
}

// New creates an allocator with no chunks yet; chunks are materialized as
// the segment grows to accommodate the first allocation.
func New(base uintptr, chunkSize int64, seg Segment) *Allocator {
	classes := buildClasses(chunkSize)
	heads := make([]int64, len(classes))
	for i := range heads {
		heads[i] = NullOffset
	}

	a := &Allocator{
		base:          base,
		chunkSize:     chunkSize,
		seg:           seg,
		classes:       classes,
		classFreeHead: heads,
	}
	a.syncChunkTable()
	return a
}

// ChunkSize returns the allocator's configured chunk size.
func (a *Allocator) ChunkSize() int64 {
	return a.chunkSize
}

// syncChunkTable extends a.chunks so len(a.chunks) == number of chunks
// currently backed by the segment, treating any newly visible chunk as
// free. This keeps the in-memory table consistent whenever the segment
// grows, whether the growth was driven by the allocator itself or
// happened already (e.g. right after Open, before deserialize runs).
func (a *Allocator) syncChunkTable() {
	want := int(a.seg.Size() / a.chunkSize)
	for len(a.chunks) < want {
		a.chunks = append(a.chunks, chunkRecord{State: chunkFree})
	}
}

// Allocate reserves nbytes and returns the offset of the first byte, or
// NullOffset if the request could not be satisfied.
func (a *Allocator) Allocate(nbytes int64) int64 {
	off, _ := a.AllocateAligned(nbytes, 1)
	return off
}

// AllocateAligned reserves nbytes aligned to at least alignment, or
// returns NullOffset, false if alignment exceeds the chunk size or the
// segment could not be grown to satisfy the request.
func (a *Allocator) AllocateAligned(nbytes, alignment int64) (int64, bool) {
	if alignment > a.chunkSize {
		return NullOffset, false
	}
	if nbytes <= 0 {
		nbytes = 1
	}

	if nbytes <= a.chunkSize/2 {
		if classIdx := classFor(a.classes, nbytes, alignment); classIdx >= 0 {
			if off, ok := a.allocateSlab(classIdx); ok {
				return off, true
			}
			return NullOffset, false
		}
		// The alignment pushed the request past every slab class; a
		// whole-chunk run starts chunk-aligned, which satisfies any
		// alignment accepted above.
	}

	if off, ok := a.allocateLarge(nbytes); ok {
		return off, true
	}
	return NullOffset, false
}

// Deallocate releases a previously returned, still-live offset.
func (a *Allocator) Deallocate(offset int64) {
	if offset < 0 {
		return
	}
	chunkIndex := offset / a.chunkSize
	if int(chunkIndex) >= len(a.chunks) {
		return
	}

	switch a.chunks[chunkIndex].State {
	case chunkLarge:
		run := int64(a.chunks[chunkIndex].RunLength)
		for i := int64(0); i < run; i++ {
			a.chunks[chunkIndex+i] = chunkRecord{State: chunkFree}
		}
	case chunkSlab:
		class := int(a.chunks[chunkIndex].Class)
		a.pushFreeSlot(class, offset)
	}
}

// allocateLarge finds (or grows to create) a contiguous run of free
// chunks long enough to hold nbytes and marks it used.
func (a *Allocator) allocateLarge(nbytes int64) (int64, bool) {
	needed := (nbytes + a.chunkSize - 1) / a.chunkSize

	if start, ok := a.findFreeRun(needed); ok {
		a.markLarge(start, needed)
		return start * a.chunkSize, true
	}

	start := int64(len(a.chunks))
	if err := a.grow(needed); err != nil {
		return NullOffset, false
	}
	a.markLarge(start, needed)
	return start * a.chunkSize, true
}

func (a *Allocator) findFreeRun(needed int64) (int64, bool) {
	var runStart int64 = -1
	var runLen int64
	for i, c := range a.chunks {
		if c.State == chunkFree {
			if runStart < 0 {
				runStart = int64(i)
			}
			runLen++
			if runLen == needed {
				return runStart, true
			}
			continue
		}
		runStart = -1
		runLen = 0
	}
	return 0, false
}

func (a *Allocator) markLarge(start, length int64) {
	a.chunks[start] = chunkRecord{State: chunkLarge, RunLength: uint32(length)}
	for i := int64(1); i < length; i++ {
		a.chunks[start+i] = chunkRecord{State: chunkLargeContinuation}
	}
}

// allocateSlab serves a request through the size-class freelists,
// claiming a new chunk for the class on underflow.
func (a *Allocator) allocateSlab(classIdx int) (int64, bool) {
	if off, ok := a.popFreeSlot(classIdx); ok {
		return off, true
	}

	if !a.claimChunkForClass(classIdx) {
		return NullOffset, false
	}

	off, ok := a.popFreeSlot(classIdx)
	return off, ok
}

// claimChunkForClass takes one free chunk (growing the segment by one
// chunk if none is free), subdivides it into slots of the class's size,
// and links the slots into the class's freelist.
func (a *Allocator) claimChunkForClass(classIdx int) bool {
	chunkIndex, ok := a.claimFreeChunk()
	if !ok {
		return false
	}

	a.chunks[chunkIndex] = chunkRecord{State: chunkSlab, Class: uint8(classIdx)}

	slotSize := a.classes[classIdx]
	chunkBase := chunkIndex * a.chunkSize
	nSlots := a.chunkSize / slotSize

	next := a.classFreeHead[classIdx]
	for i := nSlots - 1; i >= 0; i-- {
		slotOffset := chunkBase + i*slotSize
		a.writeNextPointer(slotOffset, next)
		next = slotOffset
	}
	a.classFreeHead[classIdx] = next

	return true
}

func (a *Allocator) claimFreeChunk() (int64, bool) {
	for i, c := range a.chunks {
		if c.State == chunkFree {
			return int64(i), true
		}
	}
	start := int64(len(a.chunks))
	if err := a.grow(1); err != nil {
		return 0, false
	}
	return start, true
}

// grow extends the backing segment by n whole chunks and appends matching
// free chunk records.
func (a *Allocator) grow(n int64) error {
	if n <= 0 {
		return nil
	}
	newSize := a.seg.Size() + n*a.chunkSize
	if err := a.seg.Extend(newSize); err != nil {
		return errors.Wrap(err, "extending segment for allocator growth failed")
	}
	a.syncChunkTable()
	return nil
}

func (a *Allocator) popFreeSlot(classIdx int) (int64, bool) {
	head := a.classFreeHead[classIdx]
	if head == NullOffset {
		return NullOffset, false
	}
	a.classFreeHead[classIdx] = a.readNextPointer(head)
	return head, true
}

func (a *Allocator) pushFreeSlot(classIdx int, offset int64) {
	a.writeNextPointer(offset, a.classFreeHead[classIdx])
	a.classFreeHead[classIdx] = offset
}

// writeNextPointer/readNextPointer embed the freelist link in the first
// 8 bytes of a free slot, so free slots carry their own bookkeeping and
// the serialized metadata only needs the per-class heads.
func (a *Allocator) writeNextPointer(slotOffset, next int64) {
	b := a.bytesAt(slotOffset, 8)
	binary.LittleEndian.PutUint64(b, uint64(next))
}

func (a *Allocator) readNextPointer(slotOffset int64) int64 {
	b := a.bytesAt(slotOffset, 8)
	return int64(binary.LittleEndian.Uint64(b))
}

func (a *Allocator) bytesAt(offset int64, length int) []byte {
	return memAt(a.base, offset, length)
}

// chunkRecordBytes returns record's fixed-size on-disk representation.
func chunkRecordBytes(r chunkRecord) []byte {
	u := photon.NewFromValue(&r)
	cp := make([]byte, len(u.B))
	copy(cp, u.B)
	return cp
}

func chunkRecordFromBytes(b []byte) chunkRecord {
	u := photon.NewFromBytes[chunkRecord](b)
	return *u.V
}

var chunkRecordSize = len(chunkRecordBytes(chunkRecord{}))
