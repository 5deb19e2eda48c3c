package allocator

import "unsafe"

// memAt returns a slice view of length bytes starting at offset within
// the mapped segment at base. It is unsafe by construction: callers must
// ensure offset+length stays within the segment's current size.
func memAt(base uintptr, offset int64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(offset))), length)
}
