package allocator

// minClassSize is the smallest slab size class. Every slot must at least
// hold its own freelist link (an 8-byte int64 offset).
const minClassSize = 16

// maxClasses bounds the on-disk class free-list-head table. The 2MiB
// default chunk size spans classes 16B..1MiB, i.e. 17 classes; 64 is
// ample headroom for the shrunk test chunk size too.
const maxClasses = 64

// buildClasses returns the ascending power-of-two slab size classes for a
// chunk of the given size, stopping at chunkSize/2. Anything larger
// takes the large path.
func buildClasses(chunkSize int64) []int64 {
	var classes []int64
	for size := int64(minClassSize); size <= chunkSize/2; size *= 2 {
		classes = append(classes, size)
	}
	return classes
}

// classFor returns the index of the smallest class able to hold a
// request of size n with natural alignment at least align. It returns
// -1 if no class (i.e. the large path) applies.
func classFor(classes []int64, n, align int64) int {
	want := n
	if align > want {
		want = align
	}
	for i, size := range classes {
		if size >= want {
			return i
		}
	}
	return -1
}
