package kernel

import "github.com/outofforest/pheap/allocator"

// Options configures a Manager at create/open time. The zero value uses
// the allocator's default chunk size and a 64MiB initial segment.
type Options struct {
	// ChunkSize overrides allocator.DefaultChunkSize. It must be a
	// power of two, a multiple of the system page size, and is
	// normally left at its default.
	ChunkSize int64
	// InitialSegmentSize is how many bytes of the data segment are
	// mapped immediately at create time, rounded up to a multiple of
	// ChunkSize.
	InitialSegmentSize int64
}

const defaultInitialSegmentSize = 64 * 1024 * 1024 // 64MiB

func (o Options) withDefaults() Options {
	if o.ChunkSize == 0 {
		o.ChunkSize = allocator.DefaultChunkSize
	}
	if o.InitialSegmentSize == 0 {
		o.InitialSegmentSize = defaultInitialSegmentSize
	}
	return o
}

func roundUp(n, multiple int64) int64 {
	if multiple == 0 {
		return n
	}
	return ((n + multiple - 1) / multiple) * multiple
}
