package kernel

// On-disk layout of a datastore directory.
const (
	segmentDirName      = "segment"
	directoryFileName   = "named_object_directory"
	allocatorFileName   = "segment_memory_allocator"
	uuidFileName        = "uuid"
	versionFileName     = "version"
	markerFileName      = "properly_closed_mark"
	descriptionFileName = "description"
)

// schemaVersion is written to versionFileName at create time and
// returned by GetVersion and GetVersionAt. There is no migration path;
// a mismatch encountered while opening is a configuration-invalid
// failure.
const schemaVersion = "1"

// MaxVMRegionSize bounds how large a single manager's reserved VM region
// may be. It is generous enough to never be the practical constraint on
// 64-bit hosts; it exists so a clearly nonsensical request fails fast
// instead of exhausting address space.
const MaxVMRegionSize = 1 << 44 // 16 TiB
