package allocator

import (
	"bytes"
	"os"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
)

// onDiskHeader is the fixed-size prologue of the serialized allocator
// file: chunk size and table cardinality, plus the per-class freelist
// heads. The slot-to-slot links themselves live inside the segment data
// and are not duplicated here; reopening the segment brings them back
// for free.
type onDiskHeader struct {
	ChunkSize     int64
	NumChunks     int64
	NumClasses    int64
	ClassFreeHead [maxClasses]int64
}

// Serialize writes the chunk-state table and per-class freelist heads to
// path.
func (a *Allocator) Serialize(path string) error {
	if len(a.classes) > maxClasses {
		return errors.Errorf("too many size classes to serialize: %d > %d", len(a.classes), maxClasses)
	}

	header := onDiskHeader{
		ChunkSize:  a.chunkSize,
		NumChunks:  int64(len(a.chunks)),
		NumClasses: int64(len(a.classes)),
	}
	copy(header.ClassFreeHead[:], a.classFreeHead)

	var buf bytes.Buffer
	buf.Write(photon.NewFromValue(&header).B)
	for _, c := range a.chunks {
		buf.Write(chunkRecordBytes(c))
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing allocator metadata to %q failed", path)
	}
	return nil
}

// Deserialize reconstructs the chunk-state table and per-class freelist
// heads from path. The allocator must already be configured with the
// same chunk size (and therefore the same size classes) it was
// serialized with.
func (a *Allocator) Deserialize(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading allocator metadata from %q failed", path)
	}

	headerSize := len(photon.NewFromValue(&onDiskHeader{}).B)
	if len(raw) < headerSize {
		return errors.Errorf("allocator metadata file %q is truncated", path)
	}

	header := photon.NewFromBytes[onDiskHeader](raw[:headerSize])
	if header.V.ChunkSize != a.chunkSize {
		return errors.Errorf("allocator chunk size mismatch: on disk %d, configured %d", header.V.ChunkSize, a.chunkSize)
	}
	if int(header.V.NumClasses) != len(a.classes) {
		return errors.Errorf("allocator size class count mismatch: on disk %d, configured %d", header.V.NumClasses, len(a.classes))
	}

	expected := headerSize + int(header.V.NumChunks)*chunkRecordSize
	if len(raw) != expected {
		return errors.Errorf("allocator metadata file %q has unexpected length %d, want %d", path, len(raw), expected)
	}

	chunks := make([]chunkRecord, header.V.NumChunks)
	cursor := headerSize
	for i := range chunks {
		chunks[i] = chunkRecordFromBytes(raw[cursor : cursor+chunkRecordSize])
		cursor += chunkRecordSize
	}

	a.chunks = chunks
	a.classFreeHead = append([]int64(nil), header.V.ClassFreeHead[:len(a.classes)]...)
	return nil
}
