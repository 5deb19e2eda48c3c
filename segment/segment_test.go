package segment_test

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/pheap/platform"
	"github.com/outofforest/pheap/segment"
)

const maxSize = 16 * 1024 * 1024 // 16MiB

func reserve(t *testing.T, size uintptr) uintptr {
	t.Helper()
	base, err := platform.ReserveAlignedVM(size, uintptr(platform.PageSize()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = platform.Munmap(base, int(size))
	})
	return base
}

func TestCreateWriteReopen(t *testing.T) {
	requireT := require.New(t)

	dir := filepath.Join(t.TempDir(), "segment")
	pageSize := int64(platform.PageSize())
	base := reserve(t, uintptr(maxSize))

	st, err := segment.Create(dir, maxSize, base, pageSize)
	requireT.NoError(err)
	requireT.Equal(pageSize, st.Size())
	requireT.False(st.ReadOnly())

	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), pageSize)
	b[0] = 0x42
	requireT.NoError(st.Sync(true))
	requireT.NoError(st.Destroy())

	base2 := reserve(t, uintptr(maxSize))
	st2, err := segment.Open(dir, maxSize, base2, false)
	requireT.NoError(err)
	requireT.Equal(pageSize, st2.Size())

	b2 := unsafe.Slice((*byte)(unsafe.Pointer(base2)), pageSize)
	requireT.Equal(byte(0x42), b2[0])
	requireT.NoError(st2.Destroy())
}

func TestExtend(t *testing.T) {
	requireT := require.New(t)

	dir := filepath.Join(t.TempDir(), "segment")
	pageSize := int64(platform.PageSize())
	base := reserve(t, uintptr(maxSize))

	st, err := segment.Create(dir, maxSize, base, pageSize)
	requireT.NoError(err)

	requireT.NoError(st.Extend(4 * pageSize))
	requireT.Equal(4*pageSize, st.Size())

	// Idempotent for a size not larger than current.
	requireT.NoError(st.Extend(pageSize))
	requireT.Equal(4*pageSize, st.Size())

	requireT.Error(st.Extend(maxSize + 1))

	requireT.NoError(st.Destroy())
}

func TestOpenableAndReadOnly(t *testing.T) {
	requireT := require.New(t)

	dir := filepath.Join(t.TempDir(), "segment")
	requireT.False(segment.Openable(dir))

	pageSize := int64(platform.PageSize())
	base := reserve(t, uintptr(maxSize))
	st, err := segment.Create(dir, maxSize, base, pageSize)
	requireT.NoError(err)
	requireT.NoError(st.Destroy())

	requireT.True(segment.Openable(dir))

	base2 := reserve(t, uintptr(maxSize))
	st2, err := segment.Open(dir, maxSize, base2, true)
	requireT.NoError(err)
	requireT.True(st2.ReadOnly())
	requireT.Error(st2.Extend(2 * pageSize))
	requireT.NoError(st2.Destroy())
}
