package kernel_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/pheap/kernel"
)

type point struct {
	X, Y int64
}

func testOptions() kernel.Options {
	return kernel.Options{InitialSegmentSize: 1} // rounds up to one chunk
}

func TestCreateConstructCloseReopenFind(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)

	p, err := kernel.Construct[point](m, "origin", func(p *point) error {
		p.X, p.Y = 3, 4
		return nil
	})
	requireT.NoError(err)
	requireT.Equal(int64(3), p.X)

	requireT.NoError(m.Close())

	m2, found, err := kernel.Open(path, true, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(found)
	defer m2.Close()

	got, count, ok := kernel.Find[point](m2, "origin")
	requireT.True(ok)
	requireT.Equal(int64(1), count)
	requireT.Equal(int64(3), got.X)
	requireT.Equal(int64(4), got.Y)

	_, _, ok = kernel.Find[point](m2, "does-not-exist")
	requireT.False(ok)
}

func TestConstructArrayRoundTrip(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)

	p, err := kernel.ConstructArray[int32](m, "values", 3, func(i int64, p *int32) error {
		*p = int32(i) + 1
		return nil
	})
	requireT.NoError(err)
	values := unsafe.Slice(p, 3)
	requireT.Equal([]int32{1, 2, 3}, values)

	requireT.NoError(m.Close())

	m2, found, err := kernel.Open(path, false, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(found)
	defer m2.Close()

	got, count, ok := kernel.Find[int32](m2, "values")
	requireT.True(ok)
	requireT.Equal(int64(3), count)
	requireT.Equal([]int32{1, 2, 3}, unsafe.Slice(got, count))

	finalized := 0
	requireT.True(kernel.Destroy[int32](m2, "values", func(*int32) {
		finalized++
	}))
	requireT.Equal(3, finalized, "finalizer runs once per element")
	_, _, ok = kernel.Find[int32](m2, "values")
	requireT.False(ok)
	requireT.Zero(m2.NumNamedObjects())
}

func TestDestroyThenFindFails(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	_, err = kernel.Construct[point](m, "p", nil)
	requireT.NoError(err)

	requireT.True(kernel.Destroy[point](m, "p", nil))
	_, _, ok := kernel.Find[point](m, "p")
	requireT.False(ok)

	requireT.False(kernel.Destroy[point](m, "p", nil), "destroying an already-destroyed name reports false")
}

func TestFindOrConstructIsIdempotent(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	calls := 0
	p1, err := kernel.FindOrConstruct[point](m, "singleton", func(p *point) error {
		calls++
		p.X = 7
		return nil
	})
	requireT.NoError(err)

	p2, err := kernel.FindOrConstruct[point](m, "singleton", func(p *point) error {
		calls++
		p.X = 99
		return nil
	})
	requireT.NoError(err)

	requireT.Equal(1, calls, "init only runs for the first construction")
	requireT.Same(p1, p2)
	requireT.Equal(int64(7), p2.X)
}

func TestConstructDuplicateNameFails(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	_, err = kernel.Construct[point](m, "dup", nil)
	requireT.NoError(err)

	_, err = kernel.Construct[point](m, "dup", nil)
	requireT.ErrorIs(err, kernel.ErrAlreadyExists)
}

func TestEmptyNameIsAValidName(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	_, err = kernel.Construct[point](m, "", func(p *point) error {
		p.X = 11
		return nil
	})
	requireT.NoError(err)

	got, count, ok := kernel.Find[point](m, "")
	requireT.True(ok)
	requireT.Equal(int64(1), count)
	requireT.Equal(int64(11), got.X)
	requireT.Equal(1, m.NumNamedObjects())
}

func TestConstructInitFailureLeavesNoOrphan(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	boom := errors.New("boom")
	_, err = kernel.Construct[point](m, "p", func(p *point) error {
		return boom
	})
	requireT.Error(err)

	_, _, ok := kernel.Find[point](m, "p")
	requireT.False(ok, "a failed constructor must not leave a directory entry behind")

	// The name must be free for reuse; a leaked allocation would not
	// prevent this, but a leaked directory entry would.
	_, err = kernel.Construct[point](m, "p", func(p *point) error {
		p.X = 1
		return nil
	})
	requireT.NoError(err)
}

func TestUniqueObjectRoundTrip(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	_, err = kernel.ConstructUnique[point](m, func(p *point) error {
		p.X = 42
		return nil
	})
	requireT.NoError(err)

	_, err = kernel.ConstructUnique[point](m, nil)
	requireT.ErrorIs(err, kernel.ErrAlreadyExists)

	got, ok := kernel.FindUnique[point](m)
	requireT.True(ok)
	requireT.Equal(int64(42), got.X)
	requireT.Equal(1, m.NumUniqueObjects())

	requireT.True(kernel.DestroyUnique[point](m, nil))
	_, ok = kernel.FindUnique[point](m)
	requireT.False(ok)
}

func TestAnonymousAllocationHasNoDirectoryEntry(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	p, err := kernel.ConstructAnonymous[point](m, func(p *point) error {
		p.X, p.Y = 1, 2
		return nil
	})
	requireT.NoError(err)
	requireT.Empty(m.NamedObjects())
	requireT.Equal(int64(1), m.AnonymousCount())

	// Named constructions are counted by the directory, not here.
	_, err = kernel.Construct[point](m, "named", nil)
	requireT.NoError(err)
	requireT.Equal(int64(1), m.AnonymousCount())
	requireT.Equal(1, m.NumNamedObjects())

	kernel.DestroyPtr(m, p, nil)
	requireT.Zero(m.AnonymousCount())
}

func TestReadOnlySessionRejectsMutation(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	_, err = kernel.Construct[point](m, "p", nil)
	requireT.NoError(err)
	requireT.NoError(m.Close())

	m2, found, err := kernel.Open(path, true, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(found)
	defer m2.Close()

	requireT.True(m2.ReadOnly())
	requireT.Nil(m2.Allocate(64))
	requireT.Nil(m2.AllocateAligned(64, 64))

	_, err = kernel.Construct[point](m2, "q", nil)
	requireT.ErrorIs(err, kernel.ErrReadOnly)
	_, err = kernel.ConstructAnonymous[point](m2, nil)
	requireT.ErrorIs(err, kernel.ErrReadOnly)

	requireT.False(kernel.Destroy[point](m2, "p", nil))
	_, _, ok := kernel.Find[point](m2, "p")
	requireT.True(ok, "read-only destroy must leave the entry untouched")

	requireT.False(m2.SetDescription("p", "nope"))
	requireT.False(m2.SetDatastoreDescription("nope"))
}

func TestAllocateZeroAndAlignmentBoundaries(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	requireT.NotNil(m.Allocate(0), "zero-byte allocation still yields a usable pointer")

	chunk := m.ChunkSize()
	p := m.AllocateAligned(16, chunk)
	requireT.NotNil(p)
	requireT.Zero(uintptr(p) % uintptr(chunk))

	requireT.Nil(m.AllocateAligned(16, chunk*2), "alignment above the chunk size is rejected")
}

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 64<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	const n = 200
	addrs := make([]uintptr, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			p := m.Allocate(48)
			requireT.NotNil(p)
			addrs[i] = uintptr(p)
		}()
	}
	wg.Wait()

	seen := make(map[uintptr]bool, n)
	for _, a := range addrs {
		requireT.False(seen[a], "address %#x handed out twice", a)
		seen[a] = true
	}
}

func TestAllocationExhaustionReturnsNil(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 8<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	var last unsafe.Pointer
	for {
		p := m.Allocate(m.ChunkSize())
		if p == nil {
			break
		}
		last = p
	}
	requireT.NotNil(last, "at least one allocation fits before exhaustion")
	// Prior allocations stay dereferenceable after the failed one.
	*(*byte)(last) = 0x7f
	requireT.Equal(byte(0x7f), *(*byte)(last))
}

func TestRecreateDiscardsPreviousState(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	_, err = kernel.Construct[point](m, "stale", nil)
	requireT.NoError(err)
	requireT.NoError(m.Close())

	m2, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m2.Close()

	_, _, ok := kernel.Find[point](m2, "stale")
	requireT.False(ok, "re-create over an existing datastore discards its state")
}

// TestOpenWithoutMarkerAborts re-executes itself in a child process:
// opening a datastore writable when the properly-closed marker is absent
// must abort the process, which cannot be observed in-process.
func TestOpenWithoutMarkerAborts(t *testing.T) {
	if path := os.Getenv("PHEAP_TEST_OPEN_UNCLEAN"); path != "" {
		_, _, _ = kernel.Open(path, false, 16<<20, testOptions())
		// Open aborts before returning; reaching this point means the
		// check did not fire and the child exits zero, failing the
		// parent's assertion.
		return
	}

	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	_, err = kernel.Construct[point](m, "x", nil)
	requireT.NoError(err)
	requireT.NoError(m.Close())

	// Simulate a crash after the fact: the marker disappears as if
	// Close had never run.
	requireT.NoError(os.Remove(filepath.Join(path, "properly_closed_mark")))
	requireT.False(kernel.Consistent(path))

	cmd := exec.Command(os.Args[0], "-test.run=TestOpenWithoutMarkerAborts")
	cmd.Env = append(os.Environ(), "PHEAP_TEST_OPEN_UNCLEAN="+path)
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	requireT.ErrorAs(err, &exitErr, "child must exit non-zero, output:\n%s", out)
	requireT.Contains(string(out), "not closed properly")
}

func TestConsistentReflectsCloseState(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	requireT.False(kernel.Consistent(path), "no datastore yet")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.False(kernel.Consistent(path), "not yet closed")

	requireT.NoError(m.Close())
	requireT.True(kernel.Consistent(path))
}

func TestDescriptionsSurviveReopen(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(m.SetDatastoreDescription("benchmark fixture"))
	requireT.NoError(m.Close())

	m2, found, err := kernel.Open(path, true, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(found)
	defer m2.Close()

	desc, ok := m2.GetDatastoreDescription()
	requireT.True(ok)
	requireT.Equal("benchmark fixture", desc)
}

func TestInstanceIntrospectionByPointer(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	p, err := kernel.ConstructArray[int32](m, "values", 4, nil)
	requireT.NoError(err)

	name, ok := m.InstanceName(unsafe.Pointer(p))
	requireT.True(ok)
	requireT.Equal("values", name)

	length, ok := m.InstanceLength(unsafe.Pointer(p))
	requireT.True(ok)
	requireT.Equal(int64(4), length)

	anon := m.Allocate(16)
	requireT.NotNil(anon)
	_, ok = m.InstanceName(anon)
	requireT.False(ok, "anonymous allocations have no name")
}

func TestDescriptionAtWithoutOpening(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.NoError(m.Close())

	desc, err := kernel.GetDescriptionAt(path)
	requireT.NoError(err)
	requireT.Empty(desc)

	requireT.NoError(kernel.SetDescriptionAt(path, "archived run"))
	desc, err = kernel.GetDescriptionAt(path)
	requireT.NoError(err)
	requireT.Equal("archived run", desc)
}

func TestSnapshotGetsDistinctUUID(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "store")
	snapPath := filepath.Join(t.TempDir(), "snapshot")

	m, err := kernel.Create(path, 16<<20, testOptions())
	requireT.NoError(err)
	defer m.Close()

	_, err = kernel.Construct[point](m, "p", func(p *point) error {
		p.X = 9
		return nil
	})
	requireT.NoError(err)

	requireT.NoError(m.Snapshot(snapPath))

	srcUUID, err := kernel.GetUUIDAt(path)
	requireT.NoError(err)
	dstUUID, err := kernel.GetUUIDAt(snapPath)
	requireT.NoError(err)
	requireT.NotEqual(srcUUID, dstUUID)

	// The snapshot is immediately openable and carries the entry written
	// before the snapshot was taken; the source stays open.
	requireT.True(kernel.Consistent(snapPath))
	snap, found, err := kernel.Open(snapPath, true, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.True(found)
	defer snap.Close()

	got, _, ok := kernel.Find[point](snap, "p")
	requireT.True(ok)
	requireT.Equal(int64(9), got.X)
}

func TestOpenMissingDatastoreIsSoftMiss(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "nothing-here")

	m, found, err := kernel.Open(path, false, 16<<20, testOptions())
	requireT.NoError(err)
	requireT.False(found)
	requireT.Nil(m)
}
