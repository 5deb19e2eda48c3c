package kernel

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/pheap/directory"
)

// ErrAlreadyExists is returned by Construct when name (or, for a unique
// object, the type) is already present in the directory.
var ErrAlreadyExists = errors.New("object already exists")

// ErrReadOnly is returned by the construction entry points when the
// manager was opened read-only and a new object would have to be
// created. A name that already exists is still reported as
// ErrAlreadyExists by Construct, and found by the FindOrConstruct
// variants.
var ErrReadOnly = errors.New("manager is read-only")

// Construct allocates space for a T, registers it under name, and runs
// init over the zeroed value. If name is already taken, or init returns
// an error, the allocation is released and no directory entry is left
// behind, and the zero value is returned alongside the error.
func Construct[T any](m *Manager, name string, init func(*T) error) (*T, error) {
	return constructNamed[T](m, name, directory.KindNamed, 1, wrapInit(init), false)
}

// ConstructArray is Construct for a contiguous array of num elements of
// T registered under one name. init, if non-nil, runs once per element
// in index order; a failure on any element releases the whole array.
// Find reports the recorded num as the entry's count.
func ConstructArray[T any](m *Manager, name string, num int64, init func(i int64, p *T) error) (*T, error) {
	return constructNamed[T](m, name, directory.KindNamed, num, init, false)
}

// FindOrConstruct returns the existing named T if present, otherwise
// constructs one exactly as Construct would.
func FindOrConstruct[T any](m *Manager, name string, init func(*T) error) (*T, error) {
	return constructNamed[T](m, name, directory.KindNamed, 1, wrapInit(init), true)
}

// FindOrConstructArray is ConstructArray's find-or-create counterpart.
func FindOrConstructArray[T any](m *Manager, name string, num int64, init func(i int64, p *T) error) (*T, error) {
	return constructNamed[T](m, name, directory.KindNamed, num, init, true)
}

// ConstructUnique constructs a T keyed by its own type rather than a
// caller-supplied name; a second ConstructUnique[T] call fails with
// ErrAlreadyExists until the first is destroyed.
func ConstructUnique[T any](m *Manager, init func(*T) error) (*T, error) {
	return constructNamed[T](m, uniqueKey[T](), directory.KindUnique, 1, wrapInit(init), false)
}

// FindOrConstructUnique is ConstructUnique's find-or-create counterpart.
func FindOrConstructUnique[T any](m *Manager, init func(*T) error) (*T, error) {
	return constructNamed[T](m, uniqueKey[T](), directory.KindUnique, 1, wrapInit(init), true)
}

// ConstructAnonymous allocates and initializes a T with no directory
// entry at all; the caller's pointer is the only handle to it, matching
// the behavior of an anonymous allocate.
func ConstructAnonymous[T any](m *Manager, init func(*T) error) (*T, error) {
	if m.readOnly {
		return nil, ErrReadOnly
	}
	ptr := (*T)(m.Allocate(int64(unsafe.Sizeof(*new(T)))))
	if ptr == nil {
		return nil, errors.New("allocating memory for anonymous object failed")
	}
	if init != nil {
		if err := init(ptr); err != nil {
			m.Deallocate(unsafe.Pointer(ptr))
			return nil, errors.Wrap(err, "initializing anonymous object failed")
		}
	}
	return ptr, nil
}

// Find looks up a named object. It returns the address of the first
// element and the element count recorded at construction; ok is false if
// no such name is registered under the named kind.
func Find[T any](m *Manager, name string) (ptr *T, count int64, ok bool) {
	return findNamed[T](m, name, directory.KindNamed)
}

// FindUnique looks up the unique instance of T, if one has been
// constructed.
func FindUnique[T any](m *Manager) (*T, bool) {
	ptr, _, ok := findNamed[T](m, uniqueKey[T](), directory.KindUnique)
	return ptr, ok
}

// Destroy erases name from the directory and destroys the object (or
// array) it named, running fin (if non-nil) once per element before the
// memory is released. It reports whether a matching entry existed and
// the manager was writable. The directory gate is held only long enough
// to erase the entry: fin and the actual deallocation run after the
// gate is released, so a concurrent Construct under the same name can
// never observe a half-destroyed object.
func Destroy[T any](m *Manager, name string, fin func(*T)) bool {
	return destroyNamed[T](m, name, directory.KindNamed, fin)
}

// DestroyUnique is Destroy for the unique instance of T.
func DestroyUnique[T any](m *Manager, fin func(*T)) bool {
	return destroyNamed[T](m, uniqueKey[T](), directory.KindUnique, fin)
}

// DestroyPtr destroys an object (named, unique, or anonymous) given only
// its pointer. For named and unique objects it also removes the
// directory entry if the pointer's offset matches one exactly; callers
// that know an object's name should prefer Destroy/DestroyUnique, which
// do not require a linear directory scan.
func DestroyPtr[T any](m *Manager, ptr *T, fin func(*T)) {
	if ptr == nil || m.readOnly {
		return
	}
	off := m.offsetOf(unsafe.Pointer(ptr))

	m.dirMu.Lock()
	var found string
	var matched bool
	var count int64 = 1
	for _, kind := range []directory.Kind{directory.KindNamed, directory.KindUnique} {
		if matched {
			break
		}
		m.dir.Iterate(kind, func(name string, e directory.Entry) bool {
			if e.Offset == off {
				found, matched = name, true
				count = int64(e.Length)
				return false
			}
			return true
		})
	}
	if matched {
		m.dir.Erase(found)
	}
	m.dirMu.Unlock()

	finalize(ptr, count, fin)
	// A pointer with no directory entry is an anonymous allocation and
	// leaves the anonymous count with it.
	m.deallocate(unsafe.Pointer(ptr), !matched)
}

func constructNamed[T any](m *Manager, name string, kind directory.Kind, num int64, init func(int64, *T) error, orFind bool) (*T, error) {
	if num <= 0 {
		return nil, errors.Errorf("invalid element count %d", num)
	}

	m.dirMu.Lock()
	if existing, ok := m.dir.Find(name); ok {
		m.dirMu.Unlock()
		if orFind {
			return (*T)(m.addrOf(existing.Offset)), nil
		}
		return nil, ErrAlreadyExists
	}
	if m.readOnly {
		m.dirMu.Unlock()
		return nil, ErrReadOnly
	}

	size := num * int64(unsafe.Sizeof(*new(T)))
	ptr := (*T)(m.allocateAligned(size, 1, false))
	if ptr == nil {
		m.dirMu.Unlock()
		return nil, errors.New("allocating memory for named object failed")
	}
	// Recycled and fresh slab slots still hold old bytes and freelist links.
	clear(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))

	if !m.dir.Insert(name, directory.Entry{
		Offset: m.offsetOf(unsafe.Pointer(ptr)),
		Length: uint64(num),
		Kind:   kind,
	}) {
		m.dirMu.Unlock()
		m.deallocate(unsafe.Pointer(ptr), false)
		return nil, ErrAlreadyExists
	}
	m.dirMu.Unlock()

	if init != nil {
		for i := int64(0); i < num; i++ {
			if err := init(i, elementAt(ptr, i)); err != nil {
				m.dirMu.Lock()
				m.dir.Erase(name)
				m.dirMu.Unlock()
				m.deallocate(unsafe.Pointer(ptr), false)
				return nil, errors.Wrap(err, "initializing named object failed")
			}
		}
	}

	return ptr, nil
}

func findNamed[T any](m *Manager, name string, kind directory.Kind) (*T, int64, bool) {
	m.dirMu.Lock()
	entry, ok := m.dir.Find(name)
	m.dirMu.Unlock()
	if !ok || entry.Kind != kind {
		return nil, 0, false
	}
	return (*T)(m.addrOf(entry.Offset)), int64(entry.Length), true
}

func destroyNamed[T any](m *Manager, name string, kind directory.Kind, fin func(*T)) bool {
	if m.readOnly {
		return false
	}

	m.dirMu.Lock()
	entry, ok := m.dir.Find(name)
	if !ok || entry.Kind != kind {
		m.dirMu.Unlock()
		return false
	}
	m.dir.Erase(name)
	m.dirMu.Unlock()

	ptr := (*T)(m.addrOf(entry.Offset))
	finalize(ptr, int64(entry.Length), fin)
	m.deallocate(unsafe.Pointer(ptr), false)
	return true
}

func finalize[T any](ptr *T, count int64, fin func(*T)) {
	if fin == nil {
		return
	}
	for i := int64(0); i < count; i++ {
		fin(elementAt(ptr, i))
	}
}

func elementAt[T any](ptr *T, i int64) *T {
	return (*T)(unsafe.Add(unsafe.Pointer(ptr), uintptr(i)*unsafe.Sizeof(*new(T))))
}

func wrapInit[T any](init func(*T) error) func(int64, *T) error {
	if init == nil {
		return nil
	}
	return func(_ int64, p *T) error { return init(p) }
}

// uniqueKey derives the directory key for a unique-kind object from its
// type, mirroring the one-instance-per-type rule for unique objects.
func uniqueKey[T any]() string {
	return "unique:" + reflect.TypeOf(*new(T)).String()
}
