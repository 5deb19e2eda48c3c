package kernel

import (
	"unsafe"

	"github.com/outofforest/pheap/directory"
)

// NamedObjectInfo describes one entry the directory iterators hand back.
type NamedObjectInfo struct {
	Name   string
	Length uint64
}

// NamedObjects returns a snapshot of every currently registered named
// object, in directory order.
func (m *Manager) NamedObjects() []NamedObjectInfo {
	return m.listEntries(directory.KindNamed)
}

// UniqueObjects returns a snapshot of every currently registered unique
// object, in directory order.
func (m *Manager) UniqueObjects() []NamedObjectInfo {
	return m.listEntries(directory.KindUnique)
}

// NumNamedObjects returns how many named objects the directory currently
// holds.
func (m *Manager) NumNamedObjects() int {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	return m.dir.Len(directory.KindNamed)
}

// NumUniqueObjects returns how many unique objects the directory
// currently holds.
func (m *Manager) NumUniqueObjects() int {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	return m.dir.Len(directory.KindUnique)
}

func (m *Manager) listEntries(kind directory.Kind) []NamedObjectInfo {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	out := make([]NamedObjectInfo, 0, m.dir.Len(kind))
	m.dir.Iterate(kind, func(name string, e directory.Entry) bool {
		out = append(out, NamedObjectInfo{Name: name, Length: e.Length})
		return true
	})
	return out
}

// InstanceName returns the name under which the object at addr was
// constructed. ok is false for anonymous allocations and unknown
// addresses.
func (m *Manager) InstanceName(addr unsafe.Pointer) (string, bool) {
	name, _, ok := m.entryByOffset(m.offsetOf(addr))
	return name, ok
}

// InstanceKind returns the kind of the object at addr. ok is false for
// anonymous allocations and unknown addresses.
func (m *Manager) InstanceKind(addr unsafe.Pointer) (directory.Kind, bool) {
	_, e, ok := m.entryByOffset(m.offsetOf(addr))
	return e.Kind, ok
}

// InstanceLength returns the element count recorded for the object at
// addr. ok is false for anonymous allocations and unknown addresses.
func (m *Manager) InstanceLength(addr unsafe.Pointer) (int64, bool) {
	_, e, ok := m.entryByOffset(m.offsetOf(addr))
	return int64(e.Length), ok
}

func (m *Manager) entryByOffset(off int64) (string, directory.Entry, bool) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	var foundName string
	var foundEntry directory.Entry
	var found bool
	for _, kind := range []directory.Kind{directory.KindNamed, directory.KindUnique} {
		if found {
			break
		}
		m.dir.Iterate(kind, func(name string, e directory.Entry) bool {
			if e.Offset == off {
				foundName, foundEntry, found = name, e, true
				return false
			}
			return true
		})
	}
	return foundName, foundEntry, found
}

// AnonymousCount reports how many anonymous allocations (made through
// Allocate, AllocateAligned, or ConstructAnonymous) are currently live
// in this session. Named and unique objects are not included; they are
// counted by NumNamedObjects and NumUniqueObjects.
func (m *Manager) AnonymousCount() int64 {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	return m.anonymousCount
}
