package kernel

import "unsafe"

// Allocate reserves nbytes of memory and returns its process-local
// address, or nil if the request could not be satisfied or the manager
// is read-only. Called directly it is an anonymous allocation: the
// offset never appears under any name.
func (m *Manager) Allocate(nbytes int64) unsafe.Pointer {
	return m.AllocateAligned(nbytes, 1)
}

// AllocateAligned is Allocate with a minimum alignment requirement. An
// alignment greater than the chunk size is always rejected.
func (m *Manager) AllocateAligned(nbytes, alignment int64) unsafe.Pointer {
	return m.allocateAligned(nbytes, alignment, true)
}

// Deallocate releases memory previously returned by Allocate,
// AllocateAligned, or ConstructAnonymous. Passing an address not
// obtained from this manager, or one already deallocated, is undefined
// behavior, matching the allocator's own contract.
func (m *Manager) Deallocate(addr unsafe.Pointer) {
	m.deallocate(addr, true)
}

// allocateAligned backs both the anonymous public surface and the named
// construction path. Only anonymous allocations are counted: named and
// unique objects are already countable through the directory.
func (m *Manager) allocateAligned(nbytes, alignment int64, anonymous bool) unsafe.Pointer {
	if m.readOnly {
		return nil
	}
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	off, ok := m.al.AllocateAligned(nbytes, alignment)
	if !ok {
		return nil
	}
	if anonymous {
		m.anonymousCount++
	}
	return m.addrOf(off)
}

func (m *Manager) deallocate(addr unsafe.Pointer, anonymous bool) {
	if addr == nil || m.readOnly {
		return
	}
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	m.al.Deallocate(m.offsetOf(addr))
	if anonymous {
		m.anonymousCount--
	}
}

func (m *Manager) addrOf(offset int64) unsafe.Pointer {
	if offset < 0 {
		return nil
	}
	return unsafe.Pointer(m.GetAddress() + uintptr(offset))
}

func (m *Manager) offsetOf(addr unsafe.Pointer) int64 {
	return int64(uintptr(addr) - m.GetAddress())
}
