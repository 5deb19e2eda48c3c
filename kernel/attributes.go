package kernel

import "path/filepath"

// SetDescription attaches a free-form description to name, which must
// already exist in the directory. It reports false if name is unknown or
// the manager is read-only.
func (m *Manager) SetDescription(name, description string) bool {
	if m.readOnly {
		return false
	}

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	if _, ok := m.dir.Find(name); !ok {
		return false
	}
	m.descriptions[name] = description
	return true
}

// GetDescription returns the description previously attached to name, if
// any.
func (m *Manager) GetDescription(name string) (string, bool) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	d, ok := m.descriptions[name]
	return d, ok
}

// SetDatastoreDescription attaches a free-form description to the
// datastore as a whole, independent of any single named object, and
// writes it through to disk so it survives reopen. It reports false if
// the manager is read-only or the write failed.
func (m *Manager) SetDatastoreDescription(description string) bool {
	if m.readOnly {
		return false
	}
	if err := writeFile(filepath.Join(m.path, descriptionFileName), description); err != nil {
		return false
	}
	m.datastoreDescription = description
	return true
}

// GetDatastoreDescription returns the datastore-wide description, if
// one was set.
func (m *Manager) GetDatastoreDescription() (string, bool) {
	return m.datastoreDescription, m.datastoreDescription != ""
}
