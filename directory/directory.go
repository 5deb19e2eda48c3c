// Package directory implements the named-object directory: the mapping
// from a user-chosen (or type-derived) name to the offset, length and
// kind of the object stored under it. It never stores addresses, only
// offsets, so the whole table can be serialized and reloaded verbatim
// after a remap.
//
// Lookup uses open addressing over an xxhash of the name in a single
// resizable table; one datastore holds at most a handful of named
// objects, so there is no paging or spilling.
package directory

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Kind distinguishes a user-named entry from one keyed by a type's
// compile-time identity. Anonymous objects are never stored here.
type Kind byte

// Entry kinds.
const (
	KindNamed Kind = iota
	KindUnique
)

// Entry is what the directory remembers about one name.
type Entry struct {
	Offset int64
	Length uint64
	Kind   Kind
}

type slotState byte

const (
	slotFree slotState = iota
	slotDefined
	slotTombstone
)

type slot struct {
	state slotState
	hash  uint64
	name  string
	entry Entry
}

const (
	initialSlots  = 16
	maxLoadFactor = 0.7
	growthFactor  = 2
)

// Directory is an open-addressed name -> Entry map.
type Directory struct {
	slots []slot
	count int // defined slots, excludes tombstones
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		slots: make([]slot, initialSlots),
	}
}

// Find returns the entry stored under name, if any.
func (d *Directory) Find(name string) (Entry, bool) {
	idx, found := d.probe(name)
	if !found {
		return Entry{}, false
	}
	return d.slots[idx].entry, true
}

// Insert adds name -> entry. It returns false without modifying the
// directory if name is already present.
func (d *Directory) Insert(name string, entry Entry) bool {
	if _, found := d.probe(name); found {
		return false
	}

	if float64(d.count+1) > maxLoadFactor*float64(len(d.slots)) {
		d.grow()
	}

	d.insertSlot(xxhash.Sum64String(name), name, entry)
	d.count++
	return true
}

// Erase removes name from the directory. It reports whether name was
// present.
func (d *Directory) Erase(name string) bool {
	idx, found := d.probe(name)
	if !found {
		return false
	}
	d.slots[idx] = slot{state: slotTombstone}
	d.count--
	return true
}

// Len returns the number of entries of the given kind currently stored.
func (d *Directory) Len(kind Kind) int {
	n := 0
	for _, s := range d.slots {
		if s.state == slotDefined && s.entry.Kind == kind {
			n++
		}
	}
	return n
}

// Iterate calls fn for every entry of the given kind. Iteration stops
// early if fn returns false.
func (d *Directory) Iterate(kind Kind, fn func(name string, entry Entry) bool) {
	for _, s := range d.slots {
		if s.state != slotDefined || s.entry.Kind != kind {
			continue
		}
		if !fn(s.name, s.entry) {
			return
		}
	}
}

func (d *Directory) probe(name string) (int, bool) {
	hash := xxhash.Sum64String(name)
	mask := uint64(len(d.slots) - 1)
	start := hash & mask

	for i := uint64(0); i < uint64(len(d.slots)); i++ {
		idx := (start + i) & mask
		s := d.slots[idx]
		switch s.state {
		case slotFree:
			return 0, false
		case slotDefined:
			if s.hash == hash && s.name == name {
				return int(idx), true
			}
		case slotTombstone:
			// keep probing past tombstones
		}
	}
	return 0, false
}

func (d *Directory) insertSlot(hash uint64, name string, entry Entry) {
	mask := uint64(len(d.slots) - 1)
	start := hash & mask

	for i := uint64(0); i < uint64(len(d.slots)); i++ {
		idx := (start + i) & mask
		if d.slots[idx].state != slotDefined {
			d.slots[idx] = slot{state: slotDefined, hash: hash, name: name, entry: entry}
			return
		}
	}
	// Unreachable given the load-factor check in Insert.
	panic(errors.New("directory table unexpectedly full"))
}

func (d *Directory) grow() {
	old := d.slots
	d.slots = make([]slot, len(old)*growthFactor)
	d.count = 0
	for _, s := range old {
		if s.state == slotDefined {
			d.insertSlot(s.hash, s.name, s.entry)
			d.count++
		}
	}
}
