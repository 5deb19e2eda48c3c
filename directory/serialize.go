package directory

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
)

// record is the fixed-size part of a serialized entry; the variable-length
// name precedes it in the stream.
type record struct {
	Offset int64
	Length uint64
	Kind   Kind
}

// Serialize writes every entry to path as: a record count, then for each
// entry a uint32 name length, the name bytes, and the fixed record.
func (d *Directory) Serialize(path string) error {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint64(d.count)); err != nil {
		return errors.Wrap(err, "writing directory entry count failed")
	}

	var writeErr error
	for kind := KindNamed; kind <= KindUnique; kind++ {
		d.Iterate(kind, func(name string, entry Entry) bool {
			if err := binary.Write(&buf, binary.LittleEndian, uint32(len(name))); err != nil {
				writeErr = errors.Wrap(err, "writing directory name length failed")
				return false
			}
			buf.WriteString(name)

			rec := record{Offset: entry.Offset, Length: entry.Length, Kind: entry.Kind}
			buf.Write(photon.NewFromValue(&rec).B)
			return true
		})
		if writeErr != nil {
			return writeErr
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing named-object directory to %q failed", path)
	}
	return nil
}

// Deserialize replaces the directory's contents with what is stored at
// path.
func (d *Directory) Deserialize(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading named-object directory from %q failed", path)
	}

	r := bytes.NewReader(raw)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return errors.Wrap(err, "reading directory entry count failed")
	}

	recordSize := len(photon.NewFromValue(&record{}).B)
	fresh := New()

	for i := uint64(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return errors.Wrap(err, "reading directory name length failed")
		}

		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return errors.Wrap(err, "reading directory name failed")
		}

		recBytes := make([]byte, recordSize)
		if _, err := io.ReadFull(r, recBytes); err != nil {
			return errors.Wrap(err, "reading directory record failed")
		}
		rec := photon.NewFromBytes[record](recBytes)

		entry := Entry{Offset: rec.V.Offset, Length: rec.V.Length, Kind: rec.V.Kind}
		if !fresh.Insert(string(nameBytes), entry) {
			return errors.Errorf("duplicate directory entry for name %q", string(nameBytes))
		}
	}

	d.slots = fresh.slots
	d.count = fresh.count
	return nil
}
