package kernel

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/outofforest/pheap/platform"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// consistentAt reports whether the datastore at path was closed properly
// the last time it was opened for writing: the marker file is present
// and the segment directory exists. A freshly created datastore has no
// marker until its first Close, so it is inconsistent until then.
func consistentAt(path string) bool {
	if !platform.FileExists(filepath.Join(path, segmentDirName)) {
		return false
	}
	return platform.FileExists(filepath.Join(path, markerFileName))
}
