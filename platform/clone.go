package platform

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// filepathWalk recreates the directory tree rooted at src under dst,
// reflinking (or copying) every regular file along the way.
func filepathWalk(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %q failed", path)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errors.Wrapf(err, "computing relative path for %q failed", path)
		}
		dstPath := filepath.Join(dst, rel)

		if info.IsDir() {
			return CreateDirectory(dstPath)
		}
		return CloneFile(path, dstPath)
	})
}
