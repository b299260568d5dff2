// Package fsutil provides crash-safe filesystem primitives shared by the
// queue, cursor, status, and metadata writers.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// validateDirectoryPath rejects relative paths that climb out of their base.
func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}

	return nil
}

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := os.OpenFile(d, os.O_RDONLY, 0755) // #nosec G304,G302 - path validated, 0755 needed for directory access
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		return err
	}
	return f.Close()
}

// WriteFileAtomic writes data to path via a temporary file in the same
// directory followed by rename, so a crash between any two writes leaves
// either the previous content or the new content, never a truncated file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "WriteFileAtomic")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrap(err, "WriteFileAtomic")
	}
	tmpName := tmp.Name()

	removeTmp := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		removeTmp()
		return errors.Wrap(err, "WriteFileAtomic: write")
	}
	if err := tmp.Sync(); err != nil {
		removeTmp()
		return errors.Wrap(err, "WriteFileAtomic: sync")
	}
	if err := tmp.Chmod(perm); err != nil {
		removeTmp()
		return errors.Wrap(err, "WriteFileAtomic: chmod")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "WriteFileAtomic: close")
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "WriteFileAtomic: rename")
	}

	return DirSync(dir)
}
