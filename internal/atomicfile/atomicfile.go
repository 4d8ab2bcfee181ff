// Package atomicfile replaces files so readers see either the old or the new content, never a mix.
package atomicfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically (temp file in the same dir + fsync + rename).
// The file mode is 0644.
func WriteFile(path string, data []byte) error {
	_, err := WriteFrom(path, bytes.NewReader(data))
	return err
}

// WriteFrom streams r into path atomically and returns the byte count.
// On any error the previous content of path is left untouched.
func WriteFrom(path string, r io.Reader) (int64, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("atomic write %s: create temp: %w", path, err)
	}
	tmpName := tmp.Name()
	n, writeErr := io.Copy(tmp, r)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(tmpName)
		switch {
		case writeErr != nil:
			return 0, fmt.Errorf("atomic write %s: write: %w", path, writeErr)
		case syncErr != nil:
			return 0, fmt.Errorf("atomic write %s: sync: %w", path, syncErr)
		}
		return 0, fmt.Errorf("atomic write %s: close: %w", path, closeErr)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("atomic write %s: chmod: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("atomic write %s: rename: %w", path, err)
	}
	return n, nil
}
