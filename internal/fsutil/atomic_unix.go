//go:build !windows

// Package fsutil holds small file helpers shared by the pidfile and status file writers.
package fsutil

import (
	"os"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic replaces path with data; readers see either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
