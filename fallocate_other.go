//go:build !linux && !darwin

package splatbucket

import "os"

// fallocateFile reserves disk blocks ahead of the blob cache write cursor.
// On platforms without native fallocate, Truncate sets the size but may not
// reserve actual blocks on all filesystems.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}
