//go:build linux

package splatbucket

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves disk blocks ahead of the blob cache write cursor so
// a full disk fails here rather than mid-flush. Uses the fallocate syscall.
func fallocateFile(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, 0, size)
	if err != nil {
		// Fallback to ftruncate if fallocate fails (e.g., NFS, some filesystems)
		return unix.Ftruncate(int(file.Fd()), size)
	}
	// Fallocate allocates blocks but doesn't set file size - must also truncate
	return unix.Ftruncate(int(file.Fd()), size)
}
