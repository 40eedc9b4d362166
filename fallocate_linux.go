//go:build linux

package kmerindex

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves size bytes for an uncompressed save so that a full
// disk surfaces here rather than part way through the sections. Filesystems
// without fallocate (NFS, tmpfs on old kernels) only get the size set.
func fallocateFile(file *os.File, size int64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		return unix.Ftruncate(int(file.Fd()), size)
	}
	return unix.Ftruncate(int(file.Fd()), size)
}
