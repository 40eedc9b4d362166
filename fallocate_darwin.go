//go:build darwin

package kmerindex

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves size bytes for an uncompressed save with
// F_PREALLOCATE, falling back to setting the size alone.
func fallocateFile(file *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	if err := unix.FcntlFstore(file.Fd(), unix.F_PREALLOCATE, &fst); err != nil {
		return unix.Ftruncate(int(file.Fd()), size)
	}
	// F_PREALLOCATE reserves blocks but leaves the size alone.
	return unix.Ftruncate(int(file.Fd()), size)
}
