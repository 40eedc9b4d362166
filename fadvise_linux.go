//go:build linux

package kmerindex

import "golang.org/x/sys/unix"

// fadviseSequential hints that a streaming Load reads the file once, in
// order. Errors are ignored: the fd may be a pipe or socket.
func fadviseSequential(fd int, offset, length int64) {
	_ = unix.Fadvise(fd, offset, length, unix.FADV_SEQUENTIAL)
}
