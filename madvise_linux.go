//go:build linux

package kmerindex

import "golang.org/x/sys/unix"

// adviseMapping tells the kernel a freshly mapped index is about to be read
// front to back (checksum pass) and then queried. Errors are ignored.
func adviseMapping(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
}
