//go:build !linux && !darwin

package kmerindex

import "os"

// fallocateFile sets the size of an uncompressed save up front. Blocks are
// not reserved on these platforms.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}
