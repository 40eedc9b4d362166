//go:build !linux

package kmerindex

// fadviseSequential is a no-op outside Linux.
func fadviseSequential(fd int, offset, length int64) {}
