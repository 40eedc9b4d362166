//go:build !linux

package kmerindex

// adviseMapping is a no-op outside Linux.
func adviseMapping(data []byte) {}
