// Package errors defines all exported error sentinels for the kmerindex library.
//
// This is the single source of truth for error values. The top-level
// kmerindex package, its internal packages and the snapshot stores all
// import from here, so errors.Is checks work across package boundaries.
package errors

import "errors"

// Build errors
var (
	ErrConfig           = errors.New("kmerindex: invalid configuration")
	ErrReplayMismatch   = errors.New("kmerindex: stream replay differs from the counting pass")
	ErrCapacityExceeded = errors.New("kmerindex: capacity exceeded")
	ErrOutOfMemory      = errors.New("kmerindex: allocation exceeds memory budget")
	ErrMerOutOfRange    = errors.New("kmerindex: mer value wider than 2*merSize bits")
)

// Load errors. ErrCorruptHeader and ErrLoadFailed mean the same thing to a
// caller holding a cache: the stored index cannot be used and must be rebuilt.
var (
	ErrCorruptHeader      = errors.New("kmerindex: stored header is inconsistent")
	ErrLoadFailed         = errors.New("kmerindex: stored index cannot be loaded")
	ErrIncompleteWrite    = errors.New("kmerindex: index file was never completed")
	ErrInvalidMagic       = errors.New("kmerindex: invalid magic number")
	ErrTruncatedFile      = errors.New("kmerindex: index file is truncated")
	ErrChecksumFailed     = errors.New("kmerindex: section checksum verification failed")
	ErrUnknownCompression = errors.New("kmerindex: unknown section compression")
)

// Query errors
var (
	ErrNotReady    = errors.New("kmerindex: index table is not ready")
	ErrNoPositions = errors.New("kmerindex: index has no position data")
	ErrNoCounts    = errors.New("kmerindex: index has no external counts")
)

// Snapshot errors
var (
	ErrSnapshotNotFound = errors.New("kmerindex: snapshot not found")
)
