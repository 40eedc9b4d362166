package kmerindex

import (
	"fmt"

	streamerrors "github.com/tamirms/kmerindex/errors"
	intbits "github.com/tamirms/kmerindex/internal/bits"
)

// minTableBits is the smallest table OptimalTableBits proposes when the mer
// size allows it.
const minTableBits = 16

// EstimateSize returns the approximate size in bytes of a position index of
// approxMers mers with the given configuration: one pointer per bucket plus
// a check value, a position and a unique/list bit per mer.
func EstimateSize(merSize, tableSizeInBits uint, approxMers uint64) uint64 {
	posnWidth := uint64(intbits.Width(approxMers))
	checkWidth := uint64(2*merSize - tableSizeInBits)
	bits := (uint64(1)<<tableSizeInBits)*posnWidth + approxMers*(checkWidth+1+posnWidth)
	return bits / 8
}

// OptimalTableBits picks the table size with the smallest EstimateSize that
// fits maxMemory bytes (0 means no limit). Table sizes too small for the
// position width, or so large that buckets hold almost nothing, are not
// considered.
func OptimalTableBits(merSize uint, approxMers, maxMemory uint64) (uint, error) {
	if merSize == 0 || merSize > 32 {
		return 0, fmt.Errorf("%w: merSize %d outside [1, 32]", streamerrors.ErrConfig, merSize)
	}
	merBits := 2 * merSize
	posnWidth := intbits.Width(approxMers)

	hi := min(merBits-1, 40)
	if merBits > 4 {
		hi = min(merBits-4, 40)
	}
	lo := min(uint(minTableBits), hi)
	// check + position + flag must fit a 64-bit word.
	if merBits+posnWidth+1 > 64 {
		lo = max(lo, merBits+posnWidth+1-64)
	}
	if lo > hi {
		return 0, fmt.Errorf("%w: %d mers need at least %d table bits, merSize %d allows %d",
			streamerrors.ErrCapacityExceeded, approxMers, lo, merSize, hi)
	}

	var best uint
	bestSize := ^uint64(0)
	for bits := lo; bits <= hi; bits++ {
		size := EstimateSize(merSize, bits, approxMers)
		if maxMemory > 0 && size > maxMemory {
			continue
		}
		if size < bestSize {
			best, bestSize = bits, size
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("%w: smallest index for %d mers exceeds %d bytes",
			streamerrors.ErrOutOfMemory, approxMers, maxMemory)
	}
	return best, nil
}
