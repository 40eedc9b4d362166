// Package merhash splits a 2-bit-encoded k-mer into a bucket index and a
// check value.
//
// A mer of merSize bases is a 2*merSize-bit integer. Its high tableBits bits
// select the bucket; the remaining low bits are stored in the bucket as the
// check value. Rebuild(Bucket(m), Check(m)) == m for every valid mer.
package merhash

import (
	"fmt"

	streamerrors "github.com/tamirms/kmerindex/errors"
	intbits "github.com/tamirms/kmerindex/internal/bits"
)

const (
	// MaxMerSize is the largest mer that fits one 64-bit word.
	MaxMerSize = 32

	// MaxTableBits caps the bucket table at 2^40 buckets.
	MaxTableBits = 40
)

// Hasher holds the derived split for a (merSize, tableBits) pair.
// The zero value is not usable; construct with New.
type Hasher struct {
	merSize    uint
	tableBits  uint
	checkWidth uint
	checkMask  uint64
	merMask    uint64
}

// New validates the configuration and derives checkWidth = 2*merSize - tableBits.
func New(merSize, tableBits uint) (Hasher, error) {
	if merSize == 0 || merSize > MaxMerSize {
		return Hasher{}, fmt.Errorf("%w: merSize %d outside [1, %d]", streamerrors.ErrConfig, merSize, MaxMerSize)
	}
	if tableBits == 0 || tableBits > MaxTableBits {
		return Hasher{}, fmt.Errorf("%w: tableSizeInBits %d outside [1, %d]", streamerrors.ErrConfig, tableBits, MaxTableBits)
	}
	if tableBits >= 2*merSize {
		return Hasher{}, fmt.Errorf("%w: tableSizeInBits %d must be less than 2*merSize (%d)",
			streamerrors.ErrConfig, tableBits, 2*merSize)
	}
	checkWidth := 2*merSize - tableBits
	return Hasher{
		merSize:    merSize,
		tableBits:  tableBits,
		checkWidth: checkWidth,
		checkMask:  intbits.Mask(checkWidth),
		merMask:    intbits.Mask(2 * merSize),
	}, nil
}

// MerSize returns the number of bases per mer.
func (h Hasher) MerSize() uint { return h.merSize }

// TableBits returns log2 of the bucket count.
func (h Hasher) TableBits() uint { return h.tableBits }

// CheckWidth returns the width of a stored check value in bits.
func (h Hasher) CheckWidth() uint { return h.checkWidth }

// NumBuckets returns 2^tableBits.
func (h Hasher) NumBuckets() uint64 { return uint64(1) << h.tableBits }

// Valid reports whether mer has no bits above 2*merSize.
func (h Hasher) Valid(mer uint64) bool { return mer&^h.merMask == 0 }

// Bucket returns the high tableBits bits of mer.
func (h Hasher) Bucket(mer uint64) uint64 { return (mer & h.merMask) >> h.checkWidth }

// Check returns the low checkWidth bits of mer.
func (h Hasher) Check(mer uint64) uint64 { return mer & h.checkMask }

// Split returns Bucket(mer) and Check(mer).
func (h Hasher) Split(mer uint64) (bucket, check uint64) {
	return (mer & h.merMask) >> h.checkWidth, mer & h.checkMask
}

// Rebuild reassembles a mer from its bucket and check value.
func (h Hasher) Rebuild(bucket, check uint64) uint64 {
	return bucket<<h.checkWidth | check&h.checkMask
}
