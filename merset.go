package kmerindex

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/zeebo/xxh3"
)

// MerSet answers membership queries. It is used to mask mers out of an
// index or to restrict an index to a set of mers. A Ready *Table is a MerSet.
type MerSet interface {
	Contains(mer uint64) bool
}

// Digester is implemented by MerSets that can fingerprint their contents.
// Equal sets have equal digests whatever their representation: the digest
// is xxh3 over the members in ascending order, 8 bytes little-endian each.
//
// A builder records the digest of its mask and only sets when it is
// created, so a set must not change after being passed to WithMask or
// WithOnly. LoadOrBuild never reuses a cached index for a builder whose
// mask or only set is not a Digester.
type Digester interface {
	Digest() uint64
}

// merDigest accumulates the canonical member encoding hashed by Digester.
type merDigest struct {
	h   *xxh3.Hasher
	buf []byte
}

func newMerDigest() *merDigest {
	return &merDigest{h: xxh3.New(), buf: make([]byte, 0, 4096)}
}

func (d *merDigest) add(mer uint64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, mer)
	if len(d.buf) == cap(d.buf) {
		_, _ = d.h.Write(d.buf)
		d.buf = d.buf[:0]
	}
}

func (d *merDigest) sum() uint64 {
	_, _ = d.h.Write(d.buf)
	d.buf = d.buf[:0]
	return d.h.Sum64()
}

// RoaringMerSet is a compressed MerSet backed by a 64-bit roaring bitmap.
// It is not safe for concurrent mutation.
type RoaringMerSet struct {
	bm *roaring64.Bitmap
}

// NewRoaringMerSet returns a set holding mers.
func NewRoaringMerSet(mers ...uint64) *RoaringMerSet {
	bm := roaring64.New()
	bm.AddMany(mers)
	return &RoaringMerSet{bm: bm}
}

// Add inserts mer.
func (s *RoaringMerSet) Add(mer uint64) { s.bm.Add(mer) }

// Contains implements MerSet.
func (s *RoaringMerSet) Contains(mer uint64) bool { return s.bm.Contains(mer) }

// Digest implements Digester.
func (s *RoaringMerSet) Digest() uint64 {
	d := newMerDigest()
	buf := make([]uint64, 1024)
	it := s.bm.ManyIterator()
	for n := it.NextMany(buf); n > 0; n = it.NextMany(buf) {
		for _, mer := range buf[:n] {
			d.add(mer)
		}
	}
	return d.sum()
}

// Len returns the number of mers in the set.
func (s *RoaringMerSet) Len() uint64 { return s.bm.GetCardinality() }

// WriteTo serializes the set in the portable roaring format.
func (s *RoaringMerSet) WriteTo(w io.Writer) (int64, error) {
	s.bm.RunOptimize()
	return s.bm.WriteTo(w)
}

// ReadRoaringMerSet reads a set written by WriteTo.
func ReadRoaringMerSet(r io.Reader) (*RoaringMerSet, error) {
	bm := roaring64.New()
	if _, err := bm.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read roaring set: %w", err)
	}
	return &RoaringMerSet{bm: bm}, nil
}
