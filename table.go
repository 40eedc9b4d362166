package kmerindex

import (
	"fmt"
	"sort"

	"github.com/edsrzf/mmap-go"
	streamerrors "github.com/tamirms/kmerindex/errors"
	"github.com/tamirms/kmerindex/internal/bitpack"
	"github.com/tamirms/kmerindex/internal/merhash"
)

type tableState uint8

const (
	stateEmpty tableState = iota
	stateBuilding
	stateReady
	stateMetadata // header only, loaded with MetadataOnly
)

func (s tableState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateBuilding:
		return "building"
	case stateReady:
		return "ready"
	case stateMetadata:
		return "metadata-only"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Table is a built k-mer index.
//
// A Table is produced by Builder.Build or by one of the load functions.
// Once Ready it is immutable, and all query methods are safe for concurrent
// use. The zero Table is Empty; queries on a Table that is not Ready fail
// with ErrNotReady.
type Table struct {
	state  tableState
	hdr    header
	hasher merhash.Hasher

	pointers  *bitpack.Array // numBuckets+1 bucket start offsets into contents
	contents  *bitpack.Array // check values, sorted within each bucket
	companion *bitpack.Array // per entry: position (unique) or list offset
	list      *bitpack.Array // [count, p1..pn] per non-unique mer
	counts    *bitpack.Array // per entry: external count of its mer

	mapping mmap.MMap // non-nil when the arrays alias a mapped file

	logger  *Logger
	metrics MetricsCollector
}

// Stats describes a table. Counters follow the build: NumberOfMers counts
// every occurrence, NumberOfDistinct every distinct mer, NumberOfUnique the
// mers seen exactly once, NumberOfEntries the position-list slots (run
// length plus one per non-unique mer) and MaximumEntries the longest run.
type Stats struct {
	MerSize          uint32      `json:"mer_size"`
	TableSizeInBits  uint32      `json:"table_size_in_bits"`
	HashWidth        uint32      `json:"hash_width"`
	CheckWidth       uint32      `json:"check_width"`
	PositionWidth    uint32      `json:"position_width,omitempty"`
	NumberOfMers     uint64      `json:"number_of_mers"`
	NumberOfDistinct uint64      `json:"number_of_distinct"`
	NumberOfUnique   uint64      `json:"number_of_unique"`
	NumberOfEntries  uint64      `json:"number_of_entries"`
	MaximumEntries   uint64      `json:"maximum_entries"`
	MaxPosition      uint64      `json:"max_position,omitempty"`
	HasPositions     bool        `json:"has_positions"`
	HasCounts        bool        `json:"has_counts"`
	CountWidth       uint32      `json:"count_width,omitempty"`
	SetFiltered      bool        `json:"set_filtered"`
	LoCount          uint32      `json:"lo_count"`
	HiCount          uint32      `json:"hi_count"`
	ConfigDigest     uint64      `json:"config_digest"`
	Compression      Compression `json:"compression"`
	SizeBytes        uint64      `json:"size_bytes"`
}

func (t *Table) log() *Logger {
	if t.logger == nil {
		return NoopLogger()
	}
	return t.logger
}

func (t *Table) meter() MetricsCollector {
	if t.metrics == nil {
		return NoopMetricsCollector{}
	}
	return t.metrics
}

// Close releases a table loaded by LoadFile. Afterwards the table is Empty
// and queries fail with ErrNotReady. Close must not run concurrently with
// queries. It is a no-op for tables that own their memory.
func (t *Table) Close() error {
	t.state = stateEmpty
	t.pointers, t.contents, t.companion, t.list, t.counts = nil, nil, nil, nil, nil
	if t.mapping == nil {
		return nil
	}
	err := t.mapping.Unmap()
	t.mapping = nil
	if err != nil {
		return fmt.Errorf("unmap index file: %w", err)
	}
	return nil
}

// Ready reports whether the table can answer queries.
func (t *Table) Ready() bool { return t.state == stateReady }

func (t *Table) notReady() error {
	return fmt.Errorf("%w: table is %s", streamerrors.ErrNotReady, t.state)
}

// Stats returns the table's configuration and counters. It also works on a
// metadata-only table, where SizeBytes is zero.
func (t *Table) Stats() (Stats, error) {
	if t.state != stateReady && t.state != stateMetadata {
		return Stats{}, t.notReady()
	}
	return t.stats(), nil
}

func (t *Table) stats() Stats {
	h := &t.hdr
	st := Stats{
		MerSize:          h.MerSize,
		TableSizeInBits:  h.TableSizeInBits,
		HashWidth:        h.HashWidth,
		CheckWidth:       h.CheckWidth,
		PositionWidth:    h.CompanionWidth,
		NumberOfMers:     h.NumberOfMers,
		NumberOfDistinct: h.NumberOfDistinct,
		NumberOfUnique:   h.NumberOfUnique,
		NumberOfEntries:  h.NumberOfEntries,
		MaximumEntries:   h.MaximumEntries,
		MaxPosition:      h.MaxPosition,
		HasPositions:     h.hasPositions(),
		HasCounts:        h.hasCounts(),
		CountWidth:       h.CountWidth,
		SetFiltered:      h.Flags&flagSetFilter != 0,
		LoCount:          h.LoCount,
		HiCount:          h.HiCount,
		ConfigDigest:     h.ConfigDigest,
		Compression:      h.Compression,
	}
	for _, a := range []*bitpack.Array{t.pointers, t.contents, t.companion, t.list, t.counts} {
		if a != nil {
			st.SizeBytes += a.SizeBytes()
		}
	}
	return st
}

// lookup returns the contents range holding mer. The range is empty when
// mer is absent or wider than the configured mer size.
func (t *Table) lookup(mer uint64) (start, n uint64) {
	return findRun(t.hasher, t.pointers, t.contents, mer)
}

func findRun(h merhash.Hasher, pointers, contents *bitpack.Array, mer uint64) (start, n uint64) {
	if !h.Valid(mer) {
		return 0, 0
	}
	bkt, chk := h.Split(mer)
	lo, hi := pointers.Get(bkt), pointers.Get(bkt+1)
	i := lo + uint64(sort.Search(int(hi-lo), func(k int) bool {
		return contents.Get(lo+uint64(k)) >= chk
	}))
	j := i
	for j < hi && contents.Get(j) == chk {
		j++
	}
	return i, j - i
}

// Exists reports whether mer occurs at least once.
func (t *Table) Exists(mer uint64) (bool, error) {
	if t.state != stateReady {
		return false, t.notReady()
	}
	_, n := t.lookup(mer)
	return n > 0, nil
}

// Count returns the number of occurrences of mer, 0 when absent.
func (t *Table) Count(mer uint64) (uint32, error) {
	if t.state != stateReady {
		return 0, t.notReady()
	}
	_, n := t.lookup(mer)
	return uint32(n), nil
}

// ExternalCount returns the count attached to mer by WithCounts, 0 when mer
// is absent or the count source did not list it. The table must have been
// built WithCounts, otherwise ErrNoCounts is returned.
func (t *Table) ExternalCount(mer uint64) (uint32, error) {
	if t.state != stateReady {
		return 0, t.notReady()
	}
	if !t.hdr.hasCounts() {
		return 0, streamerrors.ErrNoCounts
	}
	start, n := t.lookup(mer)
	if n == 0 {
		return 0, nil
	}
	return uint32(t.counts.Get(start)), nil
}

// Contains implements MerSet. It returns false for a table that is not Ready.
func (t *Table) Contains(mer uint64) bool {
	if t.state != stateReady {
		return false
	}
	_, n := t.lookup(mer)
	return n > 0
}

// Digest implements Digester over the distinct mers of the table. A table
// that is not Ready digests as the empty set.
func (t *Table) Digest() uint64 {
	d := newMerDigest()
	if t.state != stateReady {
		return d.sum()
	}
	numBuckets := t.hdr.numBuckets()
	start := t.pointers.Get(0)
	for bkt := uint64(0); bkt < numBuckets; bkt++ {
		end := t.pointers.Get(bkt + 1)
		for r := start; r < end; r++ {
			c := t.contents.Get(r)
			if r > start && t.contents.Get(r-1) == c {
				continue
			}
			d.add(t.hasher.Rebuild(bkt, c))
		}
		start = end
	}
	return d.sum()
}

// Positions returns an iterator over the positions of mer, in ascending
// order. An absent mer yields an empty iterator. The table must have been
// built WithPositions, otherwise ErrNoPositions is returned.
func (t *Table) Positions(mer uint64) (*PositionIterator, error) {
	if t.state != stateReady {
		return nil, t.notReady()
	}
	if !t.hdr.hasPositions() {
		return nil, streamerrors.ErrNoPositions
	}
	start, n := t.lookup(mer)
	switch n {
	case 0:
		return &PositionIterator{}, nil
	case 1:
		return &PositionIterator{src: t.companion, next: start, left: 1}, nil
	}
	off := t.companion.Get(start)
	return &PositionIterator{src: t.list, next: off + 1, left: t.list.Get(off)}, nil
}

// PositionIterator yields the positions of one mer. It is single-use; call
// Table.Positions again to restart. It must not be shared between
// goroutines, but any number of iterators may read one Table concurrently.
type PositionIterator struct {
	src  *bitpack.Array
	next uint64
	left uint64
}

// Next returns the next position, or false when the sequence is exhausted.
func (it *PositionIterator) Next() (uint64, bool) {
	if it.left == 0 {
		return 0, false
	}
	p := it.src.Get(it.next)
	it.next++
	it.left--
	return p, true
}

// Len returns the number of positions not yet returned.
func (it *PositionIterator) Len() int { return int(it.left) }

// Verify walks the whole table and checks its structural invariants: bucket
// pointers are monotone and end at NumberOfMers, every bucket is sorted,
// position lists agree with the contents, and the counters match a recount.
func (t *Table) Verify() error {
	if t.state != stateReady {
		return t.notReady()
	}
	numBuckets := t.hdr.numBuckets()
	if last := t.pointers.Get(numBuckets); last != t.hdr.NumberOfMers {
		return fmt.Errorf("%w: last bucket pointer %d, numberOfMers %d", streamerrors.ErrCorruptHeader, last, t.hdr.NumberOfMers)
	}

	var recount sortStats
	start := t.pointers.Get(0)
	for bkt := uint64(0); bkt < numBuckets; bkt++ {
		end := t.pointers.Get(bkt + 1)
		if end < start {
			return fmt.Errorf("%w: bucket %d pointers decrease (%d > %d)", streamerrors.ErrLoadFailed, bkt, start, end)
		}
		for r := start; r < end; {
			c := t.contents.Get(r)
			e := r + 1
			for e < end && t.contents.Get(e) == c {
				e++
			}
			if e < end && t.contents.Get(e) < c {
				return fmt.Errorf("%w: bucket %d not sorted at entry %d", streamerrors.ErrLoadFailed, bkt, e)
			}
			if err := t.verifyPositions(r, e-r); err != nil {
				return err
			}
			if err := t.verifyCounts(r, e-r); err != nil {
				return err
			}
			recount.addRun(e - r)
			r = e
		}
		start = end
	}

	h := &t.hdr
	if recount.distinct != h.NumberOfDistinct || recount.unique != h.NumberOfUnique ||
		recount.entries != h.NumberOfEntries || recount.maximumEntries != h.MaximumEntries {
		return fmt.Errorf("%w: recounted distinct=%d unique=%d entries=%d max=%d, header says %d/%d/%d/%d",
			streamerrors.ErrCorruptHeader,
			recount.distinct, recount.unique, recount.entries, recount.maximumEntries,
			h.NumberOfDistinct, h.NumberOfUnique, h.NumberOfEntries, h.MaximumEntries)
	}
	return nil
}

// verifyCounts checks that every entry of a run carries the same count.
func (t *Table) verifyCounts(start, n uint64) error {
	if t.counts == nil {
		return nil
	}
	c := t.counts.Get(start)
	for k := uint64(1); k < n; k++ {
		if t.counts.Get(start+k) != c {
			return fmt.Errorf("%w: external counts differ within the run at entry %d", streamerrors.ErrLoadFailed, start)
		}
	}
	return nil
}

func (t *Table) verifyPositions(start, n uint64) error {
	if t.companion == nil || n == 1 {
		return nil
	}
	off := t.companion.Get(start)
	if off+n >= t.list.Len() || t.list.Get(off) != n {
		return fmt.Errorf("%w: position list at %d does not hold %d positions", streamerrors.ErrLoadFailed, off, n)
	}
	for k := uint64(1); k < n; k++ {
		if t.companion.Get(start+k) != off {
			return fmt.Errorf("%w: entry %d points at list %d, run starts at %d",
				streamerrors.ErrLoadFailed, start+k, t.companion.Get(start+k), off)
		}
	}
	return nil
}
