package kmerindex

import (
	"fmt"
	"math"

	intbits "github.com/tamirms/kmerindex/internal/bits"
	"github.com/tamirms/kmerindex/internal/bitpack"
)

// keepFunc decides, per run of equal mers, whether the run survives the
// transfer phase. A nil keepFunc keeps everything.
type keepFunc func(mer, count uint64) bool

func (st *buildState) keeper() keepFunc {
	cfg := st.cfg
	if !cfg.filtering() {
		return nil
	}
	return func(mer, count uint64) bool {
		if count < uint64(cfg.loCount) || count > uint64(cfg.hiCount) {
			return false
		}
		if cfg.mask != nil && cfg.mask.Contains(mer) {
			return false
		}
		if cfg.only != nil && !cfg.only.Contains(mer) {
			return false
		}
		return true
	}
}

// forEachRun calls fn for every run of equal check values in sorted order.
func (st *buildState) forEachRun(fn func(bkt, check, start, end uint64) error) error {
	numBuckets := st.hasher.NumBuckets()
	start := st.pointers.Get(0)
	for bkt := uint64(0); bkt < numBuckets; bkt++ {
		if bkt%contextCheckInterval == 0 {
			if err := st.ctx.Err(); err != nil {
				return err
			}
		}
		end := st.pointers.Get(bkt + 1)
		for r := start; r < end; {
			c := st.contents.Get(r)
			e := r + 1
			for e < end && st.contents.Get(e) == c {
				e++
			}
			if err := fn(bkt, c, r, e); err != nil {
				return err
			}
			r = e
		}
		start = end
	}
	return nil
}

// transfer drops filtered runs, compacts the contents in place, rewrites the
// bucket pointers, and lays out position lists. Statistics are recomputed
// over the runs that were kept. It is a no-op for an unfiltered build
// without positions.
func (st *buildState) transfer() error {
	keep := st.keeper()
	if keep == nil && st.companion == nil {
		return nil
	}

	kept := st.stats
	keptMers := st.numberOfMers
	if keep != nil {
		// Counting pass: the position arrays are sized from what survives.
		kept, keptMers = sortStats{}, 0
		err := st.forEachRun(func(bkt, check, start, end uint64) error {
			if keep(st.hasher.Rebuild(bkt, check), end-start) {
				kept.addRun(end - start)
				keptMers += end - start
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var companion, list *bitpack.Array
	if st.companion != nil {
		compWidth, listWidth := positionWidthsFor(st.maxPosition, kept.entries, kept.maximumEntries)
		var err error
		if list, err = st.newArray("position lists", kept.entries, listWidth); err != nil {
			return err
		}
		if companion, err = st.newArray("position companion", keptMers, compWidth); err != nil {
			return err
		}
	}

	// Compaction pass. The write cursor never passes the read cursor, and
	// each bucket's start pointer is rewritten only after it has been read.
	var w, listOff uint64
	prevBkt := uint64(0)
	st.pointers.Set(0, 0)
	err := st.forEachRun(func(bkt, check, start, end uint64) error {
		for ; prevBkt < bkt; prevBkt++ {
			st.pointers.Set(prevBkt+1, w)
		}
		n := end - start
		if keep != nil && !keep(st.hasher.Rebuild(bkt, check), n) {
			return nil
		}
		if companion != nil {
			if n == 1 {
				companion.Set(w, st.companion.Get(start))
			} else {
				list.Set(listOff, n)
				for k := uint64(0); k < n; k++ {
					list.Set(listOff+1+k, st.companion.Get(start+k))
					companion.Set(w+k, listOff)
				}
				listOff += n + 1
			}
		}
		for k := uint64(0); k < n; k++ {
			st.contents.Set(w+k, check)
		}
		w += n
		return nil
	})
	if err != nil {
		return err
	}
	for numBuckets := st.hasher.NumBuckets(); prevBkt < numBuckets; prevBkt++ {
		st.pointers.Set(prevBkt+1, w)
	}

	if w != keptMers || (companion != nil && listOff != kept.entries) {
		return fmt.Errorf("transfer kept %d mers and %d list slots, expected %d and %d", w, listOff, keptMers, kept.entries)
	}

	if st.companion != nil {
		st.release(st.companion.SizeBytes())
	}
	st.companion, st.list = companion, list
	st.contents.Truncate(w)
	st.numberOfMers = w
	st.stats = kept
	return st.pointers.Narrow(hashWidthFor(w))
}

// attachCounts reads the external count source into a per-entry array and
// narrows it to the largest count seen.
func (st *buildState) attachCounts() error {
	src := st.cfg.counts
	counts, err := st.newArray("external counts", st.numberOfMers, maxCountWidth)
	if err != nil {
		return err
	}
	if err := src.Reset(); err != nil {
		return fmt.Errorf("reset count source: %w", err)
	}

	var read, loaded uint64
	for {
		mer, c, ok := src.Next()
		if !ok {
			break
		}
		read++
		if read%contextCheckInterval == 0 {
			if err := st.checkpoint(read, "loading counts"); err != nil {
				return err
			}
		}
		start, n := findRun(st.hasher, st.pointers, st.contents, mer)
		if n == 0 {
			continue
		}
		c = min(c, math.MaxUint32)
		for k := uint64(0); k < n; k++ {
			counts.Set(start+k, c)
		}
		loaded++
	}
	if err := streamErr(src); err != nil {
		return fmt.Errorf("read count source: %w", err)
	}

	// A mer listed twice keeps its last count, so the width comes from
	// what was stored.
	var largest uint64
	for i := uint64(0); i < st.numberOfMers; i++ {
		largest = max(largest, counts.Get(i))
	}

	before := counts.SizeBytes()
	if err := counts.Narrow(intbits.Width(largest)); err != nil {
		return err
	}
	st.release(before - counts.SizeBytes())
	st.extCounts = counts
	st.cfg.logger.DebugContext(st.ctx, "external counts attached",
		"read", read,
		"loaded", loaded,
		"largest", largest,
		"width", counts.Width(),
	)
	return nil
}
