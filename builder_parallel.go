package kmerindex

import (
	"fmt"
	"math"

	streamerrors "github.com/tamirms/kmerindex/errors"
	"github.com/tamirms/kmerindex/internal/heapsort"
	"golang.org/x/sync/errgroup"
)

const (
	// workChanBufferMultiplier is the multiplier for work channel buffer size
	workChanBufferMultiplier = 2

	// sortChunkBuckets is the number of consecutive buckets handed to a
	// sort worker at a time.
	sortChunkBuckets = 4096

	// maxBucketEntries bounds a single bucket so its scratch buffers stay
	// addressable and every run count fits the uint32 returned by Count.
	maxBucketEntries = uint64(math.MaxInt32)
)

// sortStats accumulates the run statistics of sorted buckets.
type sortStats struct {
	distinct       uint64
	unique         uint64
	entries        uint64 // position-list slots: run length + 1 per non-unique run
	maximumEntries uint64 // longest non-unique run
}

func (s *sortStats) addRun(n uint64) {
	s.distinct++
	if n == 1 {
		s.unique++
		return
	}
	s.entries += n + 1
	s.maximumEntries = max(s.maximumEntries, n)
}

func (s *sortStats) merge(o sortStats) {
	s.distinct += o.distinct
	s.unique += o.unique
	s.entries += o.entries
	s.maximumEntries = max(s.maximumEntries, o.maximumEntries)
}

// bucketRange is a half-open range of bucket indexes.
type bucketRange struct {
	lo, hi uint64
}

// bucketSorter owns the scratch buffers of one sort worker. The buffers
// only grow, so a worker allocates at most its largest bucket.
type bucketSorter struct {
	st        *buildState
	checks    []uint64
	positions []uint64
	stats     sortStats
}

func (bs *bucketSorter) scratch(n int) (checks, positions []uint64) {
	if cap(bs.checks) < n {
		bs.checks = make([]uint64, n)
	}
	checks = bs.checks[:n]
	if bs.st.companion != nil {
		if cap(bs.positions) < n {
			bs.positions = make([]uint64, n)
		}
		positions = bs.positions[:n]
	}
	return checks, positions
}

// sortRange sorts every bucket in r and tallies its runs. Buckets are
// loaded and stored with LoadRange/StoreRange, so workers sorting
// neighbouring ranges never lose each other's writes to a shared word.
func (bs *bucketSorter) sortRange(r bucketRange) error {
	st := bs.st
	start := st.pointers.Get(r.lo)
	for bkt := r.lo; bkt < r.hi; bkt++ {
		end := st.pointers.Get(bkt + 1)
		n := end - start
		if n == 0 {
			continue
		}
		if n > maxBucketEntries {
			return fmt.Errorf("%w: bucket %d holds %d mers, limit %d", streamerrors.ErrCapacityExceeded, bkt, n, maxBucketEntries)
		}

		checks, positions := bs.scratch(int(n))
		st.contents.LoadRange(start, checks)
		if positions != nil {
			st.companion.LoadRange(start, positions)
		}
		heapsort.Pairs(checks, positions)
		st.contents.StoreRange(start, checks)
		if positions != nil {
			st.companion.StoreRange(start, positions)
		}

		for i := 0; i < len(checks); {
			j := i + 1
			for j < len(checks) && checks[j] == checks[i] {
				j++
			}
			bs.stats.addRun(uint64(j - i))
			i = j
		}
		start = end
	}
	return nil
}

// sortBuckets sorts each bucket's check values ascending (ties broken by
// position) and computes the distinct/unique/entries statistics.
//
// With more than one worker, bucket ranges are dispatched over a channel to
// an errgroup of workers. Every bucket's sort touches only its own slice of
// the contents, so no locking is needed beyond the shared-word handling in
// the packed arrays.
func (st *buildState) sortBuckets() error {
	numBuckets := st.hasher.NumBuckets()
	workers := st.cfg.workers
	if workers <= 0 {
		workers = 1 // Default to single-threaded
	}
	if chunks := int((numBuckets + sortChunkBuckets - 1) / sortChunkBuckets); workers > chunks {
		workers = chunks
	}

	if workers == 1 {
		bs := &bucketSorter{st: st}
		for lo := uint64(0); lo < numBuckets; lo += sortChunkBuckets {
			if err := st.ctx.Err(); err != nil {
				return err
			}
			if err := bs.sortRange(bucketRange{lo: lo, hi: min(lo+sortChunkBuckets, numBuckets)}); err != nil {
				return err
			}
		}
		st.stats = bs.stats
		return nil
	}

	g, gctx := errgroup.WithContext(st.ctx)
	workChan := make(chan bucketRange, workers*workChanBufferMultiplier)
	sorters := make([]*bucketSorter, workers)

	for w := range workers {
		bs := &bucketSorter{st: st}
		sorters[w] = bs
		g.Go(func() error {
			for r := range workChan {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := bs.sortRange(r); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(workChan)
		for lo := uint64(0); lo < numBuckets; lo += sortChunkBuckets {
			select {
			case workChan <- bucketRange{lo: lo, hi: min(lo+sortChunkBuckets, numBuckets)}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	for _, bs := range sorters {
		st.stats.merge(bs.stats)
	}
	return nil
}
