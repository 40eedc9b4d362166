package kmerindex

import (
	"context"
	"fmt"
	"time"

	streamerrors "github.com/tamirms/kmerindex/errors"
	intbits "github.com/tamirms/kmerindex/internal/bits"
	"github.com/tamirms/kmerindex/internal/bitpack"
	"github.com/tamirms/kmerindex/internal/merhash"
	"golang.org/x/time/rate"
)

const (
	// contextCheckInterval is how often to check for context cancellation
	// while streaming mers.
	contextCheckInterval = 10000

	// maxMers is the maximum number of mers (~1.1 trillion) in one index.
	maxMers = uint64(1) << 40

	// progressInterval throttles debug progress logs during streaming passes.
	progressInterval = 5 * time.Second
)

// Builder builds an index Table from a replayable Stream of mers.
//
// Usage:
//
//	b, err := kmerindex.NewBuilder(22, 24, kmerindex.WithPositions(), kmerindex.WithWorkers(8))
//	if err != nil { return err }
//	table, err := b.Build(ctx, stream)
//	if err != nil { return err }
//	n, err := table.Count(mer)
//
// The stream is read twice, counting and then filling. Buckets are then
// sorted, optionally in parallel, and an optional transfer phase applies
// count thresholds and mask/only sets and lays out position lists.
//
// A Builder holds only configuration; Build may be called repeatedly and
// from several goroutines with different streams.
type Builder struct {
	cfg      *buildConfig
	hasher   merhash.Hasher
	digest   uint64
	reusable bool // digest identifies the mask and only sets
}

// NewBuilder validates the configuration. tableSizeInBits must be in
// [1, 40] and less than 2*merSize; merSize must be in [1, 32].
func NewBuilder(merSize, tableSizeInBits uint, opts ...BuildOption) (*Builder, error) {
	hasher, err := merhash.New(merSize, tableSizeInBits)
	if err != nil {
		return nil, err
	}

	cfg := defaultBuildConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.loCount > cfg.hiCount {
		return nil, fmt.Errorf("%w: count range [%d, %d] is empty", streamerrors.ErrConfig, cfg.loCount, cfg.hiCount)
	}
	if cfg.workers < 0 {
		return nil, fmt.Errorf("%w: %d workers", streamerrors.ErrConfig, cfg.workers)
	}

	digest, reusable := cfg.digest(merSize, tableSizeInBits)
	return &Builder{
		cfg:      cfg,
		hasher:   hasher,
		digest:   digest,
		reusable: reusable,
	}, nil
}

// CacheKey returns a stable hex identifier of the build configuration,
// suitable as a cache file name. It matches Stats.ConfigDigest of every
// table this builder produces.
func (b *Builder) CacheKey() string {
	return fmt.Sprintf("%016x", b.digest)
}

// Build consumes s and returns a Ready table. On error no table is
// returned and everything allocated for the build is released.
func (b *Builder) Build(ctx context.Context, s Stream) (*Table, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil stream", streamerrors.ErrConfig)
	}
	start := time.Now()
	t, err := b.build(ctx, s)
	d := time.Since(start)

	var st Stats
	if err == nil {
		st = t.stats()
	}
	b.cfg.logger.LogBuild(ctx, st, d, err)
	b.cfg.metrics.RecordBuild(st, d, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// buildState carries one build through its phases.
type buildState struct {
	ctx       context.Context
	cfg       *buildConfig
	hasher    merhash.Hasher
	digest    uint64
	stream    Stream
	posStream PositionedStream // nil: positions are ordinals
	table     *Table

	counts       []uint64 // per-bucket counts, then per-bucket write cursors
	numberOfMers uint64
	maxPosition  uint64
	allocated    uint64 // bytes charged against cfg.maxMemory

	pointers  *bitpack.Array
	contents  *bitpack.Array
	companion *bitpack.Array // per-entry position, then position or list offset
	list      *bitpack.Array // [count, p1..pn] per non-unique mer
	extCounts *bitpack.Array // per entry: external count, WithCounts only
	stats     sortStats

	progress rate.Sometimes
}

func (b *Builder) build(ctx context.Context, s Stream) (*Table, error) {
	st := &buildState{
		ctx:      ctx,
		cfg:      b.cfg,
		hasher:   b.hasher,
		digest:   b.digest,
		stream:   s,
		table:    &Table{state: stateBuilding, hasher: b.hasher, logger: b.cfg.logger, metrics: b.cfg.metrics},
		progress: rate.Sometimes{Interval: progressInterval},
	}
	if ps, ok := s.(PositionedStream); ok {
		st.posStream = ps
	}

	phases := []struct {
		name string
		run  func() error
	}{
		{PhaseCount, st.countMers},
		{PhaseSize, st.allocate},
		{PhaseFill, st.fill},
		{PhaseSort, st.sortBuckets},
		{PhaseTransfer, st.transfer},
	}
	if b.cfg.counts != nil {
		phases = append(phases, struct {
			name string
			run  func() error
		}{PhaseCounts, st.attachCounts})
	}
	for _, p := range phases {
		start := time.Now()
		if err := p.run(); err != nil {
			return nil, fmt.Errorf("%s phase: %w", p.name, err)
		}
		d := time.Since(start)
		st.cfg.metrics.RecordPhase(p.name, d)
		st.cfg.logger.LogPhase(ctx, p.name, d,
			"mers", st.numberOfMers,
			"distinct", st.stats.distinct,
			"allocated_bytes", st.allocated,
		)
	}
	return st.finish(), nil
}

// checkpoint is called every contextCheckInterval mers.
func (st *buildState) checkpoint(done uint64, msg string) error {
	select {
	case <-st.ctx.Done():
		return st.ctx.Err()
	default:
	}
	st.progress.Do(func() {
		st.cfg.logger.DebugContext(st.ctx, msg, "mers", done)
	})
	return nil
}

func (st *buildState) position(ordinal uint64) uint64 {
	if st.posStream != nil {
		return st.posStream.Position()
	}
	return ordinal
}

func streamErr(s any) error {
	if es, ok := s.(errStream); ok {
		return es.Err()
	}
	return nil
}

// reserve charges bytes against the memory budget.
func (st *buildState) reserve(what string, bytes uint64) error {
	if limit := st.cfg.maxMemory; limit > 0 && st.allocated+bytes > limit {
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d already in use",
			streamerrors.ErrOutOfMemory, what, bytes, st.allocated, limit)
	}
	st.allocated += bytes
	return nil
}

func (st *buildState) release(bytes uint64) {
	st.allocated -= min(bytes, st.allocated)
}

func (st *buildState) newArray(what string, n uint64, width uint) (*bitpack.Array, error) {
	words, err := bitpack.WordsFor(n, width)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if err := st.reserve(what, words*8); err != nil {
		return nil, err
	}
	a, err := bitpack.New(n, width)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return a, nil
}

// countMers is the first streaming pass: per-bucket counts, the total, and
// the largest position.
func (st *buildState) countMers() error {
	numBuckets := st.hasher.NumBuckets()
	if err := st.reserve("counting table", numBuckets*8); err != nil {
		return err
	}
	st.counts = make([]uint64, numBuckets)

	if err := st.stream.Reset(); err != nil {
		return fmt.Errorf("reset stream: %w", err)
	}
	var n uint64
	for {
		mer, ok := st.stream.Next()
		if !ok {
			break
		}
		if n%contextCheckInterval == 0 {
			if err := st.checkpoint(n, "counting mers"); err != nil {
				return err
			}
		}
		if !st.hasher.Valid(mer) {
			return fmt.Errorf("%w: mer %d is %#x, merSize %d", streamerrors.ErrMerOutOfRange, n, mer, st.hasher.MerSize())
		}
		bkt := st.hasher.Bucket(mer)
		st.counts[bkt]++
		if limit := st.cfg.maxBucketSize; limit > 0 && st.counts[bkt] > limit {
			return fmt.Errorf("%w: bucket %d holds more than %d mers", streamerrors.ErrCapacityExceeded, bkt, limit)
		}
		if st.cfg.positions {
			if p := st.position(n); p > st.maxPosition {
				st.maxPosition = p
			}
		}
		n++
		if n > maxMers {
			return fmt.Errorf("%w: more than %d mers", streamerrors.ErrCapacityExceeded, maxMers)
		}
	}
	if err := streamErr(st.stream); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	st.numberOfMers = n
	return nil
}

// allocate sizes the packed arrays from the counting pass.
func (st *buildState) allocate() error {
	n := st.numberOfMers
	var err error
	if st.pointers, err = st.newArray("bucket pointer table", st.hasher.NumBuckets()+1, hashWidthFor(n)); err != nil {
		return err
	}
	if st.contents, err = st.newArray("bucket contents", n, st.hasher.CheckWidth()); err != nil {
		return err
	}
	if st.cfg.positions {
		if st.companion, err = st.newArray("positions", n, intbits.Width(st.maxPosition)); err != nil {
			return err
		}
	}
	return nil
}

// fill turns the counts into bucket start offsets, then replays the stream
// writing each check value at its bucket's cursor.
func (st *buildState) fill() error {
	numBuckets := st.hasher.NumBuckets()
	var off uint64
	for bkt, c := range st.counts {
		st.counts[bkt] = off
		st.pointers.Set(uint64(bkt), off)
		off += c
	}
	st.pointers.Set(numBuckets, off)

	if err := st.stream.Reset(); err != nil {
		return fmt.Errorf("reset stream: %w", err)
	}
	var n uint64
	for {
		mer, ok := st.stream.Next()
		if !ok {
			break
		}
		if n%contextCheckInterval == 0 {
			if err := st.checkpoint(n, "filling buckets"); err != nil {
				return err
			}
		}
		if n >= st.numberOfMers {
			return fmt.Errorf("%w: stream yielded more than the %d mers counted", streamerrors.ErrReplayMismatch, st.numberOfMers)
		}
		if !st.hasher.Valid(mer) {
			return fmt.Errorf("%w: mer %d is %#x, not seen while counting", streamerrors.ErrReplayMismatch, n, mer)
		}
		bkt, chk := st.hasher.Split(mer)
		slot := st.counts[bkt]
		if slot >= st.pointers.Get(bkt+1) {
			return fmt.Errorf("%w: bucket %d received more mers than counted", streamerrors.ErrReplayMismatch, bkt)
		}
		st.contents.Set(slot, chk)
		if st.companion != nil {
			p := st.position(n)
			if p > st.maxPosition {
				return fmt.Errorf("%w: position %d exceeds counted maximum %d", streamerrors.ErrReplayMismatch, p, st.maxPosition)
			}
			st.companion.Set(slot, p)
		}
		st.counts[bkt] = slot + 1
		n++
	}
	if err := streamErr(st.stream); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if n != st.numberOfMers {
		return fmt.Errorf("%w: stream yielded %d mers, counted %d", streamerrors.ErrReplayMismatch, n, st.numberOfMers)
	}

	st.counts = nil
	st.release(numBuckets * 8)
	return nil
}

// finish stamps the header and hands the arrays to the table.
func (st *buildState) finish() *Table {
	t := st.table
	t.hdr = header{
		MerSize:          uint32(st.hasher.MerSize()),
		TableSizeInBits:  uint32(st.hasher.TableBits()),
		HashWidth:        uint32(st.pointers.Width()),
		CheckWidth:       uint32(st.hasher.CheckWidth()),
		LoCount:          st.cfg.loCount,
		HiCount:          st.cfg.hiCount,
		NumberOfMers:     st.numberOfMers,
		NumberOfDistinct: st.stats.distinct,
		NumberOfUnique:   st.stats.unique,
		NumberOfEntries:  st.stats.entries,
		MaximumEntries:   st.stats.maximumEntries,
		ConfigDigest:     st.digest,
	}
	if st.cfg.positions {
		t.hdr.Flags |= flagPositions
		t.hdr.MaxPosition = st.maxPosition
		t.hdr.CompanionWidth = uint32(st.companion.Width())
		t.hdr.ListWidth = uint32(st.list.Width())
	}
	if st.cfg.mask != nil || st.cfg.only != nil {
		t.hdr.Flags |= flagSetFilter
	}
	if st.extCounts != nil {
		t.hdr.Flags |= flagCounts
		t.hdr.CountWidth = uint32(st.extCounts.Width())
	}
	t.pointers = st.pointers
	t.contents = st.contents
	t.companion = st.companion
	t.list = st.list
	t.counts = st.extCounts
	t.state = stateReady
	return t
}
