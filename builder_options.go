package kmerindex

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"
)

// BuildOption is a functional option for configuring builds.
type BuildOption func(*buildConfig)

type buildConfig struct {
	workers       int
	positions     bool
	loCount       uint32
	hiCount       uint32
	mask          MerSet
	only          MerSet
	counts        CountSource
	maxMemory     uint64 // bytes; 0 = unlimited
	maxBucketSize uint64 // mers; 0 = unlimited
	sourceID      []byte
	logger        *Logger
	metrics       MetricsCollector
}

func defaultBuildConfig() *buildConfig {
	return &buildConfig{
		workers: 0, // Default to single-threaded; use WithWorkers(n) to parallelize
		loCount: 0,
		hiCount: math.MaxUint32,
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
}

// filtering reports whether the transfer phase has mers to drop.
func (c *buildConfig) filtering() bool {
	return c.loCount > 1 || c.hiCount < math.MaxUint32 || c.mask != nil || c.only != nil
}

// digest fingerprints everything that affects the built table. Two builders
// with equal digests over the same source produce identical indexes.
// reusable is false when a mask, only set or count source cannot identify
// its contents,
// in which case equal digests prove nothing.
func (c *buildConfig) digest(merSize, tableBits uint) (sum uint64, reusable bool) {
	buf := make([]byte, 0, 48+len(c.sourceID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(merSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tableBits))
	buf = binary.LittleEndian.AppendUint32(buf, c.loCount)
	buf = binary.LittleEndian.AppendUint32(buf, c.hiCount)
	var flags byte
	if c.positions {
		flags |= 1
	}
	if c.mask != nil {
		flags |= 2
	}
	if c.only != nil {
		flags |= 4
	}
	if c.counts != nil {
		flags |= 8
	}
	buf = append(buf, flags)
	reusable = true
	for _, src := range []any{c.mask, c.only, c.counts} {
		if src == nil {
			continue
		}
		d, ok := src.(Digester)
		if !ok {
			reusable = false
			continue
		}
		buf = binary.LittleEndian.AppendUint64(buf, d.Digest())
	}
	buf = append(buf, c.sourceID...)
	return xxh3.Hash(buf), reusable
}

// WithWorkers sets the number of goroutines sorting buckets.
func WithWorkers(n int) BuildOption {
	return func(c *buildConfig) {
		c.workers = n
	}
}

// WithPositions records, for every mer, the position reported by the stream
// and makes Table.Positions available.
func WithPositions() BuildOption {
	return func(c *buildConfig) {
		c.positions = true
	}
}

// WithCountRange keeps only mers occurring between lo and hi times,
// inclusive. Mers outside the range are absent from the built index.
func WithCountRange(lo, hi uint32) BuildOption {
	return func(c *buildConfig) {
		c.loCount = lo
		c.hiCount = hi
	}
}

// WithMask drops every mer contained in set. set must not change while the
// builder is in use.
func WithMask(set MerSet) BuildOption {
	return func(c *buildConfig) {
		c.mask = set
	}
}

// WithOnly drops every mer not contained in set. set must not change while
// the builder is in use.
func WithOnly(set MerSet) BuildOption {
	return func(c *buildConfig) {
		c.only = set
	}
}

// WithCounts attaches external counts from src to the built index, read
// back with Table.ExternalCount. Counts above math.MaxUint32 are clamped.
func WithCounts(src CountSource) BuildOption {
	return func(c *buildConfig) {
		c.counts = src
	}
}

// WithMaxMemory bounds the bytes the builder may allocate for its tables.
// A build that would exceed it fails with ErrOutOfMemory before allocating.
func WithMaxMemory(bytes uint64) BuildOption {
	return func(c *buildConfig) {
		c.maxMemory = bytes
	}
}

// WithMaxBucketSize fails the build with ErrCapacityExceeded when any
// bucket receives more than n mers.
func WithMaxBucketSize(n uint64) BuildOption {
	return func(c *buildConfig) {
		c.maxBucketSize = n
	}
}

// WithSourceID identifies the input (a file path and modification time, a
// content hash) in the config digest used by LoadOrBuild.
// The slice is copied, so the caller can reuse it after this call.
func WithSourceID(id []byte) BuildOption {
	return func(c *buildConfig) {
		c.sourceID = append([]byte(nil), id...) // Copy slice
	}
}

// WithLogger sets the logger for build progress. A nil logger is ignored.
func WithLogger(l *Logger) BuildOption {
	return func(c *buildConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. A nil collector is ignored.
func WithMetrics(m MetricsCollector) BuildOption {
	return func(c *buildConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}
