package kmerindex

import (
	"sync"
	"sync/atomic"
	"time"
)

// Build phase names reported to MetricsCollector.RecordPhase.
const (
	PhaseCount    = "count"
	PhaseSize     = "size"
	PhaseFill     = "fill"
	PhaseSort     = "sort"
	PhaseTransfer = "transfer"
	PhaseCounts   = "counts" // only with WithCounts
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/prometheus package provides one for Prometheus.
type MetricsCollector interface {
	// RecordPhase is called after each build phase completes.
	RecordPhase(phase string, duration time.Duration)

	// RecordBuild is called once per build. stats is the zero value when
	// err is non-nil.
	RecordBuild(stats Stats, duration time.Duration, err error)

	// RecordSave is called after each save with the bytes written.
	RecordSave(bytes int64, duration time.Duration, err error)

	// RecordLoad is called after each load. bytes is the size of the
	// source when known, otherwise 0.
	RecordLoad(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPhase(string, time.Duration)       {}
func (NoopMetricsCollector) RecordBuild(Stats, time.Duration, error) {}
func (NoopMetricsCollector) RecordSave(int64, time.Duration, error)  {}
func (NoopMetricsCollector) RecordLoad(int64, time.Duration, error)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	BuildCount      atomic.Int64
	BuildErrors     atomic.Int64
	BuildTotalNanos atomic.Int64
	LastMers        atomic.Uint64
	LastDistinct    atomic.Uint64
	SaveCount       atomic.Int64
	SaveErrors      atomic.Int64
	SaveBytes       atomic.Int64
	LoadCount       atomic.Int64
	LoadErrors      atomic.Int64

	mu     sync.Mutex
	phases map[string]time.Duration
}

// RecordPhase implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPhase(phase string, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phases == nil {
		b.phases = make(map[string]time.Duration)
	}
	b.phases[phase] += duration
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(stats Stats, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
		return
	}
	b.LastMers.Store(stats.NumberOfMers)
	b.LastDistinct.Store(stats.NumberOfDistinct)
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(bytes int64, duration time.Duration, err error) {
	b.SaveCount.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
		return
	}
	b.SaveBytes.Add(bytes)
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(bytes int64, duration time.Duration, err error) {
	b.LoadCount.Add(1)
	if err != nil {
		b.LoadErrors.Add(1)
	}
}

// PhaseDurations returns the accumulated time spent in each build phase.
func (b *BasicMetricsCollector) PhaseDurations() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Duration, len(b.phases))
	for k, v := range b.phases {
		out[k] = v
	}
	return out
}
