// Package prometheus exports kmerindex build, save and load metrics to
// Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tamirms/kmerindex"
)

// Collector implements kmerindex.MetricsCollector.
type Collector struct {
	phaseLatency *prometheus.HistogramVec
	opLatency    *prometheus.HistogramVec
	ops          *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	lastBuild    *prometheus.GaugeVec
}

var _ kmerindex.MetricsCollector = (*Collector)(nil)

// New creates a Collector and registers its metrics with reg. A nil reg
// means prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kmerindex_build_phase_seconds",
			Help:    "Duration of each index build phase",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kmerindex_operation_seconds",
			Help:    "Duration of builds, saves and loads",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmerindex_operations_total",
			Help: "Builds, saves and loads by outcome",
		}, []string{"op", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kmerindex_io_bytes_total",
			Help: "Bytes written by saves and read by loads",
		}, []string{"op"}),
		lastBuild: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kmerindex_last_build",
			Help: "Counters of the most recent successful build",
		}, []string{"counter"}),
	}
	for _, col := range []prometheus.Collector{c.phaseLatency, c.opLatency, c.ops, c.bytes, c.lastBuild} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) record(op string, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues(op, s).Observe(d.Seconds())
	c.ops.WithLabelValues(op, s).Inc()
}

// RecordPhase implements kmerindex.MetricsCollector.
func (c *Collector) RecordPhase(phase string, d time.Duration) {
	c.phaseLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordBuild implements kmerindex.MetricsCollector.
func (c *Collector) RecordBuild(st kmerindex.Stats, d time.Duration, err error) {
	c.record("build", d, err)
	if err != nil {
		return
	}
	c.lastBuild.WithLabelValues("mers").Set(float64(st.NumberOfMers))
	c.lastBuild.WithLabelValues("distinct").Set(float64(st.NumberOfDistinct))
	c.lastBuild.WithLabelValues("unique").Set(float64(st.NumberOfUnique))
	c.lastBuild.WithLabelValues("entries").Set(float64(st.NumberOfEntries))
	c.lastBuild.WithLabelValues("maximum_entries").Set(float64(st.MaximumEntries))
	c.lastBuild.WithLabelValues("size_bytes").Set(float64(st.SizeBytes))
}

// RecordSave implements kmerindex.MetricsCollector.
func (c *Collector) RecordSave(n int64, d time.Duration, err error) {
	c.record("save", d, err)
	if err == nil {
		c.bytes.WithLabelValues("save").Add(float64(n))
	}
}

// RecordLoad implements kmerindex.MetricsCollector.
func (c *Collector) RecordLoad(n int64, d time.Duration, err error) {
	c.record("load", d, err)
	if err == nil {
		c.bytes.WithLabelValues("load").Add(float64(n))
	}
}
