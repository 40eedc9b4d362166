package prometheus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tamirms/kmerindex"
)

// gather returns the metrics of family name keyed by their joined label values.
func gather(t *testing.T, reg *prometheus.Registry, name string) map[string]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.Metric)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := ""
			for i, lp := range m.GetLabel() {
				if i > 0 {
					key += ","
				}
				key += lp.GetValue()
			}
			out[key] = m
		}
	}
	return out
}

func TestCollectorThroughBuildSaveLoad(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	b, err := kmerindex.NewBuilder(6, 5, kmerindex.WithPositions(), kmerindex.WithMetrics(c))
	require.NoError(t, err)
	table, err := b.Build(context.Background(), kmerindex.NewSliceStream([]uint64{1, 2, 2, 3, 3, 3}))
	require.NoError(t, err)

	phases := gather(t, reg, "kmerindex_build_phase_seconds")
	for _, p := range []string{kmerindex.PhaseCount, kmerindex.PhaseSize, kmerindex.PhaseFill, kmerindex.PhaseSort, kmerindex.PhaseTransfer} {
		require.Contains(t, phases, p)
		assert.Equal(t, uint64(1), phases[p].GetHistogram().GetSampleCount())
	}

	last := gather(t, reg, "kmerindex_last_build")
	assert.Equal(t, 6.0, last["mers"].GetGauge().GetValue())
	assert.Equal(t, 3.0, last["distinct"].GetGauge().GetValue())
	assert.Equal(t, 1.0, last["unique"].GetGauge().GetValue())
	assert.Equal(t, 3.0, last["maximum_entries"].GetGauge().GetValue())

	path := filepath.Join(t.TempDir(), "index.posdb")
	require.NoError(t, table.SaveFile(path))
	loaded, err := kmerindex.LoadFile(path, kmerindex.WithLoadMetrics(c))
	require.NoError(t, err)
	require.NoError(t, loaded.Close())

	ops := gather(t, reg, "kmerindex_operations_total")
	assert.Equal(t, 1.0, ops["build,success"].GetCounter().GetValue())
	assert.Equal(t, 1.0, ops["save,success"].GetCounter().GetValue())
	assert.Equal(t, 1.0, ops["load,success"].GetCounter().GetValue())

	io := gather(t, reg, "kmerindex_io_bytes_total")
	assert.Positive(t, io["save"].GetCounter().GetValue())
	assert.Equal(t, io["save"].GetCounter().GetValue(), io["load"].GetCounter().GetValue())
}

func TestCollectorCountsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.RecordBuild(kmerindex.Stats{}, time.Millisecond, errors.New("boom"))
	c.RecordLoad(0, time.Millisecond, errors.New("boom"))
	c.RecordLoad(0, time.Millisecond, errors.New("boom"))

	ops := gather(t, reg, "kmerindex_operations_total")
	assert.Equal(t, 1.0, ops["build,error"].GetCounter().GetValue())
	assert.Equal(t, 2.0, ops["load,error"].GetCounter().GetValue())
	assert.Empty(t, gather(t, reg, "kmerindex_last_build"))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}
