package kmerindex

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func benchmarkBuildN(b *testing.B, n int, opts ...BuildOption) {
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/4+1, 22)
	bits, err := OptimalTableBits(22, uint64(n), 0)
	if err != nil {
		b.Fatal(err)
	}
	builder, err := NewBuilder(22, bits, opts...)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		if _, err := builder.Build(ctx, NewSliceStream(mers)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBuild10K(b *testing.B)           { benchmarkBuildN(b, 10000) }
func BenchmarkBuild100K(b *testing.B)          { benchmarkBuildN(b, 100000) }
func BenchmarkBuild1M(b *testing.B)            { benchmarkBuildN(b, 1000000) }
func BenchmarkBuildPositions1M(b *testing.B)   { benchmarkBuildN(b, 1000000, WithPositions()) }
func BenchmarkBuildSingleWorker1M(b *testing.B) { benchmarkBuildN(b, 1000000, WithWorkers(1)) }

func benchmarkCountN(b *testing.B, n int) {
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/4+1, 22)
	table := buildTable(b, 22, 16, NewSliceStream(mers))

	b.ResetTimer()
	b.ReportAllocs()
	for i := range b.N {
		_, _ = table.Count(mers[i%n])
	}
}

func BenchmarkCount10K(b *testing.B)  { benchmarkCountN(b, 10000) }
func BenchmarkCount100K(b *testing.B) { benchmarkCountN(b, 100000) }
func BenchmarkCount1M(b *testing.B)   { benchmarkCountN(b, 1000000) }

func BenchmarkPositions(b *testing.B) {
	n := 100000
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/8, 22)
	table := buildTable(b, 22, 16, NewSliceStream(mers), WithPositions())

	b.ResetTimer()
	b.ReportAllocs()
	for i := range b.N {
		it, _ := table.Positions(mers[i%n])
		for _, ok := it.Next(); ok; _, ok = it.Next() {
		}
	}
}

func BenchmarkCountParallel(b *testing.B) {
	n := 100000
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/4, 22)
	table := buildTable(b, 22, 16, NewSliceStream(mers))

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = table.Count(mers[i%n])
			i++
		}
	})
}

func benchmarkLoad(b *testing.B, c Compression) {
	n := 1000000
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/4, 22)
	table := buildTable(b, 22, 20, NewSliceStream(mers), WithPositions())
	path := filepath.Join(b.TempDir(), "bench.posdb")
	if err := table.SaveFile(path, WithCompression(c)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		t, err := LoadFile(path)
		if err != nil {
			b.Fatal(err)
		}
		t.Close()
	}
}

func BenchmarkLoadFile(b *testing.B)     { benchmarkLoad(b, CompressionNone) }
func BenchmarkLoadFileZstd(b *testing.B) { benchmarkLoad(b, CompressionZstd) }
func BenchmarkLoadFileLZ4(b *testing.B)  { benchmarkLoad(b, CompressionLZ4) }

func BenchmarkSave(b *testing.B) {
	n := 1000000
	rng := newTestRNG(b)
	mers := randomMers(rng, n, n/4, 22)
	table := buildTable(b, 22, 20, NewSliceStream(mers), WithPositions())
	var buf bytes.Buffer

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		buf.Reset()
		if err := table.Save(&buf); err != nil {
			b.Fatal(err)
		}
	}
	b.SetBytes(int64(buf.Len()))
}

func BenchmarkHeaderEncode(b *testing.B) {
	h := &header{
		MerSize:          22,
		TableSizeInBits:  24,
		HashWidth:        30,
		CheckWidth:       20,
		NumberOfMers:     1000000000,
		NumberOfDistinct: 400000000,
		ConfigDigest:     0x1234567890abcdef,
	}
	buf := make([]byte, headerSize)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		h.encodeTo(buf)
	}
}

func BenchmarkHeaderDecode(b *testing.B) {
	rng := newTestRNG(b)
	table := buildTable(b, 12, 10, NewSliceStream(randomMers(rng, 1000, 300, 12)))
	encoded := make([]byte, headerSize)
	table.hdr.encodeTo(encoded)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		_, _ = decodeHeader(encoded)
	}
}
