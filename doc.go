// Package kmerindex builds and queries hash indexes of fixed-size DNA
// k-mers ("mers"), answering existence, occurrence counts and occurrence
// positions.
//
// A mer of merSize bases is a 2*merSize-bit integer. Its high
// tableSizeInBits bits select a bucket and the remaining bits, the check
// value, are stored sorted within the bucket in a bit-packed array. The
// index is built from a replayable stream in two passes and can be
// persisted to a single file and loaded back, memory-mapped.
//
// # Basic Usage
//
// Building an index:
//
//	b, err := kmerindex.NewBuilder(22, 24, kmerindex.WithPositions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	table, err := b.Build(ctx, kmerindex.NewSliceStream(mers))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := table.SaveFile("reads.posdb"); err != nil {
//	    log.Fatal(err)
//	}
//
// Querying an index:
//
//	table, err := kmerindex.LoadFile("reads.posdb")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer table.Close()
//
//	it, err := table.Positions(mer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for p, ok := it.Next(); ok; p, ok = it.Next() {
//	    fmt.Println(p)
//	}
//
// # Package Structure
//
// The implementation is organized as follows:
//
//   - Public API: builder.go (NewBuilder, Build), table.go (Exists, Count, Positions, Stats)
//   - Configuration: builder_options.go (BuildOption, With* functions), tablebits.go
//   - Build phases: builder.go (count, size, fill), builder_parallel.go (sort), builder_transfer.go
//   - Serialization: header.go (header, footer), writer.go, reader.go, codec.go
//   - Caching: cache.go (LoadOrBuild)
//   - Leaf algorithms: internal/bitpack, internal/merhash, internal/heapsort
//   - Platform: fallocate_*.go, fadvise_*.go, madvise_*.go
//   - Integrations: metrics/prometheus, snapstore (local, minio, s3, dynamo catalog)
//   - Tools: cmd/posdb (CLI), cmd/bench
package kmerindex
