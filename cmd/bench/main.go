// Bench measures k-mer index build time, query throughput, file size and
// memory use on synthetic data.
//
// Usage:
//
//	go run ./cmd/bench -mers 50000000 -k 22 -positions
//
// Flags:
//
//	-mers        Number of mers in the stream (default: 10,000,000)
//	-distinct    Distinct mers the stream draws from (default: mers/4)
//	-k           Bases per mer (default: 22)
//	-table-bits  log2 bucket count, 0 to choose automatically (default: 0)
//	-positions   Store positions (default: false)
//	-workers     Sort workers (default: NumCPU)
//	-compression none, zstd or lz4 (default: none)
package main

import (
	"cmp"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spaolacci/murmur3"

	"github.com/tamirms/kmerindex"
)

// getMaxRSS returns the maximum resident set size in bytes.
// Uses getrusage(RUSAGE_SELF) which tracks peak RSS since process start.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024
	}
	return maxRSS
}

// synthStream derives every mer from murmur3, so both build passes see the
// same sequence without holding it in memory. Mer i is pool entry
// h(i) mod distinct, which gives a skewed, repeat-heavy stream.
type synthStream struct {
	n, distinct uint64
	mask        uint64
	seed        uint32
	next        uint64
}

func (s *synthStream) Reset() error { s.next = 0; return nil }

func (s *synthStream) Next() (uint64, bool) {
	if s.next >= s.n {
		return 0, false
	}
	pick := s.hash(s.next, s.seed) % s.distinct
	s.next++
	return s.hash(pick, s.seed+1) & s.mask, true
}

func (s *synthStream) hash(i uint64, seed uint32) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], i)
	return murmur3.Sum64WithSeed(buf[:], seed)
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func main() {
	mersFlag := flag.Uint64("mers", 10_000_000, "number of mers in the stream")
	distinctFlag := flag.Uint64("distinct", 0, "distinct mers (0 = mers/4)")
	kFlag := flag.Uint("k", 22, "bases per mer")
	tableBitsFlag := flag.Uint("table-bits", 0, "log2 bucket count (0 = choose automatically)")
	positionsFlag := flag.Bool("positions", false, "store positions")
	workersFlag := flag.Int("workers", runtime.NumCPU(), "number of sort workers")
	compressionFlag := flag.String("compression", "none", "section compression: none, zstd or lz4")
	queriesFlag := flag.Int("queries", 1_000_000, "number of timed queries")
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file (build phase only)")
	memprofile := flag.String("memprofile", "", "write memory profile to file (build phase only)")
	flag.Parse()

	numMers := *mersFlag
	distinct := *distinctFlag
	if distinct == 0 {
		distinct = max(1, numMers/4)
	}
	merSize := *kFlag
	compression, err := kmerindex.ParseCompression(*compressionFlag)
	if err != nil {
		fail("%v", err)
	}
	stream := &synthStream{n: numMers, distinct: distinct, mask: ^uint64(0), seed: 0x1234}
	if merSize < 32 {
		stream.mask = uint64(1)<<(2*merSize) - 1
	}

	tableBits := *tableBitsFlag
	if tableBits == 0 {
		if tableBits, err = kmerindex.OptimalTableBits(merSize, numMers, 0); err != nil {
			fail("OptimalTableBits failed: %v", err)
		}
	}

	tmpDir, err := os.MkdirTemp("", "bench-")
	if err != nil {
		fail("Failed to create temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	indexPath := filepath.Join(tmpDir, "bench.posdb")

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	baselineRSS := getMaxRSS()

	// 10ms sampling for peak memory. runtime/metrics avoids the
	// stop-the-world pause of ReadMemStats.
	var peakAlloc atomic.Uint64
	var peakRSS atomic.Uint64
	peakAlloc.Store(baseline.Alloc)
	peakRSS.Store(baselineRSS)
	done := make(chan struct{})
	go func() {
		samples := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				storeMax(&peakAlloc, samples[0].Value.Uint64())
				storeMax(&peakRSS, getMaxRSS())
			}
		}
	}()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fail("could not create CPU profile: %v", err)
		}
		defer func() { _ = f.Close() }()
		if err := pprof.StartCPUProfile(f); err != nil {
			fail("could not start CPU profile: %v", err)
		}
	}

	fmt.Printf("Building index: %d mers, ~%d distinct, k=%d, %d table bits...\n", numMers, distinct, merSize, tableBits)
	collector := &kmerindex.BasicMetricsCollector{}
	opts := []kmerindex.BuildOption{
		kmerindex.WithWorkers(*workersFlag),
		kmerindex.WithMetrics(collector),
	}
	if *positionsFlag {
		opts = append(opts, kmerindex.WithPositions())
	}
	builder, err := kmerindex.NewBuilder(merSize, tableBits, opts...)
	if err != nil {
		fail("NewBuilder failed: %v", err)
	}
	buildStart := time.Now()
	table, err := builder.Build(context.Background(), stream)
	buildDuration := time.Since(buildStart)

	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Printf("could not create memory profile: %v\n", err)
		} else {
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Printf("could not write memory profile: %v\n", err)
			}
			_ = f.Close()
		}
	}

	close(done)
	var final runtime.MemStats
	runtime.ReadMemStats(&final)
	storeMax(&peakAlloc, final.Alloc)
	storeMax(&peakRSS, getMaxRSS())
	peakHeapMem := peakAlloc.Load() - baseline.Alloc
	peakRSSMem := peakRSS.Load() - baselineRSS

	if err != nil {
		fail("Build failed: %v", err)
	}
	st, _ := table.Stats()

	saveStart := time.Now()
	if err := table.SaveFile(indexPath, kmerindex.WithCompression(compression)); err != nil {
		fail("SaveFile failed: %v", err)
	}
	saveDuration := time.Since(saveStart)
	info, _ := os.Stat(indexPath)
	fileSize := info.Size()
	_ = table.Close()

	loadStart := time.Now()
	idx, err := kmerindex.LoadFile(indexPath)
	if err != nil {
		fail("LoadFile failed: %v", err)
	}
	loadDuration := time.Since(loadStart)
	defer func() { _ = idx.Close() }()

	// Half the queries hit the stream, half are random.
	fmt.Println("Benchmarking queries...")
	querySrc := &synthStream{n: uint64(*queriesFlag), distinct: distinct, mask: stream.mask, seed: 0x1234}
	queries := make([]uint64, 0, *queriesFlag)
	for mer, ok := querySrc.Next(); ok; mer, ok = querySrc.Next() {
		if len(queries)%2 == 1 {
			mer = querySrc.hash(uint64(len(queries)), 0xBEEF) & stream.mask
		}
		queries = append(queries, mer)
	}
	var hits int
	queryStart := time.Now()
	for _, mer := range queries {
		if n, _ := idx.Count(mer); n > 0 {
			hits++
		}
	}
	queryDuration := time.Since(queryStart)
	avgLatency := float64(queryDuration.Nanoseconds()) / float64(max(1, len(queries)))

	var positionsDuration time.Duration
	if st.HasPositions {
		posStart := time.Now()
		for _, mer := range queries {
			it, _ := idx.Positions(mer)
			for _, ok := it.Next(); ok; _, ok = it.Next() {
			}
		}
		positionsDuration = time.Since(posStart)
	}

	phases := collector.PhaseDurations()
	phaseNames := []string{kmerindex.PhaseCount, kmerindex.PhaseSize, kmerindex.PhaseFill, kmerindex.PhaseSort, kmerindex.PhaseTransfer}
	slices.SortStableFunc(phaseNames, func(a, b string) int { return cmp.Compare(phases[b], phases[a]) })

	fmt.Printf("\n")
	fmt.Printf("╔═════════════════════╦══════════════════╗\n")
	fmt.Printf("║ k=%-2d bits=%-2d %-7s║ %-16s ║\n", merSize, tableBits, compression, fmt.Sprintf("workers=%d", *workersFlag))
	fmt.Printf("╠═════════════════════╬══════════════════╣\n")
	fmt.Printf("║ Distinct / unique   ║ %7d / %-7d ║\n", st.NumberOfDistinct, st.NumberOfUnique)
	fmt.Printf("║ File size           ║ %16s ║\n", datasize.ByteSize(fileSize).HumanReadable())
	fmt.Printf("║ Bits per mer        ║ %11.3f bits ║\n", float64(fileSize*8)/float64(max(1, numMers)))
	fmt.Printf("║ Build time          ║ %12.2f sec ║\n", buildDuration.Seconds())
	fmt.Printf("║ Build throughput    ║ %10.2f M/sec ║\n", float64(numMers)/buildDuration.Seconds()/1_000_000)
	for _, p := range phaseNames {
		fmt.Printf("║   - %-16s║ %12.2f sec ║\n", p, phases[p].Seconds())
	}
	fmt.Printf("║ Save time           ║ %12.2f sec ║\n", saveDuration.Seconds())
	fmt.Printf("║ Load time           ║ %12.3f sec ║\n", loadDuration.Seconds())
	fmt.Printf("║ Count latency       ║ %13.1f ns ║\n", avgLatency)
	fmt.Printf("║ Hit rate            ║ %14.1f %% ║\n", 100*float64(hits)/float64(max(1, len(queries))))
	if st.HasPositions {
		fmt.Printf("║ Positions scan      ║ %12.2f sec ║\n", positionsDuration.Seconds())
	}
	fmt.Printf("║ Peak heap memory    ║ %13.1f MB ║\n", float64(peakHeapMem)/1_000_000)
	fmt.Printf("║ Peak RSS memory     ║ %13.1f MB ║\n", float64(peakRSSMem)/1_000_000)
	fmt.Printf("╚═════════════════════╩══════════════════╝\n")
}

func storeMax(v *atomic.Uint64, x uint64) {
	for {
		old := v.Load()
		if x <= old || v.CompareAndSwap(old, x) {
			return
		}
	}
}
