package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
	streamerrors "github.com/tamirms/kmerindex/errors"
)

type buildOptions struct {
	merSize     uint
	tableBits   uint
	output      string
	positions   bool
	minCount    uint32
	maxCount    uint32
	mask        string
	only        string
	counts      string
	workers     int
	maxMemory   datasize.ByteSize
	compression string
	reuse       bool
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build <kmers>",
		Short: "Build an index from a k-mer file",
		Long: `The build command indexes a text file of k-mers, one per line, and
saves the result. Without --table-bits the table size minimising the
estimated footprint is chosen, bounded by --max-memory.

Example:
  posdb build -k 22 -o reads.posdb reads.kmers
  posdb build -k 22 --positions --min-count 2 -o repeats.posdb reads.kmers
  posdb build -k 22 --mask contaminants.posdb -o clean.posdb reads.kmers
  posdb build -k 22 --counts genome.counts -o genome.posdb genome.kmers
  posdb build -k 22 --reuse --compression zstd -o cache.posdb reads.kmers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.UintVarP(&opts.merSize, "mer-size", "k", 0, "Bases per k-mer (required)")
	f.UintVar(&opts.tableBits, "table-bits", 0, "log2 of the bucket count (0 chooses automatically)")
	f.StringVarP(&opts.output, "output", "o", "", "Index file to write (required)")
	f.BoolVar(&opts.positions, "positions", false, "Store the line number of every occurrence")
	f.Uint32Var(&opts.minCount, "min-count", 1, "Drop k-mers seen fewer times")
	f.Uint32Var(&opts.maxCount, "max-count", math.MaxUint32, "Drop k-mers seen more times")
	f.StringVar(&opts.mask, "mask", "", "Drop k-mers present in this index or roaring set file")
	f.StringVar(&opts.only, "only", "", "Keep only k-mers present in this index or roaring set file")
	f.StringVar(&opts.counts, "counts", "", "Attach counts from a text file of \"kmer count\" lines")
	f.IntVar(&opts.workers, "workers", runtime.NumCPU(), "Sort workers")
	f.Var(byteSizeValue{&opts.maxMemory}, "max-memory", "Memory budget for the index tables, e.g. 4GB (0 = unlimited)")
	f.StringVar(&opts.compression, "compression", "none", "Section compression: none, zstd or lz4")
	f.BoolVar(&opts.reuse, "reuse", false, "Load --output instead of building when it matches this configuration")
	_ = cmd.MarkFlagRequired("mer-size")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// loadMerSet opens a set file: a saved index, or failing that a
// serialised roaring set.
func loadMerSet(path string) (kmerindex.MerSet, func() error, error) {
	t, err := kmerindex.LoadFile(path)
	if err == nil {
		return t, t.Close, nil
	}
	if !errors.Is(err, streamerrors.ErrInvalidMagic) {
		return nil, nil, fmt.Errorf("load set %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	set, err := kmerindex.ReadRoaringMerSet(f)
	if err != nil {
		return nil, nil, fmt.Errorf("load set %s: %w", path, err)
	}
	return set, func() error { return nil }, nil
}

func runBuild(cmd *cobra.Command, input string, opts *buildOptions) error {
	ctx := cmd.Context()
	compression, err := kmerindex.ParseCompression(opts.compression)
	if err != nil {
		return err
	}

	in, err := openMerFile(input, opts.merSize)
	if err != nil {
		return err
	}
	defer in.Close()

	tableBits := opts.tableBits
	if tableBits == 0 {
		approx, err := in.approxMers()
		if err != nil {
			return err
		}
		tableBits, err = kmerindex.OptimalTableBits(opts.merSize, approx, opts.maxMemory.Bytes())
		if err != nil {
			return err
		}
		printVerbose("Chose %d table bits for about %d k-mers\n", tableBits, approx)
	}

	sourceID, err := in.sourceID()
	if err != nil {
		return err
	}
	buildOpts := []kmerindex.BuildOption{
		kmerindex.WithWorkers(opts.workers),
		kmerindex.WithLogger(newLogger()),
		kmerindex.WithCountRange(opts.minCount, opts.maxCount),
		kmerindex.WithMaxMemory(opts.maxMemory.Bytes()),
	}
	if opts.positions {
		buildOpts = append(buildOpts, kmerindex.WithPositions())
	}
	for _, s := range []struct {
		flag string
		path string
		with func(kmerindex.MerSet) kmerindex.BuildOption
	}{{"mask", opts.mask, kmerindex.WithMask}, {"only", opts.only, kmerindex.WithOnly}} {
		if s.path == "" {
			continue
		}
		info, err := os.Stat(s.path)
		if err != nil {
			return err
		}
		set, release, err := loadMerSet(s.path)
		if err != nil {
			return err
		}
		defer release()
		sourceID = appendFileID(fmt.Appendf(sourceID, "|%s=", s.flag), s.path, info)
		buildOpts = append(buildOpts, s.with(set))
	}
	buildOpts = append(buildOpts, kmerindex.WithSourceID(sourceID))
	if opts.counts != "" {
		counts, err := openCountFile(opts.counts, opts.merSize)
		if err != nil {
			return err
		}
		defer counts.Close()
		buildOpts = append(buildOpts, kmerindex.WithCounts(counts))
	}

	b, err := kmerindex.NewBuilder(opts.merSize, tableBits, buildOpts...)
	if err != nil {
		return err
	}

	start := time.Now()
	var table *kmerindex.Table
	loaded := false
	if opts.reuse {
		table, loaded, err = b.LoadOrBuild(ctx, opts.output, in, kmerindex.WithCompression(compression))
	} else {
		table, err = b.Build(ctx, in)
		if err == nil {
			err = table.SaveFile(opts.output, kmerindex.WithCompression(compression))
		}
	}
	if err != nil {
		return err
	}
	defer table.Close()

	verb := "Built"
	if loaded {
		verb = "Loaded"
	}
	printVerbose("%s %s in %s\n", verb, opts.output, time.Since(start).Round(time.Millisecond))
	st, err := table.Stats()
	if err != nil {
		return err
	}
	return printStats(opts.output, st)
}
