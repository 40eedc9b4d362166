package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
)

// Global flags
var (
	verbose bool
	quiet   bool
	jsonOut bool
	out     io.Writer
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "posdb",
		Short: "Build and query k-mer position indexes",
		Long: `posdb builds compact hash indexes over fixed-length DNA substrings
(k-mers) and answers existence, count and position queries against them.
Indexes are crash-safe files that can be published to and fetched from
object storage.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	root.AddCommand(
		newBuildCmd(),
		newStatsCmd(),
		newLookupCmd(),
		newVerifyCmd(),
		newPublishCmd(),
		newFetchCmd(),
	)
	return root
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(out, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(out, format, args...)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger maps the global verbosity flags onto a library logger.
func newLogger() *kmerindex.Logger {
	switch {
	case quiet:
		return kmerindex.NoopLogger()
	case verbose:
		return kmerindex.NewTextLogger(slog.LevelDebug)
	}
	return kmerindex.NewTextLogger(slog.LevelWarn)
}

// byteSizeValue adapts datasize.ByteSize to a pflag.Value, accepting
// inputs such as "512MB" or "8 GiB".
type byteSizeValue struct{ v *datasize.ByteSize }

func (b byteSizeValue) String() string {
	if b.v == nil || *b.v == 0 {
		return "0"
	}
	return b.v.HumanReadable()
}

func (b byteSizeValue) Set(s string) error { return b.v.UnmarshalText([]byte(s)) }

func (byteSizeValue) Type() string { return "size" }

func printStats(path string, st kmerindex.Stats) error {
	if jsonOut {
		return printJSON(struct {
			Path string `json:"path"`
			kmerindex.Stats
		}{path, st})
	}
	printInfo("%s\n", path)
	printInfo("  mer size:        %d\n", st.MerSize)
	printInfo("  table bits:      %d\n", st.TableSizeInBits)
	printInfo("  widths:          hash %d, check %d, position %d\n", st.HashWidth, st.CheckWidth, st.PositionWidth)
	printInfo("  mers:            %d\n", st.NumberOfMers)
	printInfo("  distinct:        %d\n", st.NumberOfDistinct)
	printInfo("  unique:          %d\n", st.NumberOfUnique)
	printInfo("  entries:         %d (max run %d)\n", st.NumberOfEntries, st.MaximumEntries)
	printInfo("  positions:       %v\n", st.HasPositions)
	if st.HasCounts {
		printInfo("  external counts: %d bits\n", st.CountWidth)
	}
	if st.SetFiltered || st.LoCount > 1 || st.HiCount != ^uint32(0) {
		printInfo("  filter:          count [%d, %d], set filtered %v\n", st.LoCount, st.HiCount, st.SetFiltered)
	}
	printInfo("  compression:     %s\n", st.Compression)
	printInfo("  size:            %s\n", datasize.ByteSize(st.SizeBytes).HumanReadable())
	printVerbose("  config digest:   %016x\n", st.ConfigDigest)
	return nil
}
