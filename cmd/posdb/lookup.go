package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
	streamerrors "github.com/tamirms/kmerindex/errors"
	"github.com/tamirms/kmerindex/internal/merhash"
)

type lookupResult struct {
	Kmer      string   `json:"kmer"`
	Count     uint32   `json:"count"`
	External  *uint32  `json:"external_count,omitempty"`
	Positions []uint64 `json:"positions,omitempty"`
}

func newLookupCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "lookup <index> <kmer>...",
		Short: "Count and locate k-mers",
		Long: `The lookup command reports how often each k-mer occurs and, when
the index stores positions, where.

Example:
  posdb lookup reads.posdb ACGTACGTACGTACGTACGTAC
  posdb lookup reads.posdb ACGTACGTACGTACGTACGTAC TTTTTTTTTTTTTTTTTTTTTT --json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(args[0], args[1:], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Positions to print per k-mer (0 = all)")
	return cmd
}

func runLookup(path string, kmers []string, limit int) error {
	table, err := kmerindex.LoadFile(path)
	if err != nil {
		return err
	}
	defer table.Close()
	st, err := table.Stats()
	if err != nil {
		return err
	}

	results := make([]lookupResult, 0, len(kmers))
	for _, s := range kmers {
		if uint32(len(s)) != st.MerSize {
			return fmt.Errorf("k-mer %q has %d bases, index holds %d-mers", s, len(s), st.MerSize)
		}
		mer, err := merhash.Encode(s)
		if err != nil {
			return err
		}
		r := lookupResult{Kmer: s}
		if r.Count, err = table.Count(mer); err != nil {
			return err
		}
		if st.HasCounts {
			c, err := table.ExternalCount(mer)
			if err != nil {
				return err
			}
			r.External = &c
		}
		it, err := table.Positions(mer)
		switch {
		case errors.Is(err, streamerrors.ErrNoPositions):
		case err != nil:
			return err
		default:
			for p, ok := it.Next(); ok && (limit <= 0 || len(r.Positions) < limit); p, ok = it.Next() {
				r.Positions = append(r.Positions, p)
			}
		}
		results = append(results, r)
	}

	if jsonOut {
		return printJSON(results)
	}
	for _, r := range results {
		printInfo("%s\t%d", r.Kmer, r.Count)
		if r.External != nil {
			printInfo("\tcounted %d", *r.External)
		}
		if len(r.Positions) > 0 {
			printInfo("\t%v", r.Positions)
			if uint32(len(r.Positions)) < r.Count {
				printInfo(" ...")
			}
		}
		printInfo("\n")
	}
	return nil
}
