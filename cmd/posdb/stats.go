package main

import (
	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <index>",
		Short: "Show index statistics",
		Long: `The stats command reads only the header of an index, so it is
cheap on files of any size.

Example:
  posdb stats reads.posdb
  posdb stats reads.posdb --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := kmerindex.ReadStats(args[0])
			if err != nil {
				return err
			}
			return printStats(args[0], st)
		},
	}
}
