package main

import (
	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <index>",
		Short: "Check an index file end to end",
		Long: `The verify command fully loads an index, which checks its checksum,
then walks every bucket checking ordering and position data.

Example:
  posdb verify reads.posdb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := kmerindex.LoadFile(args[0])
			if err != nil {
				return err
			}
			defer table.Close()
			if err := table.Verify(); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"path": args[0], "ok": true})
			}
			printInfo("%s: OK\n", args[0])
			return nil
		},
	}
}
