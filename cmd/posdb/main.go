// Posdb builds, inspects and ships k-mer position indexes.
//
// Usage:
//
//	posdb build -k 22 -o reads.posdb reads.kmers
//	posdb stats reads.posdb
//	posdb lookup reads.posdb ACGTACGTACGTACGTACGTAC
//	posdb verify reads.posdb
//	posdb publish --store s3://bucket/indexes reads.posdb reads/v1.posdb
//	posdb fetch --store s3://bucket/indexes reads/v1.posdb local.posdb
//
// Input files hold one k-mer per line in ACGT. Blank lines and lines
// starting with '#' or '>' are skipped; the position of a k-mer is its
// 0-based line number.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
