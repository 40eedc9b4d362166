package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tamirms/kmerindex"
	"github.com/tamirms/kmerindex/snapstore"
	"github.com/tamirms/kmerindex/snapstore/dynamo"
	minioblob "github.com/tamirms/kmerindex/snapstore/minio"
	s3blob "github.com/tamirms/kmerindex/snapstore/s3"
)

type snapshotOptions struct {
	store   string
	catalog string
	byKey   bool
}

func (o *snapshotOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.store, "store", "", "Snapshot store: a directory, file://dir, s3://bucket/prefix or minio://host:port/bucket/prefix")
	cmd.Flags().StringVar(&o.catalog, "catalog", "", "DynamoDB table recording snapshots by configuration")
	_ = cmd.MarkFlagRequired("store")
}

// openStore resolves a store URL. MinIO credentials come from
// MINIO_ACCESS_KEY and MINIO_SECRET_KEY; MINIO_INSECURE=1 disables TLS.
func openStore(ctx context.Context, raw string) (snapstore.Store, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return snapstore.NewLocalStore(raw)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "file":
		return snapstore.NewLocalStore(u.Path)
	case "s3":
		return s3blob.NewFromEnv(ctx, u.Host, prefix)
	case "minio":
		bucket, rest, _ := strings.Cut(prefix, "/")
		if bucket == "" {
			return nil, fmt.Errorf("store %q: missing bucket", raw)
		}
		return minioblob.Dial(u.Host, os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"),
			os.Getenv("MINIO_INSECURE") != "1", bucket, rest)
	}
	return nil, fmt.Errorf("store %q: unsupported scheme %q", raw, u.Scheme)
}

func newPublishCmd() *cobra.Command {
	opts := &snapshotOptions{}
	cmd := &cobra.Command{
		Use:   "publish <index> <name>",
		Short: "Upload a completed index to a snapshot store",
		Long: `The publish command uploads an index file under name. Files whose
save never completed are refused. With --catalog the snapshot is also
recorded under the index's configuration key.

Example:
  posdb publish --store s3://genomes/indexes reads.posdb reads/v1.posdb
  posdb publish --store /srv/snapshots --catalog posdb-snapshots reads.posdb reads/v1.posdb`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, opts.store)
			if err != nil {
				return err
			}
			st, err := snapstore.Publish(ctx, store, args[1], args[0])
			if err != nil {
				return err
			}
			printVerbose("Uploaded %s as %s\n", args[0], args[1])
			if opts.catalog != "" {
				cat, err := dynamo.NewFromEnv(ctx, opts.catalog)
				if err != nil {
					return err
				}
				e, err := cat.Record(ctx, args[1], st)
				if err != nil {
					return err
				}
				printVerbose("Recorded %s under key %s\n", args[1], e.Key)
			}
			if jsonOut {
				return printJSON(map[string]any{"name": args[1], "key": dynamo.Key(st), "stats": st})
			}
			printInfo("Published %s (key %s)\n", args[1], dynamo.Key(st))
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func newFetchCmd() *cobra.Command {
	opts := &snapshotOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <name> <dst>",
		Short: "Download a snapshot and validate it",
		Long: `The fetch command downloads a snapshot to dst. The file only replaces
dst once its header reads back cleanly. With --by-key, name is a
configuration key (see "posdb stats -v") resolved through --catalog.

Example:
  posdb fetch --store s3://genomes/indexes reads/v1.posdb reads.posdb
  posdb fetch --store s3://genomes/indexes --catalog posdb-snapshots --by-key 1f0c9a3e5b7d2468 reads.posdb`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			if opts.byKey {
				if opts.catalog == "" {
					return fmt.Errorf("--by-key needs --catalog")
				}
				cat, err := dynamo.NewFromEnv(ctx, opts.catalog)
				if err != nil {
					return err
				}
				e, err := cat.Lookup(ctx, name)
				if err != nil {
					return err
				}
				printVerbose("Key %s resolves to %s\n", name, e.Snapshot)
				name = e.Snapshot
			}
			store, err := openStore(ctx, opts.store)
			if err != nil {
				return err
			}
			st, err := snapstore.Fetch(ctx, store, name, args[1])
			if err != nil {
				return err
			}
			return fetched(args[1], st)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.byKey, "by-key", false, "Treat name as a configuration key looked up in --catalog")
	return cmd
}

func fetched(dst string, st kmerindex.Stats) error {
	printVerbose("Fetched %s\n", dst)
	return printStats(dst, st)
}
