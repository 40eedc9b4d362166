// Package dynamo keeps a catalog of published snapshots in DynamoDB, keyed
// by the build configuration digest. A builder can look up its own
// CacheKey to find a snapshot built with the same configuration before
// building locally.
//
// The table needs a single string partition key named "config_key".
package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/tamirms/kmerindex"
	"github.com/tamirms/kmerindex/snapstore"
)

// Client is the subset of *dynamodb.Client the catalog uses.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	attrKey         = "config_key"
	attrSnapshot    = "snapshot"
	attrMerSize     = "mer_size"
	attrTableBits   = "table_bits"
	attrMers        = "number_of_mers"
	attrDistinct    = "number_of_distinct"
	attrPositions   = "has_positions"
	attrCompression = "compression"
	attrSize        = "size_bytes"
	attrPublishedAt = "published_at"
)

// Entry is one catalog row.
type Entry struct {
	Key              string
	Snapshot         string
	MerSize          uint32
	TableSizeInBits  uint32
	NumberOfMers     uint64
	NumberOfDistinct uint64
	HasPositions     bool
	Compression      kmerindex.Compression
	SizeBytes        uint64
	PublishedAt      time.Time
}

// Key formats a configuration digest the way Builder.CacheKey does.
func Key(st kmerindex.Stats) string {
	return fmt.Sprintf("%016x", st.ConfigDigest)
}

// Catalog maps configuration digests to snapshot names.
type Catalog struct {
	client Client
	table  string
	now    func() time.Time
}

// New creates a catalog over an existing table.
func New(client Client, table string) *Catalog {
	return &Catalog{client: client, table: table, now: time.Now}
}

// NewFromEnv builds a client from the default AWS configuration chain.
func NewFromEnv(ctx context.Context, table string) (*Catalog, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapstore/dynamo: load AWS config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), table), nil
}

func numAttr(v uint64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatUint(v, 10)}
}

// Record stores name as the snapshot for st's configuration, replacing
// any previous entry.
func (c *Catalog) Record(ctx context.Context, name string, st kmerindex.Stats) (Entry, error) {
	e := Entry{
		Key:              Key(st),
		Snapshot:         name,
		MerSize:          st.MerSize,
		TableSizeInBits:  st.TableSizeInBits,
		NumberOfMers:     st.NumberOfMers,
		NumberOfDistinct: st.NumberOfDistinct,
		HasPositions:     st.HasPositions,
		Compression:      st.Compression,
		SizeBytes:        st.SizeBytes,
		PublishedAt:      c.now().UTC().Truncate(time.Second),
	}
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			attrKey:         &types.AttributeValueMemberS{Value: e.Key},
			attrSnapshot:    &types.AttributeValueMemberS{Value: e.Snapshot},
			attrMerSize:     numAttr(uint64(e.MerSize)),
			attrTableBits:   numAttr(uint64(e.TableSizeInBits)),
			attrMers:        numAttr(e.NumberOfMers),
			attrDistinct:    numAttr(e.NumberOfDistinct),
			attrPositions:   &types.AttributeValueMemberBOOL{Value: e.HasPositions},
			attrCompression: &types.AttributeValueMemberS{Value: e.Compression.String()},
			attrSize:        numAttr(e.SizeBytes),
			attrPublishedAt: &types.AttributeValueMemberS{Value: e.PublishedAt.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("snapstore/dynamo: record %s: %w", e.Key, err)
	}
	return e, nil
}

// Lookup returns the entry for key, or an error wrapping
// snapstore.ErrSnapshotNotFound.
func (c *Catalog) Lookup(ctx context.Context, key string) (Entry, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("snapstore/dynamo: lookup %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return Entry{}, fmt.Errorf("%w: no catalog entry for %s", snapstore.ErrSnapshotNotFound, key)
	}
	return decodeEntry(out.Item)
}

// Remove deletes the entry for key. Removing a missing key is not an error.
func (c *Catalog) Remove(ctx context.Context, key string) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
	})
	return err
}

func decodeEntry(item map[string]types.AttributeValue) (Entry, error) {
	var e Entry
	var err error
	str := func(name string) string {
		if err != nil {
			return ""
		}
		v, ok := item[name].(*types.AttributeValueMemberS)
		if !ok {
			err = fmt.Errorf("snapstore/dynamo: attribute %s missing or not a string", name)
			return ""
		}
		return v.Value
	}
	num := func(name string) uint64 {
		if err != nil {
			return 0
		}
		v, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			err = fmt.Errorf("snapstore/dynamo: attribute %s missing or not a number", name)
			return 0
		}
		var n uint64
		n, err = strconv.ParseUint(v.Value, 10, 64)
		return n
	}

	e.Key = str(attrKey)
	e.Snapshot = str(attrSnapshot)
	e.MerSize = uint32(num(attrMerSize))
	e.TableSizeInBits = uint32(num(attrTableBits))
	e.NumberOfMers = num(attrMers)
	e.NumberOfDistinct = num(attrDistinct)
	e.SizeBytes = num(attrSize)
	compression := str(attrCompression)
	published := str(attrPublishedAt)
	if err != nil {
		return Entry{}, err
	}
	if b, ok := item[attrPositions].(*types.AttributeValueMemberBOOL); ok {
		e.HasPositions = b.Value
	}
	if e.Compression, err = kmerindex.ParseCompression(compression); err != nil {
		return Entry{}, err
	}
	if e.PublishedAt, err = time.Parse(time.RFC3339, published); err != nil {
		return Entry{}, fmt.Errorf("snapstore/dynamo: %s: %w", attrPublishedAt, err)
	}
	return e, nil
}
