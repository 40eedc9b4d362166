package dynamo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tamirms/kmerindex"
	"github.com/tamirms/kmerindex/snapstore"
)

// mockDDBClient is an in-memory table keyed by config_key.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(m map[string]types.AttributeValue) string {
	return m[attrKey].(*types.AttributeValueMemberS).Value
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.items[keyOf(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.GetItemOutput{Item: m.items[keyOf(params.Key)]}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, keyOf(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func buildStats(t *testing.T, opts ...kmerindex.BuildOption) (*kmerindex.Builder, kmerindex.Stats) {
	t.Helper()
	b, err := kmerindex.NewBuilder(11, 9, opts...)
	require.NoError(t, err)
	table, err := b.Build(context.Background(), kmerindex.NewSliceStream([]uint64{7, 7, 7, 100, 2000}))
	require.NoError(t, err)
	st, err := table.Stats()
	require.NoError(t, err)
	return b, st
}

func TestCatalogRecordLookup(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()
	cat := New(client, "snapshots")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cat.now = func() time.Time { return fixed }

	b, st := buildStats(t, kmerindex.WithPositions())
	require.Equal(t, b.CacheKey(), Key(st))

	recorded, err := cat.Record(ctx, "genomes/chr3.posdb", st)
	require.NoError(t, err)

	got, err := cat.Lookup(ctx, b.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, recorded, got)
	assert.Equal(t, "genomes/chr3.posdb", got.Snapshot)
	assert.Equal(t, uint64(5), got.NumberOfMers)
	assert.Equal(t, uint64(3), got.NumberOfDistinct)
	assert.True(t, got.HasPositions)
	assert.Equal(t, fixed, got.PublishedAt)

	// Re-recording replaces the entry.
	_, err = cat.Record(ctx, "genomes/chr3-v2.posdb", st)
	require.NoError(t, err)
	got, err = cat.Lookup(ctx, b.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "genomes/chr3-v2.posdb", got.Snapshot)

	require.NoError(t, cat.Remove(ctx, b.CacheKey()))
	require.NoError(t, cat.Remove(ctx, b.CacheKey()))
	_, err = cat.Lookup(ctx, b.CacheKey())
	assert.ErrorIs(t, err, snapstore.ErrSnapshotNotFound)
}

func TestCatalogSeparatesConfigurations(t *testing.T) {
	ctx := context.Background()
	cat := New(newMockDDBClient(), "snapshots")

	plain, plainStats := buildStats(t)
	withPos, posStats := buildStats(t, kmerindex.WithPositions())
	require.NotEqual(t, plain.CacheKey(), withPos.CacheKey())

	_, err := cat.Record(ctx, "plain", plainStats)
	require.NoError(t, err)
	_, err = cat.Lookup(ctx, withPos.CacheKey())
	require.ErrorIs(t, err, snapstore.ErrSnapshotNotFound)

	_, err = cat.Record(ctx, "positions", posStats)
	require.NoError(t, err)
	e, err := cat.Lookup(ctx, plain.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "plain", e.Snapshot)
}

func TestCatalogErrors(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()
	cat := New(client, "snapshots")

	client.items["bad"] = map[string]types.AttributeValue{
		attrKey:      &types.AttributeValueMemberS{Value: "bad"},
		attrSnapshot: &types.AttributeValueMemberN{Value: "1"},
	}
	_, err := cat.Lookup(ctx, "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, snapstore.ErrSnapshotNotFound)

	boom := errors.New("provisioned throughput exceeded")
	client.err = boom
	_, st := buildStats(t)
	_, err = cat.Record(ctx, "x", st)
	assert.ErrorIs(t, err, boom)
	_, err = cat.Lookup(ctx, Key(st))
	assert.ErrorIs(t, err, boom)
}
