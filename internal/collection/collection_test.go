package collection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knirvcorp/spectrallda/internal/types"
)

func makeDocs(t *testing.T, n int) []*types.Document {
	t.Helper()
	docs := make([]*types.Document, n)
	for i := range docs {
		d, err := types.NewDocument(fmt.Sprintf("doc-%d", i), 4, []types.Term{{Word: i % 4, Count: float64(i + 1)}})
		require.NoError(t, err)
		docs[i] = d
	}
	return docs
}

func sumCounts(ctx context.Context, c Collection, opts Options) (float64, error) {
	return Aggregate(ctx, c, opts,
		func() float64 { return 0 },
		func(acc float64, d *types.Document) (float64, error) { return acc + d.Len(), nil },
		func(a, b float64) float64 { return a + b },
	)
}

func TestLocalCollectionInsert(t *testing.T) {
	coll, err := FromDocuments(3, makeDocs(t, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, coll.Len())
	assert.Equal(t, 3, coll.NumPartitions())

	dup, _ := types.NewDocument("doc-1", 4, nil)
	err = coll.Insert(dup)
	assert.True(t, errors.Is(err, ErrDuplicateDocument))
}

func TestAggregateSumsAllPartitions(t *testing.T) {
	coll, err := FromDocuments(4, makeDocs(t, 20))
	require.NoError(t, err)

	var stats PassStats
	total, err := sumCounts(context.Background(), coll, Options{Workers: 2, Observer: func(s PassStats) { stats = s }})
	require.NoError(t, err)

	// 1 + 2 + ... + 20
	assert.Equal(t, 210.0, total)
	assert.Equal(t, 20, stats.Documents)
	assert.Equal(t, 4, stats.Partitions)
}

func TestAggregateIsDeterministic(t *testing.T) {
	coll, err := FromDocuments(5, makeDocs(t, 50))
	require.NoError(t, err)

	first, err := sumCounts(context.Background(), coll, Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := sumCounts(context.Background(), coll, Options{Workers: i + 1})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAggregatePropagatesErrors(t *testing.T) {
	coll, err := FromDocuments(2, makeDocs(t, 6))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Aggregate(context.Background(), coll, Options{},
		func() int { return 0 },
		func(acc int, d *types.Document) (int, error) { return acc, boom },
		func(a, b int) int { return a + b },
	)
	assert.ErrorIs(t, err, boom)
}

func TestAggregateHonoursCancellation(t *testing.T) {
	coll, err := FromDocuments(2, makeDocs(t, 6))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sumCounts(ctx, coll, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartitionForIsStable(t *testing.T) {
	for _, id := range []string{"a", "doc-17", "8f2c"} {
		p := PartitionFor(id, 7)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 7)
		assert.Equal(t, p, PartitionFor(id, 7))
	}
}
