package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/knirvcorp/spectrallda/internal/logging"
	"github.com/knirvcorp/spectrallda/internal/types"
)

func docs(t *testing.T, ids ...string) []*types.Document {
	t.Helper()
	var out []*types.Document
	for _, id := range ids {
		d, err := types.NewDocument(id, 4, []types.Term{{Word: 1, Count: 3}})
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestPersistWarnsWhenCorpusExists(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.WarnLevel)
	logger := logging.New(zap.New(core))

	coll, err := persist(logger, dir, "news", 4, 2, docs(t, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, coll.NumPartitions())
	assert.Zero(t, logs.Len())

	_, err = persist(logger, dir, "news", 4, 2, docs(t, "c", "d", "e"))
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "news", fields["corpus"])
	assert.Equal(t, int64(2), fields["stored_documents"])
	assert.Equal(t, int64(3), fields["ignored_documents"])
}
