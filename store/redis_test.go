package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

func newTestRedisStore(t *testing.T) *RedisVectorStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisVectorStoreFromClient(client, NewLocalEmbedder(128), nil)
}

func TestRedisVectorStore_IngestIdempotent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	doc := testDoc("c1", types.KindConversation, "talked about hiking")
	require.NoError(t, s.Ingest(ctx, doc))
	require.NoError(t, s.Ingest(ctx, doc))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisVectorStore_Retrieve(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, testDoc("c1", types.KindConversation, "talked about hiking in the mountains")))
	require.NoError(t, s.Ingest(ctx, testDoc("c2", types.KindConversation, "discussed cooking recipes")))

	results, err := s.Retrieve(ctx, "hiking mountains", Params{TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].Provenance)
	assert.Equal(t, SourceVector, results[0].Source)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestRedisVectorStore_UpsertReplacesContent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, testDoc("c1", types.KindNote, "original note about tea")))
	require.NoError(t, s.Ingest(ctx, testDoc("c1", types.KindNote, "updated note about coffee")))

	results, err := s.Retrieve(ctx, "note coffee", Params{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "updated note about coffee", results[0].Content)
}

func TestRedisVectorStore_DeleteIdempotent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, testDoc("c1", types.KindNote, "a note")))
	require.NoError(t, s.Delete(ctx, "c1"))
	require.NoError(t, s.Delete(ctx, "c1"))
	require.NoError(t, s.Delete(ctx, "missing"))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedisVectorStore_MalformedQuery(t *testing.T) {
	s := newTestRedisStore(t)

	_, err := s.Retrieve(context.Background(), "", Params{})
	assert.Equal(t, types.ErrMalformedQuery, types.GetErrorCode(err))
}
