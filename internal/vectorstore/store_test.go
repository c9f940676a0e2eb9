package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/testutil"
)

// fakeEmbed maps a handful of known texts to fixed vectors so similarity
// ordering is deterministic in tests, and hashes anything else into a
// stable pseudo-embedding.
func fakeEmbed(_ context.Context, text string) ([]float32, error) {
	switch text {
	case "golden cross on 005930":
		return []float32{1, 0, 0}, nil
	case "golden cross on 000660":
		return []float32{0.9, 0.1, 0}, nil
	case "unrelated disclosure":
		return []float32{0, 0, 1}, nil
	default:
		return []float32{0.5, 0.5, 0.5}, nil
	}
}

func newTestStore(t *testing.T) *Store {
	db := testutil.NewTestDB(t, "vectors")
	return New(db.Conn(), fakeEmbed)
}

func TestAddDocument_RejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.AddDocument(ctx, CollectionPastEvents, "doc1", "golden cross on 005930", map[string]interface{}{"stock_code": "005930"})
	require.NoError(t, err)

	err = store.AddDocument(ctx, CollectionPastEvents, "doc1", "golden cross on 005930", map[string]interface{}{"stock_code": "005930"})
	assert.ErrorIs(t, err, ErrIDExists)
}

func TestSearchSimilar_RanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddDocument(ctx, CollectionPastEvents, "a", "golden cross on 005930", nil))
	require.NoError(t, store.AddDocument(ctx, CollectionPastEvents, "b", "golden cross on 000660", nil))
	require.NoError(t, store.AddDocument(ctx, CollectionPastEvents, "c", "unrelated disclosure", nil))

	results, err := store.SearchSimilar(ctx, "golden cross on 005930", CollectionPastEvents, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, "b", results[1].ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestSearchSimilar_ScopedToCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddDocument(ctx, CollectionPastEvents, "a", "golden cross on 005930", nil))
	require.NoError(t, store.AddDocument(ctx, CollectionDailyNews, "b", "golden cross on 005930", nil))

	results, err := store.SearchSimilar(ctx, "golden cross on 005930", CollectionPastEvents, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestGetAllDocuments_InsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddDocument(ctx, CollectionKeywords, "first", "unrelated disclosure", nil))
	require.NoError(t, store.AddDocument(ctx, CollectionKeywords, "second", "unrelated disclosure", nil))

	docs, err := store.GetAllDocuments(ctx, CollectionKeywords, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "first", docs[0].ID)
	assert.Equal(t, "second", docs[1].ID)
}

func TestStoreWeeklyKeywords_UpsertsSameWeek(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.StoreWeeklyKeywords(ctx, "005930", "2026-07-27", []KeywordImportance{{Keyword: "반도체", Importance: 0.8}})
	require.NoError(t, err)

	err = store.StoreWeeklyKeywords(ctx, "005930", "2026-07-27", []KeywordImportance{{Keyword: "실적", Importance: 0.9}})
	require.NoError(t, err)

	docs, err := store.GetAllDocuments(ctx, CollectionKeywords, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "실적")
}

func TestCosineDistance_MismatchedLengthIsMaximallyDistant(t *testing.T) {
	d := cosineDistance([]float32{1, 0}, []float32{1, 0, 0})
	assert.Equal(t, 1.0, d)
}

func TestCosineDistance_IdenticalVectorsAreZero(t *testing.T) {
	d := cosineDistance([]float32{1, 2, 3}, []float32{1, 2, 3})
	assert.InDelta(t, 0.0, d, 1e-9)
}
