package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr/internal/embedding"
	"hmlr/internal/types"
)

type fakeSearchStore struct {
	memories   []types.MemoryHit
	dossiers   []types.DossierHit
	memoryErr  error
	dossierErr error

	lastMemoryK    int
	lastDossierK   int
	lastThreshold  float64
}

func (f *fakeSearchStore) SearchGardenedMemory(_ []float32, k int, threshold float64) ([]types.MemoryHit, error) {
	f.lastMemoryK = k
	f.lastThreshold = threshold
	return f.memories, f.memoryErr
}

func (f *fakeSearchStore) SearchDossierFacts(_ []float32, k int, threshold float64) ([]types.DossierHit, error) {
	f.lastDossierK = k
	return f.dossiers, f.dossierErr
}

func TestCrawlSearchesBothSurfaces(t *testing.T) {
	store := &fakeSearchStore{
		memories: []types.MemoryHit{{ChunkID: "c1", Similarity: 0.8}},
		dossiers: []types.DossierHit{{FactID: "f1", DossierID: "d1", Similarity: 0.7}},
	}
	c := New(store, embedding.NewMockEngine(16), 5, 3, 0.4)

	res, err := c.Crawl(context.Background(), Request{Query: "what was my api key?"})
	require.NoError(t, err)
	assert.Len(t, res.Memories, 1)
	assert.Len(t, res.Dossiers, 1)
	assert.Equal(t, 5, store.lastMemoryK)
	assert.Equal(t, 3, store.lastDossierK)
	assert.InDelta(t, 0.4, store.lastThreshold, 1e-9)
}

func TestCrawlOverrides(t *testing.T) {
	store := &fakeSearchStore{}
	c := New(store, embedding.NewMockEngine(16), 5, 3, 0.4)

	_, err := c.Crawl(context.Background(), Request{
		Query: "q", Keywords: []string{"titan", "olympus"},
		MemoryTopK: 9, DossierTopK: 7, Threshold: 0.6,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, store.lastMemoryK)
	assert.Equal(t, 7, store.lastDossierK)
	assert.InDelta(t, 0.6, store.lastThreshold, 1e-9)
}

type failingEmbedder struct{ embedding.MockEngine }

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("gpu on fire")
}

func TestCrawlEmbeddingFailureYieldsEmptyResult(t *testing.T) {
	store := &fakeSearchStore{memories: []types.MemoryHit{{ChunkID: "c1"}}}
	c := New(store, &failingEmbedder{}, 5, 3, 0.4)

	res, err := c.Crawl(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Memories)
	assert.Empty(t, res.Dossiers)
}

func TestCrawlStoreErrorSurfaces(t *testing.T) {
	store := &fakeSearchStore{memoryErr: errors.New("db locked")}
	c := New(store, embedding.NewMockEngine(16), 5, 3, 0.4)

	_, err := c.Crawl(context.Background(), Request{Query: "q"})
	assert.Error(t, err)
}

func TestSearchDossiersVotingPath(t *testing.T) {
	store := &fakeSearchStore{dossiers: []types.DossierHit{{FactID: "f1", DossierID: "d1"}}}
	c := New(store, embedding.NewMockEngine(16), 5, 3, 0.4)

	hits, err := c.SearchDossiers(context.Background(), "avoids eggs and dairy", 10, 0.4)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 10, store.lastDossierK)
}
