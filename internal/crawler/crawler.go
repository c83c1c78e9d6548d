// Package crawler implements vector retrieval over long-term memory: the
// gardened chunk store and the dossier fact embeddings, searched in parallel.
// The short-term daily ledger is never crawled; active blocks reach the
// prompt through the Hydrator's direct load path.
package crawler

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"hmlr/internal/embedding"
	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// SearchStore is the slice of the storage layer the crawler reads.
type SearchStore interface {
	SearchGardenedMemory(queryVec []float32, k int, threshold float64) ([]types.MemoryHit, error)
	SearchDossierFacts(queryVec []float32, k int, threshold float64) ([]types.DossierHit, error)
}

// Crawler performs two-surface vector search.
type Crawler struct {
	store    SearchStore
	embedder embedding.EmbeddingEngine

	// Defaults, overridable per call via Request.
	MemoryTopK  int
	DossierTopK int
	Threshold   float64
}

// New creates a crawler with the given retrieval defaults.
func New(store SearchStore, embedder embedding.EmbeddingEngine, memoryTopK, dossierTopK int, threshold float64) *Crawler {
	if memoryTopK <= 0 {
		memoryTopK = 5
	}
	if dossierTopK <= 0 {
		dossierTopK = 3
	}
	if threshold <= 0 {
		threshold = 0.4
	}
	return &Crawler{
		store:       store,
		embedder:    embedder,
		MemoryTopK:  memoryTopK,
		DossierTopK: dossierTopK,
		Threshold:   threshold,
	}
}

// Request describes one crawl.
type Request struct {
	Query    string
	Keywords []string // optional; appended to the embedded text
	// Zero values fall back to the crawler defaults.
	MemoryTopK  int
	DossierTopK int
	Threshold   float64
}

// Result carries the two ranked hit lists.
type Result struct {
	Memories []types.MemoryHit
	Dossiers []types.DossierHit
}

// Crawl embeds the query once and searches gardened memory and dossier facts
// in parallel. An embedding failure yields an empty result, not an error:
// the Governor proceeds with empty retrieval.
func (c *Crawler) Crawl(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCrawler, "Crawl")
	defer timer.Stop()

	memoryTopK := req.MemoryTopK
	if memoryTopK <= 0 {
		memoryTopK = c.MemoryTopK
	}
	dossierTopK := req.DossierTopK
	if dossierTopK <= 0 {
		dossierTopK = c.DossierTopK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = c.Threshold
	}

	text := req.Query
	if len(req.Keywords) > 0 {
		text = text + "\n" + strings.Join(req.Keywords, " ")
	}

	queryVec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		logging.Get(logging.CategoryCrawler).Warn("Query embedding failed, returning empty retrieval: %v", err)
		return &Result{}, nil
	}

	result := &Result{}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := c.store.SearchGardenedMemory(queryVec, memoryTopK, threshold)
		if err != nil {
			return fmt.Errorf("gardened memory search: %w", err)
		}
		result.Memories = hits
		return nil
	})
	g.Go(func() error {
		hits, err := c.store.SearchDossierFacts(queryVec, dossierTopK, threshold)
		if err != nil {
			return fmt.Errorf("dossier fact search: %w", err)
		}
		result.Dossiers = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Crawler("Crawl returned %d memory hits, %d dossier hits (threshold=%.2f)",
		len(result.Memories), len(result.Dossiers), threshold)
	return result, nil
}

// SearchDossiers is the voting-path entry: it searches only dossier fact
// embeddings for a single fact text, with its own top_k.
func (c *Crawler) SearchDossiers(ctx context.Context, text string, topK int, threshold float64) ([]types.DossierHit, error) {
	if threshold <= 0 {
		threshold = c.Threshold
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed voting fact: %w", err)
	}
	return c.store.SearchDossierFacts(vec, topK, threshold)
}
