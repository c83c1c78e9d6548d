package store

import (
	"fmt"
	"math"
	"sort"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// CHUNK EMBEDDINGS
// =============================================================================

// StoreEmbedding writes (or replaces) a chunk's embedding vector.
func (s *Store) StoreEmbedding(chunkID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vec) == 0 {
		return fmt.Errorf("refusing to store empty embedding for chunk %s", chunkID)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO embeddings (chunk_id, embedding, created_at)
		VALUES (?, ?, ?)`,
		chunkID, EncodeVector(vec), types.Now())
	if err != nil {
		return fmt.Errorf("failed to store embedding for chunk %s: %w", chunkID, err)
	}
	return nil
}

// GetEmbedding loads a chunk's embedding vector.
func (s *Store) GetEmbedding(chunkID string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	if err := s.db.QueryRow("SELECT embedding FROM embeddings WHERE chunk_id = ?", chunkID).Scan(&blob); err != nil {
		return nil, fmt.Errorf("failed to load embedding for chunk %s: %w", chunkID, err)
	}
	return DecodeVector(blob)
}

// =============================================================================
// GARDENED MEMORY (long-term chunks)
// =============================================================================

// PromoteChunk moves a chunk into long-term gardened memory. The chunk's
// embedding row must already exist; gardened chunks without vectors are
// unreachable by the crawler.
func (s *Store) PromoteChunk(chunk types.Chunk, sourceBlockID string, turnOrdinal int, sourceDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hasEmbedding int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM embeddings WHERE chunk_id = ?", chunk.ChunkID).Scan(&hasEmbedding); err != nil {
		return fmt.Errorf("failed to check embedding for chunk %s: %w", chunk.ChunkID, err)
	}
	if hasEmbedding == 0 {
		return fmt.Errorf("chunk %s has no embedding row; cannot promote", chunk.ChunkID)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO gardened_memory (chunk_id, parent_id, level, text, token_count, source_block_id, turn_ordinal, source_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ChunkID, chunk.ParentID, string(chunk.Level), chunk.Text, chunk.TokenCount,
		sourceBlockID, turnOrdinal, sourceDate)
	if err != nil {
		return fmt.Errorf("failed to promote chunk %s: %w", chunk.ChunkID, err)
	}

	logging.StoreDebug("Promoted chunk %s to gardened memory (block=%s)", chunk.ChunkID, sourceBlockID)
	return nil
}

// SearchGardenedMemory ranks gardened chunks against the query vector and
// returns hits at or above the similarity threshold, best first. Sticky tags
// are joined in from block_metadata, never read from the chunks themselves.
func (s *Store) SearchGardenedMemory(queryVec []float32, k int, threshold float64) ([]types.MemoryHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 5
	}

	var hits []types.MemoryHit
	var err error
	if s.vectorExt {
		hits, err = s.searchGardenedSQL(queryVec, k, threshold)
	} else {
		hits, err = s.searchGardenedScan(queryVec, k, threshold)
	}
	if err != nil {
		return nil, err
	}

	// Join sticky tags once per source block.
	tagsByBlock := make(map[string][]types.GlobalTag)
	for i := range hits {
		blockID := hits[i].SourceBlockID
		if _, ok := tagsByBlock[blockID]; !ok {
			meta, err := s.loadBlockMetadata(blockID)
			if err != nil {
				logging.StoreDebug("No metadata for block %s: %v", blockID, err)
				tagsByBlock[blockID] = nil
				continue
			}
			tagsByBlock[blockID] = meta.GlobalTags
		}
		hits[i].GlobalTags = tagsByBlock[blockID]
	}
	return hits, nil
}

func (s *Store) searchGardenedSQL(queryVec []float32, k int, threshold float64) ([]types.MemoryHit, error) {
	// distance = 1 - cosine; similarity >= threshold means distance <= 1 - threshold.
	rows, err := s.db.Query(`
		SELECT chunk_id, text, source_block_id, turn_ordinal, source_date, dist FROM (
			SELECT g.chunk_id, g.text, g.source_block_id, g.turn_ordinal, g.source_date,
			       vector_distance_cos(e.embedding, ?) AS dist
			FROM gardened_memory g
			JOIN embeddings e ON e.chunk_id = g.chunk_id
		)
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT ?`,
		EncodeVector(queryVec), 1.0-threshold, k)
	if err != nil {
		return nil, fmt.Errorf("gardened memory search failed: %w", err)
	}
	defer rows.Close()

	var hits []types.MemoryHit
	for rows.Next() {
		var h types.MemoryHit
		var dist float64
		if err := rows.Scan(&h.ChunkID, &h.Text, &h.SourceBlockID, &h.TurnOrdinal, &h.SourceDate, &dist); err != nil {
			return nil, fmt.Errorf("failed to scan memory hit: %w", err)
		}
		h.Similarity = 1.0 - dist
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchGardenedScan is the in-process fallback when the SQL distance
// function is unavailable.
func (s *Store) searchGardenedScan(queryVec []float32, k int, threshold float64) ([]types.MemoryHit, error) {
	rows, err := s.db.Query(`
		SELECT g.chunk_id, g.text, g.source_block_id, g.turn_ordinal, g.source_date, e.embedding
		FROM gardened_memory g
		JOIN embeddings e ON e.chunk_id = g.chunk_id`)
	if err != nil {
		return nil, fmt.Errorf("gardened memory scan failed: %w", err)
	}
	defer rows.Close()

	var hits []types.MemoryHit
	for rows.Next() {
		var h types.MemoryHit
		var blob []byte
		if err := rows.Scan(&h.ChunkID, &h.Text, &h.SourceBlockID, &h.TurnOrdinal, &h.SourceDate, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		sim, ok := cosine(queryVec, vec)
		if !ok || sim < threshold {
			continue
		}
		h.Similarity = sim
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		af := float64(a[i])
		bf := float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
