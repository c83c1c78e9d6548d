package store

import (
	"fmt"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// FACT STORE (append-only)
// =============================================================================

// InsertFact appends a fact row. Facts are never updated in place; key
// rotations insert new rows and newest-wins ordering resolves conflicts.
func (s *Store) InsertFact(fact *types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO fact_store (fact_id, key, value, source_block_id, source_chunk_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		fact.FactID, fact.Key, fact.Value, fact.SourceBlockID, fact.SourceChunkID, fact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fact %s: %w", fact.FactID, err)
	}

	logging.StoreDebug("Inserted fact %s key=%q block=%q", fact.FactID, fact.Key, fact.SourceBlockID)
	return nil
}

// GetFactsForBlock returns a block's facts newest first. Ties on created_at
// break by insertion order, also newest first.
func (s *Store) GetFactsForBlock(blockID string) ([]types.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT fact_id, key, value, COALESCE(source_block_id, ''), COALESCE(source_chunk_id, ''), created_at
		FROM fact_store
		WHERE source_block_id = ?
		ORDER BY created_at DESC, rowid DESC`, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts for block %s: %w", blockID, err)
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		var f types.Fact
		if err := rows.Scan(&f.FactID, &f.Key, &f.Value, &f.SourceBlockID, &f.SourceChunkID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// LinkFactsToBlock stamps source_block_id onto every unlinked fact whose
// source_chunk_id carries the given turn timestamp. Chunk IDs derive from the
// turn ID, so the substring match catches the whole turn's extraction batch.
func (s *Store) LinkFactsToBlock(turnTimestamp, blockID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE fact_store
		SET source_block_id = ?
		WHERE source_block_id IS NULL AND source_chunk_id LIKE '%' || ? || '%'`,
		blockID, turnTimestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to link facts to block %s: %w", blockID, err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Linked %d facts to block %s", n, blockID)
	}
	return n, nil
}
