package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// BLOCK METADATA (sticky tags)
// =============================================================================

// UpsertBlockMetadata writes the sticky tags and section rules for a gardened
// block. One row per block; re-gardening replaces it.
func (s *Store) UpsertBlockMetadata(meta *types.BlockMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(meta.GlobalTags)
	if err != nil {
		return fmt.Errorf("failed to marshal global tags: %w", err)
	}
	rules, err := json.Marshal(meta.SectionRules)
	if err != nil {
		return fmt.Errorf("failed to marshal section rules: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO block_metadata (block_id, global_tags, section_rules, created_at)
		VALUES (?, ?, ?, ?)`,
		meta.BlockID, string(tags), string(rules), types.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert metadata for block %s: %w", meta.BlockID, err)
	}

	logging.Store("Wrote block metadata for %s: %d tags, %d section rules",
		meta.BlockID, len(meta.GlobalTags), len(meta.SectionRules))
	return nil
}

// GetBlockMetadata loads the sticky tags for a gardened block.
func (s *Store) GetBlockMetadata(blockID string) (*types.BlockMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadBlockMetadata(blockID)
}

func (s *Store) loadBlockMetadata(blockID string) (*types.BlockMetadata, error) {
	var tags, rules string
	err := s.db.QueryRow(`
		SELECT global_tags, section_rules FROM block_metadata WHERE block_id = ?`,
		blockID).Scan(&tags, &rules)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no metadata for block %s", blockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for block %s: %w", blockID, err)
	}

	meta := &types.BlockMetadata{BlockID: blockID}
	if err := json.Unmarshal([]byte(tags), &meta.GlobalTags); err != nil {
		return nil, fmt.Errorf("corrupt global_tags for block %s: %w", blockID, err)
	}
	if err := json.Unmarshal([]byte(rules), &meta.SectionRules); err != nil {
		return nil, fmt.Errorf("corrupt section_rules for block %s: %w", blockID, err)
	}
	return meta, nil
}
