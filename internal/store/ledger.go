package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// BRIDGE BLOCKS
// =============================================================================

// CreateBlock inserts a new bridge block into the daily ledger.
func (s *Store) CreateBlock(block *types.BridgeBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keywords := marshalJSON(block.Keywords)
	openLoops := marshalJSON(block.OpenLoops)
	decisions := marshalJSON(block.Decisions)

	_, err := s.db.Exec(`
		INSERT INTO daily_ledger (block_id, status, topic_label, keywords, summary, open_loops, decisions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.BlockID, string(block.Status), block.TopicLabel, keywords,
		block.Summary, openLoops, decisions, block.CreatedAt, block.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create block %s: %w", block.BlockID, err)
	}

	logging.Store("Created block %s status=%s label=%q", block.BlockID, block.Status, block.TopicLabel)
	return nil
}

// GetBlock loads a block and its ordered turns.
func (s *Store) GetBlock(blockID string) (*types.BridgeBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, err := s.scanBlock(s.db.QueryRow(`
		SELECT block_id, status, topic_label, keywords, summary, open_loops, decisions, created_at, updated_at
		FROM daily_ledger WHERE block_id = ?`, blockID))
	if err != nil {
		return nil, err
	}

	turns, err := s.loadTurns(blockID)
	if err != nil {
		return nil, err
	}
	block.Turns = turns
	return block, nil
}

// GetLedgerSnapshot returns the compact per-block view the Governor routes
// against. Turn lists are deliberately omitted.
func (s *Store) GetLedgerSnapshot() ([]types.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT block_id, status, topic_label, keywords, summary
		FROM daily_ledger ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger snapshot: %w", err)
	}
	defer rows.Close()

	var entries []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var status, keywords string
		if err := rows.Scan(&e.BlockID, &status, &e.TopicLabel, &keywords, &e.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Status = types.BlockStatus(status)
		unmarshalJSON(keywords, &e.Keywords)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActiveBlockIDs returns the IDs of all ACTIVE blocks, oldest first.
// There should be at most one; the Governor repairs violations.
func (s *Store) ActiveBlockIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT block_id FROM daily_ledger WHERE status = ? ORDER BY created_at ASC`,
		string(types.BlockActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active blocks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetBlockStatus updates a block's lifecycle status.
func (s *Store) SetBlockStatus(blockID string, status types.BlockStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE daily_ledger SET status = ?, updated_at = ? WHERE block_id = ?`,
		string(status), types.Now(), blockID)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s not found", blockID)
	}

	logging.StoreDebug("Block %s status -> %s", blockID, status)
	return nil
}

// UpdateBlockFields writes the Governor's accumulated fields after a routed
// turn: the unioned keyword set, the regenerated rolling summary, the topic
// label, and any open loops / decisions.
func (s *Store) UpdateBlockFields(blockID, topicLabel, summary string, keywords, openLoops, decisions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE daily_ledger
		SET topic_label = ?, summary = ?, keywords = ?, open_loops = ?, decisions = ?, updated_at = ?
		WHERE block_id = ?`,
		topicLabel, summary, marshalJSON(keywords), marshalJSON(openLoops),
		marshalJSON(decisions), types.Now(), blockID)
	if err != nil {
		return fmt.Errorf("failed to update block %s: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s not found", blockID)
	}
	return nil
}

// DeleteBlock removes a block and its turns from the short-term ledger.
// This is the Gardener's commit boundary; everything durable must already be
// in block_metadata, gardened_memory, and dossiers.
func (s *Store) DeleteBlock(blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete of %s: %w", blockID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM turns WHERE block_id = ?", blockID); err != nil {
		return fmt.Errorf("failed to delete turns of %s: %w", blockID, err)
	}
	res, err := tx.Exec("DELETE FROM daily_ledger WHERE block_id = ?", blockID)
	if err != nil {
		return fmt.Errorf("failed to delete block %s: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s not found", blockID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", blockID, err)
	}

	logging.Store("Deleted block %s from daily ledger", blockID)
	return nil
}

// =============================================================================
// TURNS
// =============================================================================

// AppendTurn appends a turn to a block, assigning the next ordinal.
func (s *Store) AppendTurn(turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM daily_ledger WHERE block_id = ?", turn.BlockID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check block %s: %w", turn.BlockID, err)
	}
	if exists == 0 {
		return fmt.Errorf("block %s not found", turn.BlockID)
	}

	var maxOrdinal sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(ordinal) FROM turns WHERE block_id = ?", turn.BlockID).Scan(&maxOrdinal); err != nil {
		return fmt.Errorf("failed to compute turn ordinal: %w", err)
	}
	turn.Ordinal = int(maxOrdinal.Int64) + 1

	_, err := s.db.Exec(`
		INSERT INTO turns (turn_id, block_id, ordinal, user_text, ai_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.BlockID, turn.Ordinal, turn.UserText, turn.AIText, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append turn %s: %w", turn.TurnID, err)
	}

	if _, err := s.db.Exec("UPDATE daily_ledger SET updated_at = ? WHERE block_id = ?",
		types.Now(), turn.BlockID); err != nil {
		return fmt.Errorf("failed to touch block %s: %w", turn.BlockID, err)
	}

	logging.StoreDebug("Appended turn %s to block %s ordinal=%d", turn.TurnID, turn.BlockID, turn.Ordinal)
	return nil
}

// GetTurns returns a block's turns in ordinal order.
func (s *Store) GetTurns(blockID string) ([]types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadTurns(blockID)
}

func (s *Store) loadTurns(blockID string) ([]types.Turn, error) {
	rows, err := s.db.Query(`
		SELECT turn_id, block_id, ordinal, user_text, ai_text, created_at
		FROM turns WHERE block_id = ? ORDER BY ordinal ASC`, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns of %s: %w", blockID, err)
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		if err := rows.Scan(&t.TurnID, &t.BlockID, &t.Ordinal, &t.UserText, &t.AIText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanBlock(row rowScanner) (*types.BridgeBlock, error) {
	var b types.BridgeBlock
	var status, keywords, openLoops, decisions string
	err := row.Scan(&b.BlockID, &status, &b.TopicLabel, &keywords, &b.Summary,
		&openLoops, &decisions, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan block: %w", err)
	}
	b.Status = types.BlockStatus(status)
	unmarshalJSON(keywords, &b.Keywords)
	unmarshalJSON(openLoops, &b.OpenLoops)
	unmarshalJSON(decisions, &b.Decisions)
	return &b, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func unmarshalJSON(data string, v interface{}) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		logging.StoreDebug("Failed to unmarshal JSON column: %v", err)
	}
}
