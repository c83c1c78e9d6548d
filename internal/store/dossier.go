package store

import (
	"database/sql"
	"fmt"
	"sort"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// =============================================================================
// DOSSIERS
// =============================================================================

// CreateDossier inserts a new dossier row.
func (s *Store) CreateDossier(d *types.Dossier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO dossiers (dossier_id, title, summary, status, permissions, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DossierID, d.Title, d.Summary, d.Status, d.Permissions, d.CreatedAt, d.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create dossier %s: %w", d.DossierID, err)
	}

	logging.Store("Created dossier %s title=%q", d.DossierID, d.Title)
	return nil
}

// GetDossier loads one dossier row.
func (s *Store) GetDossier(dossierID string) (*types.Dossier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadDossier(dossierID)
}

func (s *Store) loadDossier(dossierID string) (*types.Dossier, error) {
	var d types.Dossier
	err := s.db.QueryRow(`
		SELECT dossier_id, title, summary, status, permissions, created_at, last_updated
		FROM dossiers WHERE dossier_id = ?`, dossierID).
		Scan(&d.DossierID, &d.Title, &d.Summary, &d.Status, &d.Permissions, &d.CreatedAt, &d.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dossier %s not found", dossierID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dossier %s: %w", dossierID, err)
	}
	return &d, nil
}

// ListDossiers returns all dossiers, most recently updated first.
func (s *Store) ListDossiers() ([]types.Dossier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT dossier_id, title, summary, status, permissions, created_at, last_updated
		FROM dossiers ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dossiers: %w", err)
	}
	defer rows.Close()

	var dossiers []types.Dossier
	for rows.Next() {
		var d types.Dossier
		if err := rows.Scan(&d.DossierID, &d.Title, &d.Summary, &d.Status, &d.Permissions, &d.CreatedAt, &d.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan dossier: %w", err)
		}
		dossiers = append(dossiers, d)
	}
	return dossiers, rows.Err()
}

// UpdateDossierSummary rewrites a dossier's summary and bumps last_updated.
func (s *Store) UpdateDossierSummary(dossierID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE dossiers SET summary = ?, last_updated = ? WHERE dossier_id = ?`,
		summary, types.Now(), dossierID)
	if err != nil {
		return fmt.Errorf("failed to update summary of dossier %s: %w", dossierID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dossier %s not found", dossierID)
	}
	return nil
}

// =============================================================================
// DOSSIER FACTS
// =============================================================================

// InsertDossierFact appends a fact and its embedding to a dossier in one
// transaction. Every dossier fact carries exactly one embedding row.
func (s *Store) InsertDossierFact(fact *types.DossierFact, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vec) == 0 {
		return fmt.Errorf("refusing to insert dossier fact %s without embedding", fact.FactID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin dossier fact insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO dossier_facts (fact_id, dossier_id, text, type, source_block_id, source_turn_id, confidence, added_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		fact.FactID, fact.DossierID, fact.Text, fact.Type,
		fact.SourceBlockID, fact.SourceTurnID, fact.Confidence, fact.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dossier fact %s: %w", fact.FactID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO dossier_fact_embeddings (fact_id, dossier_id, embedding)
		VALUES (?, ?, ?)`,
		fact.FactID, fact.DossierID, EncodeVector(vec))
	if err != nil {
		return fmt.Errorf("failed to insert embedding for dossier fact %s: %w", fact.FactID, err)
	}

	if _, err := tx.Exec("UPDATE dossiers SET last_updated = ? WHERE dossier_id = ?",
		types.Now(), fact.DossierID); err != nil {
		return fmt.Errorf("failed to touch dossier %s: %w", fact.DossierID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dossier fact %s: %w", fact.FactID, err)
	}

	logging.StoreDebug("Inserted dossier fact %s into %s", fact.FactID, fact.DossierID)
	return nil
}

// GetDossierFacts returns a dossier's facts, oldest first.
func (s *Store) GetDossierFacts(dossierID string) ([]types.DossierFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT fact_id, dossier_id, text, type, COALESCE(source_block_id, ''), COALESCE(source_turn_id, ''), confidence, added_at
		FROM dossier_facts WHERE dossier_id = ?
		ORDER BY added_at ASC, rowid ASC`, dossierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts of dossier %s: %w", dossierID, err)
	}
	defer rows.Close()

	var facts []types.DossierFact
	for rows.Next() {
		var f types.DossierFact
		if err := rows.Scan(&f.FactID, &f.DossierID, &f.Text, &f.Type, &f.SourceBlockID, &f.SourceTurnID, &f.Confidence, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dossier fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// SearchDossierFacts ranks dossier fact embeddings against the query vector
// and returns hits at or above the threshold, best first.
func (s *Store) SearchDossierFacts(queryVec []float32, k int, threshold float64) ([]types.DossierHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}

	if s.vectorExt {
		return s.searchDossierSQL(queryVec, k, threshold)
	}
	return s.searchDossierScan(queryVec, k, threshold)
}

func (s *Store) searchDossierSQL(queryVec []float32, k int, threshold float64) ([]types.DossierHit, error) {
	rows, err := s.db.Query(`
		SELECT fact_id, dossier_id, text, dist FROM (
			SELECT f.fact_id, f.dossier_id, f.text,
			       vector_distance_cos(e.embedding, ?) AS dist
			FROM dossier_facts f
			JOIN dossier_fact_embeddings e ON e.fact_id = f.fact_id
		)
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT ?`,
		EncodeVector(queryVec), 1.0-threshold, k)
	if err != nil {
		return nil, fmt.Errorf("dossier fact search failed: %w", err)
	}
	defer rows.Close()

	var hits []types.DossierHit
	for rows.Next() {
		var h types.DossierHit
		var dist float64
		if err := rows.Scan(&h.FactID, &h.DossierID, &h.Text, &dist); err != nil {
			return nil, fmt.Errorf("failed to scan dossier hit: %w", err)
		}
		h.Similarity = 1.0 - dist
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) searchDossierScan(queryVec []float32, k int, threshold float64) ([]types.DossierHit, error) {
	rows, err := s.db.Query(`
		SELECT f.fact_id, f.dossier_id, f.text, e.embedding
		FROM dossier_facts f
		JOIN dossier_fact_embeddings e ON e.fact_id = f.fact_id`)
	if err != nil {
		return nil, fmt.Errorf("dossier fact scan failed: %w", err)
	}
	defer rows.Close()

	var hits []types.DossierHit
	for rows.Next() {
		var h types.DossierHit
		var blob []byte
		if err := rows.Scan(&h.FactID, &h.DossierID, &h.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan dossier row: %w", err)
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

// =============================================================================
// PROVENANCE
// =============================================================================

// AddProvenance appends one row to a dossier's audit log.
func (s *Store) AddProvenance(entry *types.ProvenanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO dossier_provenance (provenance_id, dossier_id, operation, source_block_id, details, timestamp)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		entry.ProvenanceID, entry.DossierID, entry.Operation, entry.SourceBlockID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to add provenance for dossier %s: %w", entry.DossierID, err)
	}
	return nil
}

// GetProvenance returns a dossier's audit log, oldest first.
func (s *Store) GetProvenance(dossierID string) ([]types.ProvenanceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT provenance_id, dossier_id, operation, COALESCE(source_block_id, ''), details, timestamp
		FROM dossier_provenance WHERE dossier_id = ?
		ORDER BY timestamp ASC, rowid ASC`, dossierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provenance of dossier %s: %w", dossierID, err)
	}
	defer rows.Close()

	var entries []types.ProvenanceEntry
	for rows.Next() {
		var e types.ProvenanceEntry
		if err := rows.Scan(&e.ProvenanceID, &e.DossierID, &e.Operation, &e.SourceBlockID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan provenance entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
