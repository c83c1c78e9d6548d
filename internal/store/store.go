// Package store implements the single-file SQLite storage layer: the
// short-term daily ledger, the append-only fact store, chunk embeddings,
// gardened long-term memory with sticky block metadata, and dossiers with
// their facts, embeddings, and provenance log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"hmlr/internal/logging"
)

// Store wraps the SQLite database. Writes are serialized behind the mutex;
// reads take the shared lock.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // vector_distance_cos usable in SQL
}

// New opens (or creates) the database at the given path and initializes the
// schema. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVecFunction()
	if s.vectorExt {
		logging.Store("vector_distance_cos available; ranking embeddings in SQL")
	} else {
		logging.Get(logging.CategoryStore).Warn("vector_distance_cos unavailable; falling back to in-process cosine")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	// Short-term ledger: one row per bridge block. Turn text lives in turns.
	ledgerTable := `
	CREATE TABLE IF NOT EXISTS daily_ledger (
		block_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		topic_label TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		open_loops TEXT NOT NULL DEFAULT '[]',
		decisions TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_status ON daily_ledger(status);
	`

	turnsTable := `
	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		block_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		ai_text TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(block_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_block ON turns(block_id);
	`

	// Append-only. Rotations insert new rows; newest wins via created_at DESC.
	factTable := `
	CREATE TABLE IF NOT EXISTS fact_store (
		fact_id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		source_block_id TEXT,
		source_chunk_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_block ON fact_store(source_block_id);
	CREATE INDEX IF NOT EXISTS idx_facts_chunk ON fact_store(source_chunk_id);
	`

	// Chunk vectors, float32 LE blobs keyed by chunk_id.
	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	// Long-term chunk store. Tags are NOT stored here; they live once per
	// block in block_metadata and are joined at read time.
	gardenedTable := `
	CREATE TABLE IF NOT EXISTS gardened_memory (
		chunk_id TEXT PRIMARY KEY,
		parent_id TEXT,
		level TEXT NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		source_block_id TEXT NOT NULL,
		turn_ordinal INTEGER NOT NULL DEFAULT 0,
		source_date TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gardened_block ON gardened_memory(source_block_id);
	`

	metadataTable := `
	CREATE TABLE IF NOT EXISTS block_metadata (
		block_id TEXT PRIMARY KEY,
		global_tags TEXT NOT NULL DEFAULT '[]',
		section_rules TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	`

	dossierTables := `
	CREATE TABLE IF NOT EXISTS dossiers (
		dossier_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		permissions TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dossier_facts (
		fact_id TEXT PRIMARY KEY,
		dossier_id TEXT NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		source_block_id TEXT,
		source_turn_id TEXT,
		confidence REAL NOT NULL DEFAULT 1.0,
		added_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dossier_facts_dossier ON dossier_facts(dossier_id);

	CREATE TABLE IF NOT EXISTS dossier_fact_embeddings (
		fact_id TEXT PRIMARY KEY,
		dossier_id TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dossier_embeddings_dossier ON dossier_fact_embeddings(dossier_id);

	CREATE TABLE IF NOT EXISTS dossier_provenance (
		provenance_id TEXT PRIMARY KEY,
		dossier_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		source_block_id TEXT,
		details TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provenance_dossier ON dossier_provenance(dossier_id);
	`

	for _, schema := range []string{
		ledgerTable, turnsTable, factTable, embeddingsTable,
		gardenedTable, metadataTable, dossierTables,
	} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// detectVecFunction probes for vector_distance_cos. Registration happens in
// this package's init, but the probe keeps us honest if the driver changes.
func (s *Store) detectVecFunction() {
	zero := EncodeVector([]float32{1, 0})
	var dist float64
	err := s.db.QueryRow("SELECT vector_distance_cos(?, ?)", zero, zero).Scan(&dist)
	s.vectorExt = err == nil
	if err != nil {
		logging.StoreDebug("vector_distance_cos probe failed: %v", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// GetStats returns row counts per table for the stats surface.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"daily_ledger", "turns", "fact_store", "embeddings",
		"gardened_memory", "block_metadata",
		"dossiers", "dossier_facts", "dossier_fact_embeddings", "dossier_provenance",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
