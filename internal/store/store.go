// Package store implements the MemoryStore: the embeddings.sqlite database
// holding memory rows with their float32 embedding blobs, plus system_meta.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"agentos/internal/logging"
)

// defaultRequireVec controls whether the sqlite-vec extension is mandatory.
// The portable path is an in-memory cosine scan; vec0 only accelerates it.
const defaultRequireVec = false

// MemoryStore is the single source of truth for memory rows and embeddings.
// All reads and writes go through one connection guarded by an RWMutex; the
// database runs in WAL mode with synchronous=NORMAL.
type MemoryStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// NewMemoryStore initializes the SQLite database at the given path.
// Schema mismatch on initialization is fatal.
func NewMemoryStore(path string) (*MemoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewMemoryStore")
	defer timer.Stop()

	logging.Store("Initializing MemoryStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	applyPragmas(db)

	s := &MemoryStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if defaultRequireVec && !s.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; rebuild with the sqlite_vec build tag to enable ANN search")
	}
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; using in-memory cosine scan")
	}

	logging.Store("MemoryStore initialization complete")
	return s, nil
}

// applyPragmas sets the shared SQLite options used by every AgentOS store.
// synchronous=NORMAL is safe because WAL already provides crash recovery.
func applyPragmas(db *sql.DB) {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Failed to apply %q: %v", pragma, err)
		}
	}
}

// initialize creates the required tables.
func (s *MemoryStore) initialize() error {
	memoriesTable := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		directory TEXT NOT NULL,
		title TEXT,
		scope TEXT NOT NULL,
		priority REAL NOT NULL DEFAULT 0.5,
		confidence TEXT NOT NULL DEFAULT 'active',
		status TEXT NOT NULL DEFAULT 'active',
		tags TEXT,
		token_count INTEGER NOT NULL DEFAULT 0,
		created DATETIME NOT NULL,
		last_used DATETIME,
		usage_count INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		content TEXT NOT NULL,
		supersedes TEXT,
		related TEXT,
		expires DATETIME,
		composite_embedding BLOB,
		directory_embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);
	CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
	CREATE INDEX IF NOT EXISTS idx_memories_directory ON memories(directory);
	CREATE INDEX IF NOT EXISTS idx_memories_path ON memories(path);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS system_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{memoriesTable, metaTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *MemoryStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Close closes the database connection.
func (s *MemoryStore) Close() error {
	logging.Store("Closing MemoryStore database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *MemoryStore) GetDB() *sql.DB {
	return s.db
}

// =============================================================================
// SYSTEM META
// =============================================================================

// SetMeta upserts a system_meta key.
func (s *MemoryStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO system_meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads a system_meta key; missing keys return "".
func (s *MemoryStore) GetMeta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM system_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// GetStats returns row counts for the store.
func (s *MemoryStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM memories GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		stats["status_"+status] = count
		total += count
	}
	stats["total"] = total
	return stats, nil
}
