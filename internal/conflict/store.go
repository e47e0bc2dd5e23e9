// Package conflict implements conflict detection and resolution: stateless
// analyzers, the detector orchestration, the merger, the resolver, and the
// conflicts.sqlite store that tracks conflicts as first-class entities.
package conflict

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// ConflictStore persists conflicts, scan audit rows, and the resolution log.
type ConflictStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewConflictStore opens (or creates) the conflict database at path.
func NewConflictStore(path string) (*ConflictStore, error) {
	logging.Conflicts("Initializing ConflictStore at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open conflict database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.ConflictsDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		method TEXT NOT NULL,
		confidence REAL NOT NULL,
		description TEXT,
		evidence TEXT,
		status TEXT NOT NULL DEFAULT 'unresolved',
		memory_1 TEXT NOT NULL,
		memory_2 TEXT,
		pair_hash TEXT NOT NULL,
		role_1 TEXT,
		role_2 TEXT,
		resolution_action TEXT,
		resolved_by TEXT,
		resolved_at DATETIME,
		suppressed_until DATETIME,
		scan_id TEXT,
		created DATETIME NOT NULL,
		updated DATETIME NOT NULL
	);
	-- One live conflict per unordered pair; dismissed rows drop out of the
	-- uniqueness domain so a pair can be re-detected later.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_pair_live
		ON conflicts(pair_hash) WHERE status != 'dismissed';
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);

	CREATE TABLE IF NOT EXISTS conflict_scans (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		target_memory TEXT,
		methods TEXT,
		started DATETIME NOT NULL,
		finished DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		memories_scanned INTEGER NOT NULL,
		candidate_count INTEGER NOT NULL,
		new_conflicts INTEGER NOT NULL,
		existing_updated INTEGER NOT NULL,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS resolution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conflict_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		memories_modified TEXT,
		memories_deprecated TEXT,
		memories_created TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolution_conflict ON resolution_log(conflict_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conflict schema: %w", err)
	}

	return &ConflictStore{db: db}, nil
}

// Close closes the database connection.
func (s *ConflictStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONFLICT CRUD
// =============================================================================

// CreateConflict persists a new conflict. A live (non-dismissed) conflict
// already holding the pair hash yields ErrConflict.
func (s *ConflictStore) CreateConflict(c *types.Conflict) error {
	if c.ID == "" {
		return types.Validationf("conflict id is empty")
	}
	if c.PairHash == "" {
		c.PairHash = types.PairHash(c.Memory1, c.Memory2)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evidenceJSON, _ := json.Marshal(c.Evidence)
	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now

	_, err := s.db.Exec(`
		INSERT INTO conflicts (
			id, type, method, confidence, description, evidence, status,
			memory_1, memory_2, pair_hash, role_1, role_2,
			resolution_action, resolved_by, resolved_at, suppressed_until,
			scan_id, created, updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), string(c.Method), c.Confidence, c.Description,
		string(evidenceJSON), string(c.Status), c.Memory1, c.Memory2,
		c.PairHash, c.Role1, c.Role2, c.ResolutionAction, c.ResolvedBy,
		nullTime(c.ResolvedAt), nullTime(c.SuppressedUntil), c.ScanID,
		c.Created.Format(time.RFC3339), c.Updated.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return types.Conflictf("live conflict already exists for pair %s", c.PairHash)
		}
		return types.Storef("failed to create conflict %s: %v", c.ID, err)
	}
	logging.Conflicts("Created conflict %s (%s, pair=%s, confidence=%.2f)",
		c.ID, c.Type, c.PairHash, c.Confidence)
	return nil
}

// UpdateConflict replaces the mutable fields of an existing conflict.
func (s *ConflictStore) UpdateConflict(c *types.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evidenceJSON, _ := json.Marshal(c.Evidence)
	c.Updated = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE conflicts SET
			type = ?, method = ?, confidence = ?, description = ?, evidence = ?,
			status = ?, role_1 = ?, role_2 = ?, resolution_action = ?,
			resolved_by = ?, resolved_at = ?, suppressed_until = ?, scan_id = ?,
			updated = ?
		WHERE id = ?`,
		string(c.Type), string(c.Method), c.Confidence, c.Description,
		string(evidenceJSON), string(c.Status), c.Role1, c.Role2,
		c.ResolutionAction, c.ResolvedBy, nullTime(c.ResolvedAt),
		nullTime(c.SuppressedUntil), c.ScanID,
		c.Updated.Format(time.RFC3339), c.ID)
	if err != nil {
		return types.Storef("failed to update conflict %s: %v", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("conflict %s", c.ID)
	}
	return nil
}

// GetConflict fetches a conflict by id.
func (s *ConflictStore) GetConflict(id string) (*types.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("conflict %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get conflict %s: %v", id, err)
	}
	return c, nil
}

// GetLiveByPairHash returns the non-dismissed conflict for a pair, if any.
func (s *ConflictStore) GetLiveByPairHash(pairHash string) (*types.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+conflictColumns+
		" FROM conflicts WHERE pair_hash = ? AND status != 'dismissed'", pairHash)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("no live conflict for pair %s", pairHash)
	}
	if err != nil {
		return nil, types.Storef("pair lookup failed: %v", err)
	}
	return c, nil
}

// ListFilter narrows ListConflicts.
type ListFilter struct {
	Status types.ConflictStatus
	Type   types.ConflictType
	Limit  int
}

// ListConflicts returns conflicts newest-first. A deferred conflict whose
// suppression window has lapsed reports as unresolved again.
func (s *ConflictStore) ListConflicts(filter ListFilter) ([]*types.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + conflictColumns + " FROM conflicts WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	query += " ORDER BY created DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("failed to list conflicts: %v", err)
	}
	defer rows.Close()

	var out []*types.Conflict
	now := time.Now().UTC()
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, types.Storef("conflict scan failed: %v", err)
		}
		// Lapsed suppression surfaces as unresolved.
		if c.SuppressedUntil != nil && now.After(*c.SuppressedUntil) {
			c.SuppressedUntil = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Suppressed reports whether a conflict is inside its defer window.
func Suppressed(c *types.Conflict, now time.Time) bool {
	return c.SuppressedUntil != nil && now.Before(*c.SuppressedUntil)
}

// GetStats returns conflict counts by status and type.
func (s *ConflictStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, q := range []struct{ prefix, query string }{
		{"status_", "SELECT status, COUNT(*) FROM conflicts GROUP BY status"},
		{"type_", "SELECT type, COUNT(*) FROM conflicts GROUP BY type"},
	} {
		rows, err := s.db.Query(q.query)
		if err != nil {
			return nil, types.Storef("failed to compute conflict stats: %v", err)
		}
		for rows.Next() {
			var k string
			var n int64
			if err := rows.Scan(&k, &n); err == nil {
				stats[q.prefix+k] = n
			}
		}
		rows.Close()
	}
	return stats, nil
}

// =============================================================================
// SCAN AUDIT AND RESOLUTION LOG
// =============================================================================

// RecordScan persists a scan audit row.
func (s *ConflictStore) RecordScan(rec *types.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	methodsJSON, _ := json.Marshal(rec.Methods)
	_, err := s.db.Exec(`
		INSERT INTO conflict_scans (
			id, mode, target_memory, methods, started, finished, duration_ms,
			memories_scanned, candidate_count, new_conflicts, existing_updated, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Mode, rec.TargetMemory, string(methodsJSON),
		rec.Started.Format(time.RFC3339), rec.Finished.Format(time.RFC3339),
		rec.DurationMs, rec.MemoriesScanned, rec.CandidateCount,
		rec.NewConflicts, rec.ExistingUpdated, rec.Error)
	if err != nil {
		return types.Storef("failed to record scan %s: %v", rec.ID, err)
	}
	return nil
}

// ListScans returns scan audit rows newest-first.
func (s *ConflictStore) ListScans(limit int) ([]*types.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, mode, target_memory, methods, started, finished,
		duration_ms, memories_scanned, candidate_count, new_conflicts,
		existing_updated, error FROM conflict_scans ORDER BY started DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("failed to list scans: %v", err)
	}
	defer rows.Close()

	var out []*types.ScanRecord
	for rows.Next() {
		var rec types.ScanRecord
		var methodsJSON sql.NullString
		var started, finished string
		var target, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Mode, &target, &methodsJSON, &started,
			&finished, &rec.DurationMs, &rec.MemoriesScanned, &rec.CandidateCount,
			&rec.NewConflicts, &rec.ExistingUpdated, &errMsg); err != nil {
			return nil, types.Storef("scan row failed: %v", err)
		}
		rec.TargetMemory = target.String
		rec.Error = errMsg.String
		if methodsJSON.Valid {
			_ = json.Unmarshal([]byte(methodsJSON.String), &rec.Methods)
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			rec.Started = t
		}
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			rec.Finished = t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// AppendResolution writes an immutable audit entry for a resolution attempt.
func (s *ConflictStore) AppendResolution(rec *types.ResolutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	modified, _ := json.Marshal(rec.MemoriesModified)
	deprecated, _ := json.Marshal(rec.MemoriesDeprecated)
	created, _ := json.Marshal(rec.MemoriesCreated)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO resolution_log (
			conflict_id, action, actor, reason,
			memories_modified, memories_deprecated, memories_created, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConflictID, string(rec.Action), rec.Actor, rec.Reason,
		string(modified), string(deprecated), string(created),
		rec.Timestamp.Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to append resolution log: %v", err)
	}
	return nil
}

// GetResolutionLog returns the audit entries for a conflict, oldest first.
func (s *ConflictStore) GetResolutionLog(conflictID string) ([]*types.ResolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT conflict_id, action, actor, reason, memories_modified,
			memories_deprecated, memories_created, timestamp
		FROM resolution_log WHERE conflict_id = ? ORDER BY id`, conflictID)
	if err != nil {
		return nil, types.Storef("failed to read resolution log: %v", err)
	}
	defer rows.Close()

	var out []*types.ResolutionRecord
	for rows.Next() {
		var rec types.ResolutionRecord
		var action, ts string
		var modified, deprecated, created sql.NullString
		if err := rows.Scan(&rec.ConflictID, &action, &rec.Actor, &rec.Reason,
			&modified, &deprecated, &created, &ts); err != nil {
			return nil, types.Storef("resolution log scan failed: %v", err)
		}
		rec.Action = types.ResolutionAction(action)
		if modified.Valid {
			_ = json.Unmarshal([]byte(modified.String), &rec.MemoriesModified)
		}
		if deprecated.Valid {
			_ = json.Unmarshal([]byte(deprecated.String), &rec.MemoriesDeprecated)
		}
		if created.Valid {
			_ = json.Unmarshal([]byte(created.String), &rec.MemoriesCreated)
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.Timestamp = t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

const conflictColumns = `id, type, method, confidence, description, evidence,
	status, memory_1, memory_2, pair_hash, role_1, role_2, resolution_action,
	resolved_by, resolved_at, suppressed_until, scan_id, created, updated`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(r rowScanner) (*types.Conflict, error) {
	var c types.Conflict
	var ctype, method, status string
	var evidenceJSON, memory2, role1, role2, action, resolvedBy sql.NullString
	var resolvedAt, suppressedUntil, scanID sql.NullString
	var created, updated string
	var description sql.NullString

	err := r.Scan(&c.ID, &ctype, &method, &c.Confidence, &description,
		&evidenceJSON, &status, &c.Memory1, &memory2, &c.PairHash,
		&role1, &role2, &action, &resolvedBy, &resolvedAt,
		&suppressedUntil, &scanID, &created, &updated)
	if err != nil {
		return nil, err
	}

	c.Type = types.ConflictType(ctype)
	c.Method = types.DetectionMethod(method)
	c.Status = types.ConflictStatus(status)
	c.Description = description.String
	c.Memory2 = memory2.String
	c.Role1 = role1.String
	c.Role2 = role2.String
	c.ResolutionAction = action.String
	c.ResolvedBy = resolvedBy.String
	c.ScanID = scanID.String
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		_ = json.Unmarshal([]byte(evidenceJSON.String), &c.Evidence)
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		c.Created = t
	}
	if t, err := time.Parse(time.RFC3339, updated); err == nil {
		c.Updated = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}
	if suppressedUntil.Valid {
		if t, err := time.Parse(time.RFC3339, suppressedUntil.String); err == nil {
			c.SuppressedUntil = &t
		}
	}
	return &c, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
