// Package usage tracks memory retrieval usage and token spend in its own
// SQLite database (usage.sqlite). Tracking is observational: failures here
// never fail a retrieval.
package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// Tracker records memory-use events and per-session token spend.
type Tracker struct {
	db      *sql.DB
	mu      sync.Mutex
	enabled bool
}

// NewTracker opens (or creates) the usage database at path.
func NewTracker(path string) (*Tracker, error) {
	logging.Usage("Initializing usage tracker at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.UsageDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT NOT NULL,
		session_id TEXT,
		used_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_memory ON usage_events(memory_id);
	CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_events(used_at);

	CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		session_id TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_model ON token_usage(model);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage schema: %w", err)
	}

	return &Tracker{db: db, enabled: true}, nil
}

// Close closes the database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Enabled reports whether usage tracking is active. The staleness analyzer
// only trusts last_used when this is true.
func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled toggles tracking.
func (t *Tracker) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

// RecordUse logs a retrieval hit for a memory. Disabled trackers drop the
// event silently.
func (t *Tracker) RecordUse(memoryID, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return nil
	}

	_, err := t.db.Exec(
		"INSERT INTO usage_events (memory_id, session_id, used_at) VALUES (?, ?, ?)",
		memoryID, sessionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to record usage for %s: %v", memoryID, err)
	}
	return nil
}

// RecordTokens logs token spend for a model call.
func (t *Tracker) RecordTokens(model, sessionID string, inputTokens, outputTokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return nil
	}

	_, err := t.db.Exec(
		"INSERT INTO token_usage (model, session_id, input_tokens, output_tokens, recorded_at) VALUES (?, ?, ?, ?, ?)",
		model, sessionID, inputTokens, outputTokens, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to record tokens for %s: %v", model, err)
	}
	return nil
}

// UseCount returns how many times a memory has been retrieved.
func (t *Tracker) UseCount(memoryID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	err := t.db.QueryRow("SELECT COUNT(*) FROM usage_events WHERE memory_id = ?", memoryID).Scan(&n)
	if err != nil {
		return 0, types.Storef("failed to count usage for %s: %v", memoryID, err)
	}
	return n, nil
}

// LastUsed returns the most recent use time of a memory, or zero if never.
func (t *Tracker) LastUsed(memoryID string) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ts sql.NullString
	err := t.db.QueryRow("SELECT MAX(used_at) FROM usage_events WHERE memory_id = ?", memoryID).Scan(&ts)
	if err != nil {
		return time.Time{}, types.Storef("failed to read last use for %s: %v", memoryID, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, nil
	}
	return parsed, nil
}

// TokenTotals aggregates token spend per model.
func (t *Tracker) TokenTotals() (map[string][2]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(
		"SELECT model, SUM(input_tokens), SUM(output_tokens) FROM token_usage GROUP BY model")
	if err != nil {
		return nil, types.Storef("failed to aggregate token usage: %v", err)
	}
	defer rows.Close()

	totals := make(map[string][2]int64)
	for rows.Next() {
		var model string
		var in, out int64
		if err := rows.Scan(&model, &in, &out); err != nil {
			continue
		}
		totals[model] = [2]int64{in, out}
	}
	return totals, rows.Err()
}

// =============================================================================
// HEALTH REPORT
// =============================================================================

// MemoryHealth is one memory's usage summary inside a HealthReport.
type MemoryHealth struct {
	MemoryID string    `json:"memory_id"`
	Path     string    `json:"path"`
	UseCount int64     `json:"use_count"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

// HealthReport summarizes corpus usage health: which memories pull their
// weight and which have gone cold.
type HealthReport struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	TotalMemories  int            `json:"total_memories"`
	NeverUsed      []MemoryHealth `json:"never_used"`
	Stale          []MemoryHealth `json:"stale"` // not used within the window
	TopUsed        []MemoryHealth `json:"top_used"`
	TrackingActive bool           `json:"tracking_active"`
}

// BuildHealthReport cross-references the given memories against recorded
// usage. staleWindow bounds how long a memory may go unused before it is
// reported stale; never-used memories are reported separately.
func (t *Tracker) BuildHealthReport(memories []*types.Memory, staleWindow time.Duration) (*HealthReport, error) {
	report := &HealthReport{
		GeneratedAt:    time.Now().UTC(),
		TotalMemories:  len(memories),
		TrackingActive: t.Enabled(),
	}
	cutoff := time.Now().UTC().Add(-staleWindow)

	var used []MemoryHealth
	for _, m := range memories {
		count, err := t.UseCount(m.ID)
		if err != nil {
			return nil, err
		}
		last, err := t.LastUsed(m.ID)
		if err != nil {
			return nil, err
		}

		h := MemoryHealth{MemoryID: m.ID, Path: m.Path, UseCount: count, LastUsed: last}
		switch {
		case count == 0:
			report.NeverUsed = append(report.NeverUsed, h)
		case last.Before(cutoff):
			report.Stale = append(report.Stale, h)
			used = append(used, h)
		default:
			used = append(used, h)
		}
	}

	sort.Slice(used, func(i, j int) bool {
		if used[i].UseCount != used[j].UseCount {
			return used[i].UseCount > used[j].UseCount
		}
		return used[i].MemoryID < used[j].MemoryID
	})
	if len(used) > 10 {
		used = used[:10]
	}
	report.TopUsed = used

	logging.Usage("Health report: %d memories, %d never used, %d stale",
		report.TotalMemories, len(report.NeverUsed), len(report.Stale))
	return report, nil
}
