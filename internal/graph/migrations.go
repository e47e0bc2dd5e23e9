package graph

// Versioned schema migrations for the graph database. The schema version
// lives in PRAGMA user_version; each migration moves it one step. Statements
// are written to be re-runnable so migrating an already-current database is
// a no-op.

import (
	"fmt"
	"strings"
	"time"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// Schema versions:
// v1: nodes and edges tables with type indexes
// v2: edge type index for per-type stats queries
// v3: tag usage_count column on nodes
const CurrentSchemaVersion = 3

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS nodes (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				properties TEXT,
				created DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type)`,
			`CREATE TABLE IF NOT EXISTS edges (
				from_id TEXT NOT NULL,
				to_id TEXT NOT NULL,
				type TEXT NOT NULL,
				weight REAL NOT NULL DEFAULT 1.0,
				properties TEXT,
				created DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (from_id, to_id, type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, type)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type)`,
		},
	},
	{
		version: 2,
		name:    "edge type index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type)`,
		},
	},
	{
		version: 3,
		name:    "node usage counter",
		stmts: []string{
			`ALTER TABLE nodes ADD COLUMN usage_count INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// MigrationResult summarizes one Migrate call.
type MigrationResult struct {
	FromVersion int           `json:"from_version"`
	ToVersion   int           `json:"to_version"`
	Applied     int           `json:"applied"`
	Duration    time.Duration `json:"duration"`
}

// SchemaVersion returns the database's current schema version.
func (g *GraphStore) SchemaVersion() (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.schemaVersionLocked()
}

func (g *GraphStore) schemaVersionLocked() (int, error) {
	var v int
	if err := g.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, types.Storef("failed to read schema version: %v", err)
	}
	return v, nil
}

// Migrate applies every pending migration in order and stamps the new
// schema version. Migrating a current database applies nothing.
func (g *GraphStore) Migrate() (*MigrationResult, error) {
	start := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	from, err := g.schemaVersionLocked()
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{FromVersion: from, ToVersion: from}
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		tx, err := g.db.Begin()
		if err != nil {
			return nil, types.Storef("failed to begin migration v%d: %v", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				// ALTER TABLE ADD COLUMN has no IF NOT EXISTS; a duplicate
				// column means the step already ran.
				if isDuplicateColumn(err) {
					continue
				}
				tx.Rollback()
				return nil, types.Storef("migration v%d (%s) failed: %v", m.version, m.name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, types.Storef("failed to commit migration v%d: %v", m.version, err)
		}
		if _, err := g.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return nil, types.Storef("failed to stamp schema version %d: %v", m.version, err)
		}
		result.ToVersion = m.version
		result.Applied++
		logging.Graph("Applied graph migration v%d: %s", m.version, m.name)
	}

	result.Duration = time.Since(start)
	if result.Applied == 0 {
		logging.GraphDebug("Graph schema already at v%d", from)
	}
	return result, nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
