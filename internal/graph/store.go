// Package graph implements the knowledge graph: typed nodes and directed,
// weighted edges in their own SQLite database (graph.sqlite). The graph is
// derived state; memory files remain the source of truth and the graph can
// always be rebuilt from them.
package graph

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

// Node is a graph vertex. For Memory nodes the id is the memory id; for Tag
// and Scope nodes it is the tag/scope string.
type Node struct {
	ID         string                 `json:"id"`
	Type       types.NodeType         `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Updated    time.Time              `json:"updated"`
}

// GraphStore holds nodes and edges behind a single WAL-mode connection.
type GraphStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewGraphStore opens (or creates) the graph database at path.
func NewGraphStore(path string) (*GraphStore, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "NewGraphStore")
	defer timer.Stop()

	logging.Graph("Initializing GraphStore at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.GraphDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	g := &GraphStore{db: db, dbPath: path}
	if err := g.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Graph("GraphStore initialization complete")
	return g, nil
}

func (g *GraphStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		properties TEXT,
		created DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);

	CREATE TABLE IF NOT EXISTS edges (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		properties TEXT,
		created DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (from_id, to_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, type);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (g *GraphStore) Close() error {
	logging.Graph("Closing GraphStore database connection")
	return g.db.Close()
}

// =============================================================================
// NODES
// =============================================================================

// UpsertNode inserts or replaces a node. Replacement overwrites all
// properties; the caller supplies the complete property set.
func (g *GraphStore) UpsertNode(n Node) error {
	if n.ID == "" {
		return types.Validationf("node id is empty")
	}
	if n.Type == "" {
		return types.Validationf("node %s has no type", n.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	propsJSON, _ := json.Marshal(n.Properties)
	_, err := g.db.Exec(`
		INSERT INTO nodes (id, type, properties, updated) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			properties = excluded.properties,
			updated = CURRENT_TIMESTAMP`,
		n.ID, string(n.Type), string(propsJSON))
	if err != nil {
		return types.Storef("failed to upsert node %s: %v", n.ID, err)
	}
	return nil
}

// GetNode fetches a node by id.
func (g *GraphStore) GetNode(id string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.getNodeLocked(id)
}

func (g *GraphStore) getNodeLocked(id string) (*Node, error) {
	var n Node
	var nodeType string
	var propsJSON sql.NullString
	var updated string

	err := g.db.QueryRow("SELECT id, type, properties, updated FROM nodes WHERE id = ?", id).
		Scan(&n.ID, &nodeType, &propsJSON, &updated)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("node %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get node %s: %v", id, err)
	}

	n.Type = types.NodeType(nodeType)
	if propsJSON.Valid && propsJSON.String != "" {
		_ = json.Unmarshal([]byte(propsJSON.String), &n.Properties)
	}
	if t, err := time.Parse("2006-01-02 15:04:05", updated); err == nil {
		n.Updated = t
	}
	return &n, nil
}

// DeleteNode removes the node and every edge touching it.
func (g *GraphStore) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.Begin()
	if err != nil {
		return types.Storef("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return types.Storef("failed to delete node %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("node %s", id)
	}
	if _, err := tx.Exec("DELETE FROM edges WHERE from_id = ? OR to_id = ?", id, id); err != nil {
		return types.Storef("failed to delete edges for node %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		return types.Storef("failed to commit node deletion: %v", err)
	}

	logging.GraphDebug("Deleted node %s and its edges", id)
	return nil
}

// ListNodes returns nodes of a type; empty type returns all.
func (g *GraphStore) ListNodes(nodeType types.NodeType) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	query := "SELECT id, type, properties, updated FROM nodes"
	var args []interface{}
	if nodeType != "" {
		query += " WHERE type = ?"
		args = append(args, string(nodeType))
	}
	query += " ORDER BY id"

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("failed to list nodes: %v", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var t string
		var propsJSON sql.NullString
		var updated string
		if err := rows.Scan(&n.ID, &t, &propsJSON, &updated); err != nil {
			return nil, types.Storef("failed to scan node: %v", err)
		}
		n.Type = types.NodeType(t)
		if propsJSON.Valid && propsJSON.String != "" {
			_ = json.Unmarshal([]byte(propsJSON.String), &n.Properties)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// =============================================================================
// EDGES
// =============================================================================

// CreateEdge inserts or updates an edge. Edges are unique per
// (from, to, type); re-creating an existing edge replaces its weight and
// properties. Both endpoints must already exist with the node types the edge
// type requires, self-loops are rejected, and a SUPERSEDES edge that would
// close a cycle is rejected.
func (g *GraphStore) CreateEdge(e types.Edge) error {
	if e.FromID == e.ToID {
		return types.Validationf("self-loop edge on %s", e.FromID)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return types.Validationf("edge weight %v out of range [0,1]", e.Weight)
	}
	wantFrom, wantTo, ok := types.EdgeEndpoints(e.Type)
	if !ok {
		return types.Validationf("unknown edge type %q", e.Type)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	from, err := g.getNodeLocked(e.FromID)
	if err != nil {
		return err
	}
	to, err := g.getNodeLocked(e.ToID)
	if err != nil {
		return err
	}
	if from.Type != wantFrom || to.Type != wantTo {
		return types.Validationf("edge %s requires %s->%s, got %s->%s",
			e.Type, wantFrom, wantTo, from.Type, to.Type)
	}

	// SUPERSEDES must stay a DAG: reject if to already (transitively)
	// supersedes from.
	if e.Type == types.EdgeSupersedes {
		if g.reachableLocked(e.ToID, e.FromID, []types.EdgeType{types.EdgeSupersedes}) {
			return types.Validationf("SUPERSEDES edge %s->%s would create a cycle", e.FromID, e.ToID)
		}
	}

	propsJSON, _ := json.Marshal(e.Properties)
	_, err = g.db.Exec(`
		INSERT INTO edges (from_id, to_id, type, weight, properties) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO UPDATE SET
			weight = excluded.weight,
			properties = excluded.properties`,
		e.FromID, e.ToID, string(e.Type), e.Weight, string(propsJSON))
	if err != nil {
		return types.Storef("failed to create edge %s->%s (%s): %v", e.FromID, e.ToID, e.Type, err)
	}

	logging.GraphDebug("Created edge %s -[%s %.2f]-> %s", e.FromID, e.Type, e.Weight, e.ToID)
	return nil
}

// EdgeExists reports whether the exact (from, to, type) edge exists.
func (g *GraphStore) EdgeExists(fromID, toID string, edgeType types.EdgeType) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var n int
	err := g.db.QueryRow("SELECT COUNT(*) FROM edges WHERE from_id = ? AND to_id = ? AND type = ?",
		fromID, toID, string(edgeType)).Scan(&n)
	if err != nil {
		return false, types.Storef("edge existence check failed: %v", err)
	}
	return n > 0, nil
}

// DeleteEdge removes the exact (from, to, type) edge.
func (g *GraphStore) DeleteEdge(fromID, toID string, edgeType types.EdgeType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.db.Exec("DELETE FROM edges WHERE from_id = ? AND to_id = ? AND type = ?",
		fromID, toID, string(edgeType))
	if err != nil {
		return types.Storef("failed to delete edge: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("edge %s->%s (%s)", fromID, toID, edgeType)
	}
	return nil
}

// EdgesFrom returns outgoing edges, optionally filtered by type.
func (g *GraphStore) EdgesFrom(id string, edgeTypes ...types.EdgeType) ([]types.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queryEdgesLocked("from_id", id, edgeTypes)
}

// EdgesTo returns incoming edges, optionally filtered by type.
func (g *GraphStore) EdgesTo(id string, edgeTypes ...types.EdgeType) ([]types.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queryEdgesLocked("to_id", id, edgeTypes)
}

// queryEdgesLocked is the shared edge query. Caller must hold at least a
// read lock; traversal calls this repeatedly without re-acquiring.
func (g *GraphStore) queryEdgesLocked(column, id string, edgeTypes []types.EdgeType) ([]types.Edge, error) {
	query := "SELECT from_id, to_id, type, weight, properties FROM edges WHERE " + column + " = ?"
	args := []interface{}{id}
	if len(edgeTypes) > 0 {
		placeholders := make([]string, len(edgeTypes))
		for i, t := range edgeTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY weight DESC, to_id"

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("edge query failed: %v", err)
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var edgeType string
		var propsJSON sql.NullString
		if err := rows.Scan(&e.FromID, &e.ToID, &edgeType, &e.Weight, &propsJSON); err != nil {
			return nil, types.Storef("edge scan failed: %v", err)
		}
		e.Type = types.EdgeType(edgeType)
		if propsJSON.Valid && propsJSON.String != "" {
			_ = json.Unmarshal([]byte(propsJSON.String), &e.Properties)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// =============================================================================
// STATS AND ADMIN
// =============================================================================

// Stats summarizes graph contents for the status command.
type Stats struct {
	Nodes       int64            `json:"nodes"`
	Edges       int64            `json:"edges"`
	NodesByType map[string]int64 `json:"nodes_by_type"`
	EdgesByType map[string]int64 `json:"edges_by_type"`
}

// GetStats returns node and edge counts grouped by type.
func (g *GraphStore) GetStats() (*Stats, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := &Stats{
		NodesByType: make(map[string]int64),
		EdgesByType: make(map[string]int64),
	}

	rows, err := g.db.Query("SELECT type, COUNT(*) FROM nodes GROUP BY type")
	if err != nil {
		return nil, types.Storef("failed to compute node stats: %v", err)
	}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err == nil {
			stats.NodesByType[t] = n
			stats.Nodes += n
		}
	}
	rows.Close()

	rows, err = g.db.Query("SELECT type, COUNT(*) FROM edges GROUP BY type")
	if err != nil {
		return nil, types.Storef("failed to compute edge stats: %v", err)
	}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err == nil {
			stats.EdgesByType[t] = n
			stats.Edges += n
		}
	}
	rows.Close()

	return stats, nil
}

// ExecuteSQL runs a read-only query and returns rows as maps. This backs the
// graph query admin command; mutating statements are rejected.
func (g *GraphStore) ExecuteSQL(query string) ([]map[string]interface{}, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return nil, types.Validationf("only SELECT queries are allowed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	rows, err := g.db.Query(query)
	if err != nil {
		return nil, types.Storef("query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, types.Storef("failed to read columns: %v", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, types.Storef("scan failed: %v", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}
