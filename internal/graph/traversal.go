package graph

import (
	"encoding/json"
	"sort"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// =============================================================================
// TRAVERSAL
// =============================================================================
// All traversal takes the read lock once and calls the *Locked query helpers
// directly. Re-entering the public API from inside a hold would deadlock on
// a concurrent writer.

// Related describes a node reached during expansion from a start node.
type Related struct {
	NodeID   string         `json:"node_id"`
	HopCount int            `json:"hop_count"`
	EdgeType types.EdgeType `json:"edge_type"` // edge that first reached it
	SourceID string         `json:"source_id"` // node it was reached from
	Weight   float64        `json:"weight"`
}

// GetRelatedMemories runs a breadth-first expansion from startID following
// edges of the given types, out to maxDepth hops. Nodes are reported once at
// their first (shortest) hop count; the start node itself is excluded.
// maxDepth <= 0 returns nothing.
func (g *GraphStore) GetRelatedMemories(startID string, maxDepth int, edgeTypes []types.EdgeType) ([]Related, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	var results []Related

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.queryEdgesLocked("from_id", id, edgeTypes)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.ToID] {
					continue
				}
				visited[e.ToID] = true
				results = append(results, Related{
					NodeID:   e.ToID,
					HopCount: depth,
					EdgeType: e.Type,
					SourceID: e.FromID,
					Weight:   e.Weight,
				})
				next = append(next, e.ToID)
			}
		}
		frontier = next
	}

	logging.GraphDebug("Expansion from %s: %d related nodes within %d hops", startID, len(results), maxDepth)
	return results, nil
}

// FindPath returns the shortest path of node ids from fromID to toID
// following edges of the given types (all types when empty), searching at
// most maxDepth hops out; maxDepth <= 0 leaves the search unbounded.
// Returns ErrNotFound when no path exists within the bound.
func (g *GraphStore) FindPath(fromID, toID string, maxDepth int, edgeTypes []types.EdgeType) ([]string, error) {
	if fromID == toID {
		return []string{fromID}, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	cameFrom := map[string]string{fromID: ""}
	frontier := []string{fromID}

	for depth := 1; len(frontier) > 0 && (maxDepth <= 0 || depth <= maxDepth); depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.queryEdgesLocked("from_id", id, edgeTypes)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, seen := cameFrom[e.ToID]; seen {
					continue
				}
				cameFrom[e.ToID] = id
				if e.ToID == toID {
					return reconstructPath(cameFrom, fromID, toID), nil
				}
				next = append(next, e.ToID)
			}
		}
		frontier = next
	}

	return nil, types.NotFoundf("no path from %s to %s", fromID, toID)
}

// reconstructPath walks the cameFrom map backwards from toID.
func reconstructPath(cameFrom map[string]string, fromID, toID string) []string {
	var path []string
	for id := toID; id != ""; id = cameFrom[id] {
		path = append(path, id)
		if id == fromID {
			break
		}
	}
	// Reverse in place.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// reachableLocked reports whether toID is reachable from fromID following
// the given edge types. Caller must hold at least a read lock.
func (g *GraphStore) reachableLocked(fromID, toID string, edgeTypes []types.EdgeType) bool {
	visited := map[string]bool{fromID: true}
	frontier := []string{fromID}

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			edges, err := g.queryEdgesLocked("from_id", id, edgeTypes)
			if err != nil {
				return false
			}
			for _, e := range edges {
				if e.ToID == toID {
					return true
				}
				if !visited[e.ToID] {
					visited[e.ToID] = true
					next = append(next, e.ToID)
				}
			}
		}
		frontier = next
	}
	return false
}

// =============================================================================
// DOMAIN QUERIES
// =============================================================================

// ContradictionPair is one CONTRADICTS edge with its recorded description.
type ContradictionPair struct {
	MemoryA     string  `json:"memory_a"`
	MemoryB     string  `json:"memory_b"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// GetContradictionPairs returns every CONTRADICTS edge in the graph, sorted
// by the canonical pair key for stable output.
func (g *GraphStore) GetContradictionPairs() ([]ContradictionPair, error) {
	rows, err := g.ExecuteSQL(
		"SELECT from_id, to_id, weight, properties FROM edges WHERE type = 'CONTRADICTS'")
	if err != nil {
		return nil, err
	}

	pairs := make([]ContradictionPair, 0, len(rows))
	for _, row := range rows {
		p := ContradictionPair{
			MemoryA: asString(row["from_id"]),
			MemoryB: asString(row["to_id"]),
		}
		if w, ok := row["weight"].(float64); ok {
			p.Weight = w
		}
		if props := asString(row["properties"]); props != "" {
			p.Description = extractJSONString(props, "description")
		}
		pairs = append(pairs, p)
	}

	sort.Slice(pairs, func(i, j int) bool {
		return types.PairHash(pairs[i].MemoryA, pairs[i].MemoryB) <
			types.PairHash(pairs[j].MemoryA, pairs[j].MemoryB)
	})
	return pairs, nil
}

// GetSupersessionChain returns the chain of memories superseded by startID,
// in traversal order, following SUPERSEDES edges transitively. SUPERSEDES is
// a DAG, so the walk terminates.
func (g *GraphStore) GetSupersessionChain(startID string) ([]string, error) {
	related, err := g.GetRelatedMemories(startID, 1<<16, []types.EdgeType{types.EdgeSupersedes})
	if err != nil {
		return nil, err
	}
	chain := make([]string, len(related))
	for i, r := range related {
		chain[i] = r.NodeID
	}
	return chain, nil
}

// GetSupersededBy returns the memories that directly supersede id.
func (g *GraphStore) GetSupersededBy(id string) ([]string, error) {
	edges, err := g.EdgesTo(id, types.EdgeSupersedes)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.FromID
	}
	return out, nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// extractJSONString pulls a top-level string field out of a JSON object
// without a full unmarshal struct.
func extractJSONString(jsonStr, key string) string {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
