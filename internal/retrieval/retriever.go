// Package retrieval implements the hybrid retrieval pipeline: baseline
// injection, vector search, graph expansion, score combination, and context
// assembly.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"agentos/internal/config"
	"agentos/internal/embedding"
	"agentos/internal/logging"
	"agentos/internal/store"
	"agentos/internal/types"
)

// MemorySource is the slice of the MemoryStore the retriever needs.
type MemorySource interface {
	ListBaseline() ([]*types.Memory, error)
	VectorSearch(query []float32, filter store.SearchFilter, limit int) ([]store.VectorHit, error)
	GetMemory(id string) (*types.Memory, error)
	TouchUsage(id string) error
}

// GraphSource is the slice of the GraphStore the retriever needs.
type GraphSource interface {
	EdgesFrom(id string, edgeTypes ...types.EdgeType) ([]types.Edge, error)
	EdgesTo(id string, edgeTypes ...types.EdgeType) ([]types.Edge, error)
	EdgeExists(fromID, toID string, edgeType types.EdgeType) (bool, error)
}

// UsageRecorder receives retrieval hits. Failures are logged, never fatal.
type UsageRecorder interface {
	RecordUse(memoryID, sessionID string) error
}

// Options narrows a single retrieval call.
type Options struct {
	Limit            int
	Scopes           []types.Scope
	MinPriority      float64
	MaxTokens        int
	IncludeEphemeral bool
	SessionID        string
}

// HybridRetriever combines vector similarity with graph proximity.
type HybridRetriever struct {
	memories MemorySource
	graph    GraphSource
	embedder embedding.Embedder
	usage    UsageRecorder // may be nil
	cfg      config.RetrievalConfig
}

// NewHybridRetriever wires the retriever. usage may be nil.
func NewHybridRetriever(memories MemorySource, graph GraphSource, embedder embedding.Embedder, usage UsageRecorder, cfg config.RetrievalConfig) *HybridRetriever {
	return &HybridRetriever{
		memories: memories,
		graph:    graph,
		embedder: embedder,
		usage:    usage,
		cfg:      cfg,
	}
}

// Retrieve runs the full pipeline for a text query and returns ranked results
// plus the always-included baseline set.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, opts Options) (*types.RetrievalResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	limit := opts.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	// Stage 1: baseline injection. Always present, sorted by path.
	baseline, err := r.memories.ListBaseline()
	if err != nil {
		return nil, err
	}

	// An empty query has nothing to embed or expand from: the result is the
	// baseline set alone.
	if query == "" {
		r.recordUsage(baseline, nil, opts.SessionID)
		logging.Retrieval("Empty query returned %d baseline memories", len(baseline))
		return &types.RetrievalResult{Baseline: baseline, Query: query}, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, types.Upstreamf("query embedding failed: %v", err)
	}

	// Stage 2: vector search over non-baseline, non-deprecated memories.
	candidateLimit := limit * r.cfg.VectorCandidateMultiplier
	if candidateLimit <= 0 {
		candidateLimit = limit * 3
	}
	hits, err := r.memories.VectorSearch(queryVec, store.SearchFilter{
		Scopes:           opts.Scopes,
		MinPriority:      opts.MinPriority,
		MaxTokens:        opts.MaxTokens,
		IncludeEphemeral: opts.IncludeEphemeral,
	}, candidateLimit)
	if err != nil {
		return nil, err
	}

	vectorScores := make(map[string]float64, len(hits))
	memoriesByID := make(map[string]*types.Memory, len(hits))
	for _, h := range hits {
		vectorScores[h.Memory.ID] = h.Similarity
		memoriesByID[h.Memory.ID] = h.Memory
	}

	// Stage 3: graph expansion.
	connections := r.expand(vectorScores)

	// Load the expanded memories; drop any that turn out deprecated or
	// baseline (expansion follows edges blindly).
	for id := range connections {
		if _, seen := memoriesByID[id]; seen {
			continue
		}
		m, err := r.memories.GetMemory(id)
		if err != nil {
			if types.IsNotFound(err) {
				continue // graph node without a memory row
			}
			return nil, err
		}
		if m.Status == types.MemoryDeprecated || m.Scope == types.ScopeBaseline {
			continue
		}
		if !opts.IncludeEphemeral && m.Scope == types.ScopeEphemeral {
			continue
		}
		memoriesByID[id] = m
	}

	// Stage 4: score combination.
	scored := make([]types.ScoredMemory, 0, len(memoriesByID))
	for id, m := range memoriesByID {
		sm := types.ScoredMemory{
			Memory:      m,
			VectorScore: vectorScores[id],
			Connections: connections[id],
			FromVector:  vectorScores[id] > 0,
		}
		sm.GraphScore = r.graphScore(sm.Connections, vectorScores)
		scored = append(scored, sm)
	}

	// Contradiction penalty: any incoming CONTRADICTS edge from another
	// result halves the graph score.
	resultIDs := make(map[string]bool, len(scored))
	for _, sm := range scored {
		resultIDs[sm.Memory.ID] = true
	}
	for i := range scored {
		incoming, err := r.graph.EdgesTo(scored[i].Memory.ID, types.EdgeContradicts)
		if err != nil {
			return nil, err
		}
		for _, e := range incoming {
			if resultIDs[e.FromID] {
				scored[i].GraphScore *= 0.5
				break
			}
		}
	}

	for i := range scored {
		scored[i].CombinedScore = r.cfg.VectorWeight*scored[i].VectorScore +
			r.cfg.GraphWeight*scored[i].GraphScore
	}

	// Stage 5: ranking and limiting.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].CombinedScore != scored[j].CombinedScore {
			return scored[i].CombinedScore > scored[j].CombinedScore
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	r.recordUsage(baseline, scored, opts.SessionID)

	logging.Retrieval("Query returned %d results (%d vector hits, %d expanded, %d baseline)",
		len(scored), len(hits), len(connections), len(baseline))
	return &types.RetrievalResult{
		Baseline: baseline,
		Results:  scored,
		Query:    query,
	}, nil
}

// expand runs the BFS from the vector candidates and returns the connection
// lists for every non-initial node reached. Expansion per source node is
// bounded by MaxExpansionPerHop; edges arrive weight-descending from the
// graph store so the bound keeps the strongest links.
func (r *HybridRetriever) expand(seeds map[string]float64) map[string][]types.Connection {
	connections := make(map[string][]types.Connection)
	if r.cfg.MaxGraphDepth <= 0 || len(seeds) == 0 {
		return connections
	}

	edgeTypes := make([]types.EdgeType, 0, len(r.cfg.ExpansionEdgeTypes))
	for _, t := range r.cfg.ExpansionEdgeTypes {
		edgeTypes = append(edgeTypes, types.EdgeType(t))
	}

	visited := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for id := range seeds {
		visited[id] = true
		frontier = append(frontier, id)
	}
	sort.Strings(frontier) // deterministic expansion order

	for depth := 1; depth <= r.cfg.MaxGraphDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := r.graph.EdgesFrom(id, edgeTypes...)
			if err != nil {
				logging.RetrievalDebug("Expansion from %s failed: %v", id, err)
				continue
			}
			if r.cfg.MaxExpansionPerHop > 0 && len(edges) > r.cfg.MaxExpansionPerHop {
				edges = edges[:r.cfg.MaxExpansionPerHop]
			}
			for _, e := range edges {
				if _, isSeed := seeds[e.ToID]; isSeed {
					continue // initial nodes record no connections
				}
				connections[e.ToID] = append(connections[e.ToID], types.Connection{
					SourceID: e.FromID,
					EdgeType: e.Type,
					HopCount: depth,
				})
				if !visited[e.ToID] {
					visited[e.ToID] = true
					next = append(next, e.ToID)
				}
			}
		}
		frontier = next
	}
	return connections
}

// graphScore sums connection contributions and clamps to [0,1]. A connection
// from a vector-search source is amplified by that source's similarity.
func (r *HybridRetriever) graphScore(conns []types.Connection, vectorScores map[string]float64) float64 {
	var score float64
	for _, c := range conns {
		mult := 1.0
		if src, ok := vectorScores[c.SourceID]; ok {
			mult = 1.0 + src
		}
		score += r.cfg.DirectConnectionBoost * math.Pow(r.cfg.HopDecay, float64(c.HopCount)) * mult
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// recordUsage stamps usage on everything handed back. Tracking failures are
// logged and swallowed; retrieval never fails because bookkeeping did.
func (r *HybridRetriever) recordUsage(baseline []*types.Memory, results []types.ScoredMemory, sessionID string) {
	touch := func(id string) {
		if err := r.memories.TouchUsage(id); err != nil {
			logging.RetrievalDebug("Failed to touch usage for %s: %v", id, err)
		}
		if r.usage != nil {
			if err := r.usage.RecordUse(id, sessionID); err != nil {
				logging.RetrievalDebug("Failed to record usage for %s: %v", id, err)
			}
		}
	}
	for _, m := range baseline {
		touch(m.ID)
	}
	for _, sm := range results {
		touch(sm.Memory.ID)
	}
}
