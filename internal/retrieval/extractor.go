package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"agentos/internal/config"
	"agentos/internal/embedding"
	"agentos/internal/graph"
	"agentos/internal/llm"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// =============================================================================
// EXTRACTORS
// =============================================================================
// Extractors build edges before retrieval queries them. They run cheapest
// first; each is stateless and returns candidate edges for the merger.

// CandidateEdge is an extractor's proposed relationship.
type CandidateEdge struct {
	FromID  string
	ToID    string
	Type    types.EdgeType
	Weight  float64
	Context string
}

// Extractor produces candidate edges from a memory set.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, memories []*types.Memory) ([]CandidateEdge, error)
}

// -----------------------------------------------------------------------------
// Tag extractor

// TagExtractor links memories whose tag sets are Jaccard-similar.
type TagExtractor struct {
	Threshold float64
}

func (e *TagExtractor) Name() string { return "tag" }

func (e *TagExtractor) Extract(ctx context.Context, memories []*types.Memory) ([]CandidateEdge, error) {
	var out []CandidateEdge
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			sim, shared := tagJaccard(memories[i].Tags, memories[j].Tags)
			if sim < e.Threshold || sim == 0 {
				continue
			}
			ctxStr := "shared tags: " + strings.Join(shared, ", ")
			out = append(out,
				CandidateEdge{memories[i].ID, memories[j].ID, types.EdgeRelatesTo, sim, ctxStr},
				CandidateEdge{memories[j].ID, memories[i].ID, types.EdgeRelatesTo, sim, ctxStr},
			)
		}
	}
	return out, nil
}

// tagJaccard returns the Jaccard similarity of two tag sets plus the shared
// tags, sorted.
func tagJaccard(a, b []string) (float64, []string) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	var shared []string
	union := make(map[string]bool, len(a)+len(b))
	for t := range setA {
		union[t] = true
	}
	for _, t := range b {
		if setA[t] {
			shared = append(shared, t)
		}
		union[t] = true
	}
	sort.Strings(shared)
	return float64(len(shared)) / float64(len(union)), shared
}

// -----------------------------------------------------------------------------
// Temporal extractor

// TemporalExtractor links memories created close in time with shared scope.
type TemporalExtractor struct {
	Window config.ExtractorConfig
}

func (e *TemporalExtractor) Name() string { return "temporal" }

func (e *TemporalExtractor) Extract(ctx context.Context, memories []*types.Memory) ([]CandidateEdge, error) {
	window := e.Window.TemporalWindow
	weight := e.Window.TemporalWeight
	var out []CandidateEdge
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			if memories[i].Scope != memories[j].Scope {
				continue
			}
			gap := memories[i].Created.Sub(memories[j].Created)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				continue
			}
			ctxStr := fmt.Sprintf("created within %s in scope %s", window, memories[i].Scope)
			out = append(out,
				CandidateEdge{memories[i].ID, memories[j].ID, types.EdgeRelatesTo, weight, ctxStr},
				CandidateEdge{memories[j].ID, memories[i].ID, types.EdgeRelatesTo, weight, ctxStr},
			)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Semantic extractor

// SemanticExtractor links memories with high embedding similarity. Above the
// supports threshold it proposes SUPPORTS instead of RELATES_TO.
type SemanticExtractor struct {
	RelatesThreshold  float64
	SupportsThreshold float64
}

func (e *SemanticExtractor) Name() string { return "semantic" }

func (e *SemanticExtractor) Extract(ctx context.Context, memories []*types.Memory) ([]CandidateEdge, error) {
	var out []CandidateEdge
	for i := 0; i < len(memories); i++ {
		if len(memories[i].CompositeEmbedding) == 0 {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			if len(memories[j].CompositeEmbedding) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(memories[i].CompositeEmbedding, memories[j].CompositeEmbedding)
			if err != nil {
				continue
			}
			if sim < e.RelatesThreshold {
				continue
			}
			edgeType := types.EdgeRelatesTo
			ctxStr := fmt.Sprintf("semantic similarity %.3f", sim)
			if sim >= e.SupportsThreshold {
				edgeType = types.EdgeSupports
			}
			out = append(out,
				CandidateEdge{memories[i].ID, memories[j].ID, edgeType, sim, ctxStr},
				CandidateEdge{memories[j].ID, memories[i].ID, edgeType, sim, ctxStr},
			)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// LLM extractor

// llmEdgeLabel is the JSON shape the model must return, one element per
// labeled relationship.
type llmEdgeLabel struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var llmAllowedTypes = map[string]types.EdgeType{
	"SUPPORTS":    types.EdgeSupports,
	"CONTRADICTS": types.EdgeContradicts,
	"DEPENDS_ON":  types.EdgeDependsOn,
	"SUPERSEDES":  types.EdgeSupersedes,
	"RELATES_TO":  types.EdgeRelatesTo,
}

const llmExtractorSystemPrompt = `You label relationships between knowledge memories.
Allowed types: SUPPORTS, CONTRADICTS, DEPENDS_ON, SUPERSEDES, RELATES_TO.
Respond with a JSON array only, no prose. Each element:
{"from": "<id>", "to": "<id>", "type": "<TYPE>", "confidence": 0.0-1.0, "reason": "<one line>"}`

// LLMExtractor asks a language model to label relationships for
// high-priority memories against their nearest semantic neighbors. Parse
// failures drop the batch without raising.
type LLMExtractor struct {
	Client             llm.Client
	MinPriority        float64
	MaxContextMemories int
}

func (e *LLMExtractor) Name() string { return "llm" }

func (e *LLMExtractor) Extract(ctx context.Context, memories []*types.Memory) ([]CandidateEdge, error) {
	if e.Client == nil {
		return nil, nil
	}

	var out []CandidateEdge
	for _, m := range memories {
		if m.Priority < e.MinPriority {
			continue
		}
		neighbors := e.nearestNeighbors(m, memories)
		if len(neighbors) == 0 {
			continue
		}

		prompt := buildLLMExtractorPrompt(m, neighbors)
		resp, err := e.Client.CompleteWithSystem(ctx, llmExtractorSystemPrompt, prompt)
		if err != nil {
			logging.ExtractDebug("LLM extraction failed for %s: %v", m.ID, err)
			continue
		}

		var labels []llmEdgeLabel
		if err := json.Unmarshal([]byte(llm.StripCodeFences(resp)), &labels); err != nil {
			logging.Extract("Dropping LLM extraction batch for %s: unparseable response", m.ID)
			continue
		}
		for _, l := range labels {
			edgeType, ok := llmAllowedTypes[l.Type]
			if !ok || l.From == "" || l.To == "" || l.From == l.To {
				continue
			}
			if l.Confidence < 0 || l.Confidence > 1 {
				continue
			}
			out = append(out, CandidateEdge{l.From, l.To, edgeType, l.Confidence, l.Reason})
		}
	}
	return out, nil
}

// nearestNeighbors picks the most similar memories to m by embedding.
func (e *LLMExtractor) nearestNeighbors(m *types.Memory, memories []*types.Memory) []*types.Memory {
	limit := e.MaxContextMemories
	if limit <= 0 {
		limit = 5
	}
	type cand struct {
		m   *types.Memory
		sim float64
	}
	var cands []cand
	for _, other := range memories {
		if other.ID == m.ID || len(other.CompositeEmbedding) == 0 || len(m.CompositeEmbedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(m.CompositeEmbedding, other.CompositeEmbedding)
		if err != nil {
			continue
		}
		cands = append(cands, cand{other, sim})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]*types.Memory, len(cands))
	for i, c := range cands {
		out[i] = c.m
	}
	return out
}

func buildLLMExtractorPrompt(m *types.Memory, neighbors []*types.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target memory %s: %s\n%s\n\nCandidates:\n", m.ID, m.Title, m.Content)
	for _, n := range neighbors {
		fmt.Fprintf(&b, "\n%s: %s\n%s\n", n.ID, n.Title, n.Content)
	}
	return b.String()
}

// =============================================================================
// MERGER AND ORCHESTRATOR
// =============================================================================

// GraphWriter is the slice of the GraphStore the orchestrator writes to.
type GraphWriter interface {
	UpsertNode(n graph.Node) error
	CreateEdge(e types.Edge) error
}

// Orchestrator runs the extractor chain and persists merged edges.
type Orchestrator struct {
	extractors []Extractor
	graph      GraphWriter
	cfg        config.ExtractorConfig
}

// NewOrchestrator builds the default chain: tag, temporal, semantic, and
// (when a client is supplied and enabled) LLM — cheap first.
func NewOrchestrator(graph GraphWriter, client llm.Client, cfg config.ExtractorConfig) *Orchestrator {
	extractors := []Extractor{
		&TagExtractor{Threshold: cfg.TagJaccardThreshold},
		&TemporalExtractor{Window: cfg},
		&SemanticExtractor{
			RelatesThreshold:  cfg.SemanticRelatesThreshold,
			SupportsThreshold: cfg.SemanticSupportsThreshold,
		},
	}
	if cfg.LLMEnabled && client != nil {
		extractors = append(extractors, &LLMExtractor{
			Client:             client,
			MinPriority:        cfg.LLMMinPriority,
			MaxContextMemories: cfg.LLMMaxContextMemories,
		})
	}
	return &Orchestrator{extractors: extractors, graph: graph, cfg: cfg}
}

// ExtractAndStore runs all extractors over the memories, merges the
// candidates, and writes nodes plus surviving edges to the graph. Returns
// the number of edges written.
func (o *Orchestrator) ExtractAndStore(ctx context.Context, memories []*types.Memory) (int, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "ExtractAndStore")
	defer timer.Stop()

	var all []CandidateEdge
	for _, e := range o.extractors {
		cands, err := e.Extract(ctx, memories)
		if err != nil {
			return 0, fmt.Errorf("%s extractor: %w", e.Name(), err)
		}
		logging.ExtractDebug("%s extractor produced %d candidates", e.Name(), len(cands))
		all = append(all, cands...)
	}

	merged := MergeCandidates(all, o.cfg.MinEdgeWeight, o.cfg.MaxEdgesPerMemory)

	// Nodes first; edges reference them.
	known := make(map[string]bool, len(memories))
	for _, m := range memories {
		if err := o.graph.UpsertNode(graph.Node{
			ID:   m.ID,
			Type: types.NodeMemory,
			Properties: map[string]interface{}{
				"title": m.Title,
				"path":  m.Path,
				"scope": string(m.Scope),
			},
		}); err != nil {
			return 0, err
		}
		known[m.ID] = true
	}

	written := 0
	for _, c := range merged {
		if !known[c.FromID] || !known[c.ToID] {
			continue // LLM may hallucinate ids outside the batch
		}
		edge := types.Edge{
			FromID: c.FromID,
			ToID:   c.ToID,
			Type:   c.Type,
			Weight: clampWeight(c.Weight),
		}
		if c.Context != "" {
			edge.Properties = map[string]interface{}{"context": c.Context}
		}
		if err := o.graph.CreateEdge(edge); err != nil {
			if types.IsValidation(err) {
				logging.ExtractDebug("Skipping invalid extracted edge %s->%s (%s): %v",
					c.FromID, c.ToID, c.Type, err)
				continue
			}
			return written, err
		}
		written++
	}

	logging.Extract("Extraction pass: %d candidates merged to %d, %d edges written",
		len(all), len(merged), written)
	return written, nil
}

// MergeCandidates groups candidates by (from, to, type), keeps the highest
// weight per group, concatenates up to three distinct contexts, filters by
// minWeight, and caps edges per source memory.
func MergeCandidates(cands []CandidateEdge, minWeight float64, maxPerMemory int) []CandidateEdge {
	type key struct {
		from, to string
		t        types.EdgeType
	}
	groups := make(map[key]*CandidateEdge)
	contexts := make(map[key][]string)

	var order []key
	for _, c := range cands {
		k := key{c.FromID, c.ToID, c.Type}
		if g, ok := groups[k]; ok {
			if c.Weight > g.Weight {
				g.Weight = c.Weight
			}
		} else {
			cc := c
			groups[k] = &cc
			order = append(order, k)
		}
		if c.Context != "" && !contains(contexts[k], c.Context) && len(contexts[k]) < 3 {
			contexts[k] = append(contexts[k], c.Context)
		}
	}

	var merged []CandidateEdge
	for _, k := range order {
		g := groups[k]
		if g.Weight < minWeight {
			continue
		}
		g.Context = strings.Join(contexts[k], "; ")
		merged = append(merged, *g)
	}

	if maxPerMemory <= 0 {
		return merged
	}

	// Cap per source, keeping the strongest edges.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Weight > merged[j].Weight })
	perSource := make(map[string]int)
	capped := merged[:0]
	for _, c := range merged {
		if perSource[c.FromID] >= maxPerMemory {
			continue
		}
		perSource[c.FromID]++
		capped = append(capped, c)
	}
	return capped
}

// clampWeight keeps extractor similarity values legal edge weights.
func clampWeight(w float64) float64 {
	return math.Max(0, math.Min(1, w))
}
