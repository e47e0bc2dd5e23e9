package retrieval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agentos/internal/config"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// sectionSeparator delimits memory sections in markdown and text output.
// Truncation cuts at the last separator that fits the budget.
const sectionSeparator = "\n---\n"

const truncationMarker = "[Content truncated to fit token budget]"

// ContextAssembler turns a RetrievalResult into a formatted context pack.
type ContextAssembler struct {
	graph GraphSource
	cfg   config.RetrievalConfig
}

// NewContextAssembler wires the assembler.
func NewContextAssembler(graph GraphSource, cfg config.RetrievalConfig) *ContextAssembler {
	return &ContextAssembler{graph: graph, cfg: cfg}
}

// Assemble formats the retrieval result within the token budget.
// budget <= 0 uses the configured default.
func (a *ContextAssembler) Assemble(result *types.RetrievalResult, format types.ContextFormat, budget int) (*types.AssembledContext, error) {
	if result == nil {
		return nil, types.Validationf("nil retrieval result")
	}
	if budget <= 0 {
		budget = a.cfg.DefaultTokenBudget
	}
	switch format {
	case types.FormatMarkdown, types.FormatJSON, types.FormatText:
	case "":
		format = types.FormatMarkdown
	default:
		return nil, types.Validationf("unknown context format %q", format)
	}

	warnings, err := a.contradictionWarnings(result.Results)
	if err != nil {
		return nil, err
	}

	ordered, err := a.orderByDependencies(result.Results)
	if err != nil {
		return nil, err
	}

	// Baseline gets its own slice of the budget; overflowing baseline
	// memories are dropped with a warning rather than eating the
	// retrieved-content budget.
	baselineBudget := int(float64(budget) * a.cfg.BaselineBudgetFraction)
	baseline, dropped := fitBaseline(result.Baseline, baselineBudget)
	if dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d baseline memories dropped to fit baseline budget", dropped))
	}

	ctx := &types.AssembledContext{
		Format:         format,
		TotalMemories:  len(baseline) + len(ordered),
		BaselineCount:  len(baseline),
		RetrievedCount: len(ordered),
		Warnings:       warnings,
	}

	switch format {
	case types.FormatJSON:
		ctx.Content, ctx.Truncated, err = a.renderJSON(result.Query, warnings, baseline, ordered, budget)
	default:
		content := a.renderSections(result.Query, warnings, baseline, ordered, format)
		ctx.Content, ctx.Truncated = truncateAtSeparator(content, budget)
	}
	if err != nil {
		return nil, err
	}

	ctx.EstimatedTokens = types.EstimateTokens(ctx.Content)
	logging.Retrieval("Assembled %s context: %d memories, ~%d tokens, truncated=%v",
		format, ctx.TotalMemories, ctx.EstimatedTokens, ctx.Truncated)
	return ctx, nil
}

// contradictionWarnings scans result pairs for CONTRADICTS edges in either
// direction, deduplicated per unordered pair.
func (a *ContextAssembler) contradictionWarnings(results []types.ScoredMemory) ([]string, error) {
	seen := make(map[string]bool)
	var warnings []string

	ids := make([]string, len(results))
	for i, sm := range results {
		ids[i] = sm.Memory.ID
	}

	for _, id := range ids {
		edges, err := a.graph.EdgesFrom(id, types.EdgeContradicts)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if !contains(ids, e.ToID) {
				continue
			}
			key := types.PairHash(e.FromID, e.ToID)
			if seen[key] {
				continue
			}
			seen[key] = true
			desc := ""
			if e.Properties != nil {
				if d, ok := e.Properties["description"].(string); ok {
					desc = d
				}
			}
			w := fmt.Sprintf("Potential contradiction: %s <-> %s", e.FromID, e.ToID)
			if desc != "" {
				w += ": " + desc
			}
			warnings = append(warnings, w)
		}
	}
	sort.Strings(warnings)
	return warnings, nil
}

// orderByDependencies topologically sorts the results on DEPENDS_ON edges
// restricted to the result set, breaking ties by combined score descending.
// A cycle (illegal but tolerated) falls back to pure score order.
func (a *ContextAssembler) orderByDependencies(results []types.ScoredMemory) ([]types.ScoredMemory, error) {
	byID := make(map[string]types.ScoredMemory, len(results))
	for _, sm := range results {
		byID[sm.Memory.ID] = sm
	}

	// deps[x] = set of ids x depends on (within the result set). A memory
	// that depends on another is emitted after it.
	deps := make(map[string]map[string]bool, len(results))
	dependents := make(map[string][]string, len(results))
	for id := range byID {
		deps[id] = make(map[string]bool)
	}
	for id := range byID {
		edges, err := a.graph.EdgesFrom(id, types.EdgeDependsOn)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, in := byID[e.ToID]; in {
				deps[id][e.ToID] = true
				dependents[e.ToID] = append(dependents[e.ToID], id)
			}
		}
	}

	scoreOrder := func(sms []types.ScoredMemory) {
		sort.Slice(sms, func(i, j int) bool {
			if sms[i].CombinedScore != sms[j].CombinedScore {
				return sms[i].CombinedScore > sms[j].CombinedScore
			}
			return sms[i].Memory.ID < sms[j].Memory.ID
		})
	}

	// Kahn's algorithm, picking the highest-scored ready node each step.
	var ready []types.ScoredMemory
	for id, d := range deps {
		if len(d) == 0 {
			ready = append(ready, byID[id])
		}
	}
	scoreOrder(ready)

	ordered := make([]types.ScoredMemory, 0, len(results))
	for len(ready) > 0 {
		sm := ready[0]
		ready = ready[1:]
		ordered = append(ordered, sm)

		for _, dep := range dependents[sm.Memory.ID] {
			delete(deps[dep], sm.Memory.ID)
			if len(deps[dep]) == 0 {
				ready = append(ready, byID[dep])
				scoreOrder(ready)
			}
		}
	}

	if len(ordered) != len(results) {
		// Cycle: fall back to pure score order.
		logging.RetrievalDebug("DEPENDS_ON cycle in result set; falling back to score order")
		fallback := make([]types.ScoredMemory, len(results))
		copy(fallback, results)
		scoreOrder(fallback)
		return fallback, nil
	}
	return ordered, nil
}

// fitBaseline keeps baseline memories in path order until the baseline
// budget is exhausted.
func fitBaseline(baseline []*types.Memory, budget int) ([]*types.Memory, int) {
	if budget <= 0 {
		return baseline, 0
	}
	var kept []*types.Memory
	used := 0
	for _, m := range baseline {
		if used+m.TokenCount > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, m)
		used += m.TokenCount
	}
	return kept, len(baseline) - len(kept)
}

// =============================================================================
// RENDERING
// =============================================================================

func (a *ContextAssembler) renderSections(query string, warnings []string, baseline []*types.Memory, results []types.ScoredMemory, format types.ContextFormat) string {
	md := format == types.FormatMarkdown
	var b strings.Builder

	if md {
		b.WriteString("# Memory Context\n\n")
		fmt.Fprintf(&b, "Query: %s\n", query)
	} else {
		fmt.Fprintf(&b, "MEMORY CONTEXT\nQuery: %s\n", query)
	}

	if len(warnings) > 0 {
		b.WriteString(sectionSeparator)
		if md {
			b.WriteString("## Warnings\n\n")
		} else {
			b.WriteString("WARNINGS\n")
		}
		for _, w := range warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	if len(baseline) > 0 {
		b.WriteString(sectionSeparator)
		if md {
			b.WriteString("## Baseline Context\n")
		} else {
			b.WriteString("BASELINE CONTEXT\n")
		}
		for _, m := range baseline {
			if md {
				fmt.Fprintf(&b, "\n### %s (%s)\n\n%s\n", m.Title, m.ID, m.Content)
			} else {
				fmt.Fprintf(&b, "\n%s (%s)\n%s\n", m.Title, m.ID, m.Content)
			}
		}
	}

	if len(results) > 0 {
		b.WriteString(sectionSeparator)
		if md {
			b.WriteString("## Retrieved Memories\n")
		} else {
			b.WriteString("RETRIEVED MEMORIES\n")
		}
		for _, sm := range results {
			b.WriteString(sectionSeparator)
			if md {
				fmt.Fprintf(&b, "### %s (%s)\n\n", sm.Memory.Title, sm.Memory.ID)
			} else {
				fmt.Fprintf(&b, "%s (%s)\n", sm.Memory.Title, sm.Memory.ID)
			}
			fmt.Fprintf(&b, "Scores: vector=%.3f graph=%.3f combined=%.3f\n",
				sm.VectorScore, sm.GraphScore, sm.CombinedScore)
			if anns := a.connectionAnnotations(sm.Connections); len(anns) > 0 {
				b.WriteString("Connections:\n")
				for _, ann := range anns {
					fmt.Fprintf(&b, "- %s\n", ann)
				}
			}
			fmt.Fprintf(&b, "\n%s\n", sm.Memory.Content)
		}
	}

	return b.String()
}

// connectionAnnotations formats up to max_relationship_context connection
// lines for a memory.
func (a *ContextAssembler) connectionAnnotations(conns []types.Connection) []string {
	limit := a.cfg.MaxRelationshipContext
	if limit <= 0 {
		limit = 5
	}
	if len(conns) > limit {
		conns = conns[:limit]
	}
	out := make([]string, len(conns))
	for i, c := range conns {
		unit := "hops"
		if c.HopCount == 1 {
			unit = "hop"
		}
		out[i] = fmt.Sprintf("%s from %s (%d %s)", c.EdgeType, c.SourceID, c.HopCount, unit)
	}
	return out
}

type jsonContext struct {
	Query    string               `json:"query"`
	Warnings []string             `json:"warnings,omitempty"`
	Baseline []jsonMemory         `json:"baseline"`
	Memories []jsonScoredMemory   `json:"memories"`
}

type jsonMemory struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type jsonScoredMemory struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	VectorScore   float64  `json:"vector_score"`
	GraphScore    float64  `json:"graph_score"`
	CombinedScore float64  `json:"combined_score"`
	Connections   []string `json:"connections,omitempty"`
	Content       string   `json:"content"`
}

// renderJSON marshals the pack, dropping trailing retrieved memories until
// the output fits the budget.
func (a *ContextAssembler) renderJSON(query string, warnings []string, baseline []*types.Memory, results []types.ScoredMemory, budget int) (string, bool, error) {
	doc := jsonContext{Query: query, Warnings: warnings}
	for _, m := range baseline {
		doc.Baseline = append(doc.Baseline, jsonMemory{ID: m.ID, Title: m.Title, Content: m.Content})
	}
	for _, sm := range results {
		doc.Memories = append(doc.Memories, jsonScoredMemory{
			ID:            sm.Memory.ID,
			Title:         sm.Memory.Title,
			VectorScore:   sm.VectorScore,
			GraphScore:    sm.GraphScore,
			CombinedScore: sm.CombinedScore,
			Connections:   a.connectionAnnotations(sm.Connections),
			Content:       sm.Memory.Content,
		})
	}

	truncated := false
	for {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", false, types.Validationf("failed to marshal context: %v", err)
		}
		if types.EstimateTokens(string(data)) <= budget || len(doc.Memories) == 0 {
			return string(data), truncated, nil
		}
		doc.Memories = doc.Memories[:len(doc.Memories)-1]
		truncated = true
	}
}

// truncateAtSeparator cuts content at the last section separator that keeps
// the token estimate within budget and appends the truncation marker.
func truncateAtSeparator(content string, budget int) (string, bool) {
	if types.EstimateTokens(content) <= budget {
		return content, false
	}

	// Longest prefix ending at a separator that fits, reserving room for
	// the marker.
	markerTokens := types.EstimateTokens(truncationMarker) + 1
	cut := -1
	for idx := strings.Index(content, sectionSeparator); idx >= 0; {
		if types.EstimateTokens(content[:idx])+markerTokens <= budget {
			cut = idx
		} else {
			break
		}
		next := strings.Index(content[idx+len(sectionSeparator):], sectionSeparator)
		if next < 0 {
			break
		}
		idx = idx + len(sectionSeparator) + next
	}

	if cut < 0 {
		// No separator fits; hard-cut on the character estimate.
		maxChars := (budget - markerTokens) * 4
		if maxChars < 0 {
			maxChars = 0
		}
		if maxChars > len(content) {
			maxChars = len(content)
		}
		return content[:maxChars] + "\n" + truncationMarker, true
	}
	return content[:cut] + "\n" + truncationMarker, true
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
