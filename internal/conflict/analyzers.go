package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentos/internal/embedding"
	"agentos/internal/llm"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// Analyzer is a stateless conflict candidate producer. Analyzers never
// persist anything; the merger decides what becomes a Conflict.
type Analyzer interface {
	Method() types.DetectionMethod
	Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error)
}

// =============================================================================
// TAG OVERLAP
// =============================================================================

// TagOverlapAnalyzer flags memory pairs whose tag sets are Jaccard-similar
// above the threshold. High overlap alone suggests scope overlap, not
// contradiction; classification happens in the merger.
type TagOverlapAnalyzer struct {
	Threshold float64
}

func (a *TagOverlapAnalyzer) Method() types.DetectionMethod { return types.MethodTagOverlap }

func (a *TagOverlapAnalyzer) Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	var out []types.ConflictCandidate
	for i := 0; i < len(memories); i++ {
		if len(memories[i].Tags) == 0 {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			sim, shared := jaccard(memories[i].Tags, memories[j].Tags)
			if sim < a.Threshold {
				continue
			}
			out = append(out, types.ConflictCandidate{
				Memory1:  memories[i].ID,
				Memory2:  memories[j].ID,
				Method:   types.MethodTagOverlap,
				RawScore: sim,
				Evidence: []string{fmt.Sprintf("tag overlap %.2f: %s", sim, strings.Join(shared, ", "))},
			})
		}
	}
	return out, nil
}

func jaccard(a, b []string) (float64, []string) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	setA := make(map[string]bool, len(a))
	union := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		setA[t] = true
		union[t] = true
	}
	var shared []string
	for _, t := range b {
		if setA[t] {
			shared = append(shared, t)
		}
		union[t] = true
	}
	sort.Strings(shared)
	return float64(len(shared)) / float64(len(union)), shared
}

// =============================================================================
// SEMANTIC
// =============================================================================

// SemanticAnalyzer flags pairs whose composite embeddings are close.
type SemanticAnalyzer struct {
	Threshold float64
}

func (a *SemanticAnalyzer) Method() types.DetectionMethod { return types.MethodSemantic }

func (a *SemanticAnalyzer) Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	var out []types.ConflictCandidate
	for i := 0; i < len(memories); i++ {
		if len(memories[i].CompositeEmbedding) == 0 {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			if len(memories[j].CompositeEmbedding) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(
				memories[i].CompositeEmbedding, memories[j].CompositeEmbedding)
			if err != nil || sim < a.Threshold {
				continue
			}
			out = append(out, types.ConflictCandidate{
				Memory1:  memories[i].ID,
				Memory2:  memories[j].ID,
				Method:   types.MethodSemantic,
				RawScore: sim,
				Evidence: []string{fmt.Sprintf("semantic similarity %.3f", sim)},
			})
		}
	}
	return out, nil
}

// =============================================================================
// SUPERSESSION
// =============================================================================

// SupersessionAnalyzer flags pairs joined by an explicit supersedes
// front-matter reference.
type SupersessionAnalyzer struct{}

func (a *SupersessionAnalyzer) Method() types.DetectionMethod { return types.MethodSupersession }

func (a *SupersessionAnalyzer) Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	byID := make(map[string]*types.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	var out []types.ConflictCandidate
	for _, m := range memories {
		for _, oldID := range m.Supersedes {
			old, known := byID[oldID]
			if !known {
				continue
			}
			if old.Status == types.MemoryDeprecated {
				continue // already resolved
			}
			out = append(out, types.ConflictCandidate{
				// Memory1 is the superseding side by convention; the
				// merger records the roles.
				Memory1:  m.ID,
				Memory2:  oldID,
				Method:   types.MethodSupersession,
				RawScore: 1.0,
				Evidence: []string{fmt.Sprintf("%s declares supersedes: %s", m.ID, oldID)},
			})
		}
	}
	return out, nil
}

// =============================================================================
// STALENESS
// =============================================================================

// StalenessAnalyzer flags single memories not used within the threshold.
// It only runs when usage tracking is active: without tracking, last_used
// is not trustworthy evidence of staleness.
type StalenessAnalyzer struct {
	Threshold       time.Duration
	TrackingEnabled func() bool
}

func (a *StalenessAnalyzer) Method() types.DetectionMethod { return types.MethodStaleness }

func (a *StalenessAnalyzer) Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	if a.TrackingEnabled != nil && !a.TrackingEnabled() {
		logging.ConflictsDebug("Staleness analysis skipped: usage tracking inactive")
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-a.Threshold)
	var out []types.ConflictCandidate
	for _, m := range memories {
		if m.Scope == types.ScopeBaseline {
			continue // baseline is exempt from staleness
		}
		if m.LastUsed.IsZero() || m.LastUsed.After(cutoff) {
			continue
		}
		out = append(out, types.ConflictCandidate{
			Memory1:  m.ID,
			Method:   types.MethodStaleness,
			RawScore: 0.6,
			Evidence: []string{fmt.Sprintf("last used %s, over threshold %s ago",
				m.LastUsed.Format(time.RFC3339), a.Threshold)},
		})
	}
	return out, nil
}

// =============================================================================
// RULE EXTRACTION (LLM)
// =============================================================================

const ruleExtractionSystemPrompt = `You detect contradictory normative rules between pairs of knowledge memories.
Look for "always X" vs "never X" patterns and mutually exclusive directives.
Respond with a JSON array only. Each element:
{"memory_1": "<id>", "memory_2": "<id>", "confidence": 0.0-1.0, "evidence": "<one line>"}
Return [] when no contradictions are found.`

type ruleExtractionHit struct {
	Memory1    string  `json:"memory_1"`
	Memory2    string  `json:"memory_2"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// RuleExtractionAnalyzer asks an LLM to surface contradictory normative
// rules. Parse failures are logged and drop the batch without raising.
type RuleExtractionAnalyzer struct {
	Client llm.Client
}

func (a *RuleExtractionAnalyzer) Method() types.DetectionMethod { return types.MethodRuleExtraction }

func (a *RuleExtractionAnalyzer) Analyze(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	if a.Client == nil || len(memories) < 2 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Memories:\n")
	ids := make(map[string]bool, len(memories))
	for _, m := range memories {
		ids[m.ID] = true
		fmt.Fprintf(&b, "\n%s: %s\n%s\n", m.ID, m.Title, m.Content)
	}

	resp, err := a.Client.CompleteWithSystem(ctx, ruleExtractionSystemPrompt, b.String())
	if err != nil {
		logging.ConflictsDebug("Rule extraction call failed: %v", err)
		return nil, nil
	}

	var hits []ruleExtractionHit
	if err := json.Unmarshal([]byte(llm.StripCodeFences(resp)), &hits); err != nil {
		logging.Conflicts("Dropping rule extraction batch: unparseable response")
		return nil, nil
	}

	var out []types.ConflictCandidate
	for _, h := range hits {
		if !ids[h.Memory1] || !ids[h.Memory2] || h.Memory1 == h.Memory2 {
			continue
		}
		if h.Confidence < 0 || h.Confidence > 1 {
			continue
		}
		out = append(out, types.ConflictCandidate{
			Memory1:  h.Memory1,
			Memory2:  h.Memory2,
			Method:   types.MethodRuleExtraction,
			RawScore: h.Confidence,
			Evidence: []string{h.Evidence},
		})
	}
	return out, nil
}
