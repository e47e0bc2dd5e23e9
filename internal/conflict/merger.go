package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// Merger folds analyzer candidates into the conflict table: one live
// conflict per unordered pair, updated in place when re-detected.
type Merger struct {
	store              *ConflictStore
	duplicateThreshold float64
}

// NewMerger wires the merger.
func NewMerger(store *ConflictStore, duplicateThreshold float64) *Merger {
	return &Merger{store: store, duplicateThreshold: duplicateThreshold}
}

// MergeResult reports what a merge pass did.
type MergeResult struct {
	New      []*types.Conflict
	Existing []*types.Conflict
}

// Merge groups candidates by pair hash and either updates the live conflict
// for the pair (max confidence, union evidence) or classifies and creates a
// new one. Merging is idempotent: re-running the same candidates produces
// zero new conflicts.
func (m *Merger) Merge(cands []types.ConflictCandidate, byID map[string]*types.Memory, scanID string) (*MergeResult, error) {
	groups := make(map[string][]types.ConflictCandidate)
	var order []string
	for _, c := range cands {
		h := c.Hash()
		if _, seen := groups[h]; !seen {
			order = append(order, h)
		}
		groups[h] = append(groups[h], c)
	}
	sort.Strings(order)

	result := &MergeResult{}
	for _, hash := range order {
		group := groups[hash]

		maxScore := 0.0
		evidence := make(map[string]bool)
		for _, c := range group {
			if c.RawScore > maxScore {
				maxScore = c.RawScore
			}
			for _, e := range c.Evidence {
				evidence[e] = true
			}
		}

		existing, err := m.store.GetLiveByPairHash(hash)
		if err == nil {
			changed := false
			if maxScore > existing.Confidence {
				existing.Confidence = maxScore
				changed = true
			}
			for e := range evidence {
				if !containsString(existing.Evidence, e) {
					existing.Evidence = append(existing.Evidence, e)
					changed = true
				}
			}
			if changed {
				sort.Strings(existing.Evidence)
				if err := m.store.UpdateConflict(existing); err != nil {
					return result, err
				}
			}
			result.Existing = append(result.Existing, existing)
			continue
		}
		if !types.IsNotFound(err) {
			return result, err
		}

		conflict := m.classify(group, byID)
		conflict.ID = "conf_" + uuid.NewString()
		conflict.PairHash = hash
		conflict.Confidence = maxScore
		conflict.Status = types.ConflictUnresolved
		conflict.ScanID = scanID
		for e := range evidence {
			conflict.Evidence = append(conflict.Evidence, e)
		}
		sort.Strings(conflict.Evidence)

		if err := m.store.CreateConflict(conflict); err != nil {
			if types.IsConflict(err) {
				// Lost a race with another scan; treat as existing.
				if live, lookupErr := m.store.GetLiveByPairHash(hash); lookupErr == nil {
					result.Existing = append(result.Existing, live)
				}
				continue
			}
			return result, err
		}
		result.New = append(result.New, conflict)
	}

	logging.Conflicts("Merge pass: %d candidates -> %d new, %d existing",
		len(cands), len(result.New), len(result.Existing))
	return result, nil
}

// classify picks the ConflictType from the dominant analyzer method and the
// evidence pattern.
func (m *Merger) classify(group []types.ConflictCandidate, byID map[string]*types.Memory) *types.Conflict {
	c := &types.Conflict{
		Memory1: group[0].Memory1,
		Memory2: group[0].Memory2,
	}

	methods := make(map[types.DetectionMethod]float64)
	for _, cand := range group {
		if cand.RawScore > methods[cand.Method] {
			methods[cand.Method] = cand.RawScore
		}
	}

	switch {
	case methods[types.MethodSupersession] > 0:
		c.Type = types.ConflictSupersession
		c.Method = types.MethodSupersession
		// Convention from the supersession analyzer: Memory1 supersedes.
		for _, cand := range group {
			if cand.Method == types.MethodSupersession {
				c.Memory1 = cand.Memory1
				c.Memory2 = cand.Memory2
				break
			}
		}
		c.Role1 = "superseding"
		c.Role2 = "superseded"
		c.Description = fmt.Sprintf("%s supersedes %s", c.Memory1, c.Memory2)

	case methods[types.MethodStaleness] > 0:
		c.Type = types.ConflictStale
		c.Method = types.MethodStaleness
		c.Description = fmt.Sprintf("%s has gone stale", c.Memory1)

	case methods[types.MethodRuleExtraction] > 0:
		c.Type = types.ConflictContradictory
		c.Method = types.MethodRuleExtraction
		c.Description = fmt.Sprintf("%s and %s state contradictory rules", c.Memory1, c.Memory2)

	case methods[types.MethodSemantic] >= m.duplicateThreshold && sameScope(c.Memory1, c.Memory2, byID):
		c.Type = types.ConflictDuplicate
		c.Method = types.MethodSemantic
		c.Description = fmt.Sprintf("%s and %s look like duplicates", c.Memory1, c.Memory2)

	case methods[types.MethodSemantic] > 0:
		// Similar but not near-identical content in possibly different
		// scopes: overlapping coverage rather than contradiction.
		c.Type = types.ConflictScopeOverlap
		c.Method = types.MethodSemantic
		c.Description = fmt.Sprintf("%s and %s cover overlapping ground", c.Memory1, c.Memory2)

	default:
		c.Type = types.ConflictScopeOverlap
		c.Method = types.MethodTagOverlap
		c.Description = fmt.Sprintf("%s and %s share most of their tags", c.Memory1, c.Memory2)
	}

	return c
}

func sameScope(id1, id2 string, byID map[string]*types.Memory) bool {
	m1, ok1 := byID[id1]
	m2, ok2 := byID[id2]
	return ok1 && ok2 && m1.Scope == m2.Scope
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// joinMethods formats a method set for descriptions and logs.
func joinMethods(methods []types.DetectionMethod) string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return strings.Join(out, ",")
}
