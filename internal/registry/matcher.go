package registry

import (
	"fmt"
	"sort"
	"strings"

	"agentos/internal/types"
)

// Matcher weight split: skills dominate, tags and category refine, free-text
// focus overlap breaks near-ties.
const (
	skillWeight = 0.5
	tagWeight   = 0.3
	focusWeight = 0.2
)

// MatchRequest describes the work an agent is needed for.
type MatchRequest struct {
	Description    string   // free-text task description
	RequiredSkills []string // skill ids the task calls for
	Tags           []string // desired tags or categories
	Limit          int      // 0 means all
}

// AgentMatcher ranks enabled agents against a task.
type AgentMatcher struct {
	agents *Registry[*types.AgentDefinition]
}

// NewAgentMatcher creates a matcher over the agent registry.
func NewAgentMatcher(agents *Registry[*types.AgentDefinition]) *AgentMatcher {
	return &AgentMatcher{agents: agents}
}

// Match scores every enabled agent and returns ranked matches with a
// rationale. Agents scoring zero are omitted.
func (m *AgentMatcher) Match(req MatchRequest) []types.AgentMatch {
	var out []types.AgentMatch
	for _, agent := range m.agents.ListEnabled() {
		score, rationale := m.scoreAgent(agent, req)
		if score <= 0 {
			continue
		}
		out = append(out, types.AgentMatch{
			AgentID:   agent.ID,
			Score:     score,
			Rationale: rationale,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}

func (m *AgentMatcher) scoreAgent(agent *types.AgentDefinition, req MatchRequest) (float64, string) {
	var parts []string

	skillScore := 0.0
	if len(req.RequiredSkills) > 0 {
		primary := toSet(agent.Skills.Primary)
		secondary := toSet(agent.Skills.Secondary)
		hits := 0.0
		var matched []string
		for _, want := range req.RequiredSkills {
			switch {
			case primary[want]:
				hits++
				matched = append(matched, want)
			case secondary[want]:
				hits += 0.5
				matched = append(matched, want+" (secondary)")
			}
		}
		skillScore = hits / float64(len(req.RequiredSkills))
		if len(matched) > 0 {
			parts = append(parts, "skills: "+strings.Join(matched, ", "))
		}
	}

	tagScore := 0.0
	if len(req.Tags) > 0 {
		have := toSet(agent.Tags)
		hits := 0
		var matched []string
		for _, want := range req.Tags {
			if have[want] || strings.EqualFold(agent.Category, want) {
				hits++
				matched = append(matched, want)
			}
		}
		tagScore = float64(hits) / float64(len(req.Tags))
		if len(matched) > 0 {
			parts = append(parts, "tags: "+strings.Join(matched, ", "))
		}
	}

	focusScore := 0.0
	if req.Description != "" && len(agent.Behavior.FocusAreas) > 0 {
		desc := strings.ToLower(req.Description)
		hits := 0
		var matched []string
		for _, focus := range agent.Behavior.FocusAreas {
			if strings.Contains(desc, strings.ToLower(focus)) {
				hits++
				matched = append(matched, focus)
			}
		}
		focusScore = float64(hits) / float64(len(agent.Behavior.FocusAreas))
		if len(matched) > 0 {
			parts = append(parts, "focus: "+strings.Join(matched, ", "))
		}
	}

	score := skillWeight*skillScore + tagWeight*tagScore + focusWeight*focusScore
	rationale := "no signal overlap"
	if len(parts) > 0 {
		rationale = fmt.Sprintf("%.2f: %s", score, strings.Join(parts, "; "))
	}
	return score, rationale
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
