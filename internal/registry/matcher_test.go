package registry

import (
	"path/filepath"
	"strings"
	"testing"
)

func matcherFixture(t *testing.T) *AgentMatcher {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "agents")
	writeDef(t, dir, "reviewer.yaml", `
id: agent_reviewer
name: Reviewer
category: engineering
tags: [go, review]
skills:
  primary: [skill_code_review]
  secondary: [skill_refactoring]
behavior:
  focus_areas: [code review, correctness]
`)
	writeDef(t, dir, "writer.yaml", `
id: agent_writer
name: Writer
category: docs
tags: [writing]
skills:
  primary: [skill_docs]
`)
	writeDef(t, dir, "retired.yaml", `
id: agent_retired
name: Retired
enabled: false
skills:
  primary: [skill_code_review]
`)
	reg := NewAgentRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	return NewAgentMatcher(reg)
}

func TestMatchBySkill(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{RequiredSkills: []string{"skill_code_review"}})
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (disabled agent excluded)", len(matches))
	}
	if matches[0].AgentID != "agent_reviewer" {
		t.Errorf("top match = %s", matches[0].AgentID)
	}
	// Full primary skill match carries the 50% skill weight.
	if matches[0].Score < 0.49 || matches[0].Score > 0.51 {
		t.Errorf("score = %v, want ~0.5", matches[0].Score)
	}
	if !strings.Contains(matches[0].Rationale, "skill_code_review") {
		t.Errorf("rationale %q should name the matched skill", matches[0].Rationale)
	}
}

func TestMatchSecondarySkillScoresHalf(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{RequiredSkills: []string{"skill_refactoring"}})
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].Score < 0.24 || matches[0].Score > 0.26 {
		t.Errorf("score = %v, want ~0.25", matches[0].Score)
	}
}

func TestMatchCombinesSignals(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{
		Description:    "please do a code review of this change",
		RequiredSkills: []string{"skill_code_review"},
		Tags:           []string{"go"},
	})
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	// skill 0.5 + tags 0.3 + focus 0.2*(1/2 focus areas matched) = 0.9.
	if matches[0].Score < 0.89 || matches[0].Score > 0.91 {
		t.Errorf("score = %v, want ~0.9", matches[0].Score)
	}
}

func TestMatchCategoryCountsAsTag(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{Tags: []string{"docs"}})
	if len(matches) != 1 || matches[0].AgentID != "agent_writer" {
		t.Fatalf("matches = %+v, want agent_writer only", matches)
	}
}

func TestMatchRankingAndLimit(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{Tags: []string{"go", "writing"}})
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	// Equal tag scores tie-break on id.
	if matches[0].AgentID != "agent_reviewer" || matches[1].AgentID != "agent_writer" {
		t.Errorf("order = %s, %s", matches[0].AgentID, matches[1].AgentID)
	}

	limited := m.Match(MatchRequest{Tags: []string{"go", "writing"}, Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestMatchNoSignalOmitted(t *testing.T) {
	m := matcherFixture(t)
	matches := m.Match(MatchRequest{RequiredSkills: []string{"skill_nonexistent"}})
	if len(matches) != 0 {
		t.Errorf("got %d matches, want none", len(matches))
	}
}
