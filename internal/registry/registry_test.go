package registry

import (
	"os"
	"path/filepath"
	"testing"

	"agentos/internal/graph"
	"agentos/internal/types"
)

func writeDef(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func testRegistryRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeDef(t, filepath.Join(root, "skills"), "code-review.yaml", `
id: skill_code_review
name: Code Review
description: Reviews diffs for defects
category: engineering
tags: [go, review]
`)
	writeDef(t, filepath.Join(root, "skills"), "refactoring.yaml", `
id: skill_refactoring
name: Refactoring
category: engineering
depends_on: [skill_code_review]
uses_tools: [tool_gofmt]
`)
	writeDef(t, filepath.Join(root, "tools"), "gofmt.yaml", `
id: tool_gofmt
name: gofmt
description: Formats Go source
category: formatter
type: cli
check_command: gofmt -h
tags: [go]
`)
	writeDef(t, filepath.Join(root, "agents"), "reviewer.yaml", `
id: agent_reviewer
name: Reviewer
description: Reviews code changes
category: engineering
tags: [go, review]
skills:
  primary: [skill_code_review]
  secondary: [skill_refactoring]
tools:
  enabled: [tool_gofmt]
memory:
  preferred_scopes: [project]
behavior:
  tone: professional
  focus_areas: [code review]
`)
	return root
}

func TestLoadAllAndFindByID(t *testing.T) {
	r := Open(testRegistryRoot(t))
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	agent, err := r.Agents.FindByID("agent_reviewer")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !agent.Enabled {
		t.Error("enabled should default to true when the file omits it")
	}
	if len(agent.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", agent.Warnings)
	}
	if agent.Skills.Primary[0] != "skill_code_review" {
		t.Errorf("unexpected primary skills: %v", agent.Skills.Primary)
	}

	if _, err := r.Skills.FindByID("skill_missing"); !types.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	tool, err := r.Tools.FindByID("tool_gofmt")
	if err != nil {
		t.Fatalf("tool FindByID failed: %v", err)
	}
	if tool.Type != types.ToolCLI {
		t.Errorf("tool type = %s, want cli", tool.Type)
	}
}

func TestMalformedFileIsSkipped(t *testing.T) {
	root := testRegistryRoot(t)
	writeDef(t, filepath.Join(root, "skills"), "broken.yaml", "id: [not\nvalid yaml{")
	writeDef(t, filepath.Join(root, "skills"), "anonymous.yaml", "name: No ID Here\n")

	r := Open(root)
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if got := len(r.Skills.ListAll()); got != 2 {
		t.Errorf("loaded %d skills, want 2 (broken files skipped)", got)
	}
}

func TestUnknownReferencesProduceWarnings(t *testing.T) {
	root := testRegistryRoot(t)
	writeDef(t, filepath.Join(root, "agents"), "dreamer.yaml", `
id: agent_dreamer
name: Dreamer
skills:
  primary: [skill_imaginary]
tools:
  enabled: [tool_imaginary]
`)
	r := Open(root)
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	agent, err := r.Agents.FindByID("agent_dreamer")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if len(agent.Warnings) != 2 {
		t.Errorf("warnings = %v, want 2 entries", agent.Warnings)
	}
}

func TestFindByCategoryAndTags(t *testing.T) {
	r := Open(testRegistryRoot(t))
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if got := len(r.Skills.FindByCategory("engineering")); got != 2 {
		t.Errorf("FindByCategory = %d skills, want 2", got)
	}
	if got := len(r.Skills.FindByTags([]string{"go", "review"}, true)); got != 1 {
		t.Errorf("FindByTags match_all = %d, want 1", got)
	}
	if got := len(r.Skills.FindByTags([]string{"go", "nonexistent"}, true)); got != 0 {
		t.Errorf("FindByTags match_all with missing tag = %d, want 0", got)
	}
	if got := len(r.Skills.FindByTags([]string{"go", "nonexistent"}, false)); got != 1 {
		t.Errorf("FindByTags any = %d, want 1", got)
	}
}

func TestSearchScoring(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	writeDef(t, dir, "a.yaml", "id: review\nname: Review Helper\ndescription: none\n")
	writeDef(t, dir, "b.yaml", "id: skill_b\nname: Deep Review\ndescription: none\n")
	writeDef(t, dir, "c.yaml", "id: skill_c\nname: Formatter\ndescription: supports review flows\n")
	writeDef(t, dir, "d.yaml", "id: skill_d\nname: Linter\ntags: [review]\n")
	writeDef(t, dir, "e.yaml", "id: skill_e\nname: Unrelated\n")

	reg := NewSkillRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	results := reg.Search("review", false)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	// id "review": exact id 100 + name contains 50 + prefix 25 = 175.
	if results[0].Item.ID != "review" || results[0].Score != 175 {
		t.Errorf("top = %s score %d, want review/175", results[0].Item.ID, results[0].Score)
	}
	// "Deep Review": name contains only.
	if results[1].Item.ID != "skill_b" || results[1].Score != 50 {
		t.Errorf("second = %s score %d, want skill_b/50", results[1].Item.ID, results[1].Score)
	}
	if results[2].Item.ID != "skill_c" || results[2].Score != 20 {
		t.Errorf("third = %s score %d, want skill_c/20", results[2].Item.ID, results[2].Score)
	}
	if results[3].Item.ID != "skill_d" || results[3].Score != 10 {
		t.Errorf("fourth = %s score %d, want skill_d/10", results[3].Item.ID, results[3].Score)
	}

	if got := reg.Search("", false); got != nil {
		t.Errorf("empty query should return nothing, got %d", len(got))
	}
}

func TestSearchEnabledOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	writeDef(t, dir, "a.yaml", "id: skill_a\nname: Review A\n")
	writeDef(t, dir, "b.yaml", "id: skill_b\nname: Review B\nenabled: false\n")

	reg := NewSkillRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if got := len(reg.Search("review", true)); got != 1 {
		t.Errorf("enabled-only search = %d, want 1", got)
	}
	if got := len(reg.Search("review", false)); got != 2 {
		t.Errorf("all search = %d, want 2", got)
	}
}

func TestEnableDisableSurvivesReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	writeDef(t, dir, "a.yaml", "id: skill_a\nname: A\n")

	reg := NewSkillRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if err := reg.Disable("skill_a"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if reg.IsEnabled("skill_a") {
		t.Error("skill_a should be disabled")
	}

	if _, err := reg.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reg.IsEnabled("skill_a") {
		t.Error("disable override should survive reload")
	}
	if err := reg.Enable("skill_a"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !reg.IsEnabled("skill_a") {
		t.Error("skill_a should be enabled again")
	}

	if err := reg.Enable("skill_ghost"); !types.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestLoadByIDPicksUpFileEdits(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	path := writeDef(t, dir, "a.yaml", "id: skill_a\nname: Before\n")

	reg := NewSkillRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("id: skill_a\nname: After\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := reg.LoadByID("skill_a")
	if err != nil {
		t.Fatalf("LoadByID failed: %v", err)
	}
	if got.Name != "After" {
		t.Errorf("Name = %s, want After", got.Name)
	}
}

func TestGetStats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	writeDef(t, dir, "a.yaml", "id: skill_a\nname: A\ncategory: eng\n")
	writeDef(t, dir, "b.yaml", "id: skill_b\nname: B\ncategory: eng\nenabled: false\n")
	writeDef(t, dir, "c.yaml", "id: skill_c\nname: C\ncategory: ops\n")

	reg := NewSkillRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	stats := reg.GetStats()
	if stats.Total != 3 || stats.Enabled != 2 || stats.Disabled != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByCategory["eng"] != 2 || stats.ByCategory["ops"] != 1 {
		t.Errorf("categories = %v", stats.ByCategory)
	}
}

func TestSyncToGraphIsIdempotent(t *testing.T) {
	r := Open(testRegistryRoot(t))
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	g, err := graph.NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("NewGraphStore failed: %v", err)
	}
	defer g.Close()

	for i := 0; i < 2; i++ {
		if err := r.SyncToGraph(g); err != nil {
			t.Fatalf("SyncToGraph pass %d failed: %v", i+1, err)
		}
	}

	node, err := g.GetNode("agent_reviewer")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Type != types.NodeAgent {
		t.Errorf("node type = %s, want Agent", node.Type)
	}

	skills, err := g.EdgesFrom("agent_reviewer", types.EdgeHasSkill)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(skills) != 2 {
		t.Fatalf("HAS_SKILL edges = %d, want 2 (sync must not duplicate)", len(skills))
	}
	weights := map[string]float64{}
	for _, e := range skills {
		weights[e.ToID] = e.Weight
	}
	if weights["skill_code_review"] != 1.0 || weights["skill_refactoring"] != 0.5 {
		t.Errorf("skill weights = %v", weights)
	}

	tools, err := g.EdgesFrom("agent_reviewer", types.EdgeHasTool)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(tools) != 1 || tools[0].ToID != "tool_gofmt" {
		t.Errorf("HAS_TOOL edges = %v", tools)
	}

	scopes, err := g.EdgesFrom("agent_reviewer", types.EdgePrefersScope)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(scopes) != 1 || scopes[0].ToID != "scope:project" {
		t.Errorf("PREFERS_SCOPE edges = %v", scopes)
	}

	deps, err := g.EdgesFrom("skill_refactoring", types.EdgeSkillDependsOn)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(deps) != 1 || deps[0].ToID != "skill_code_review" {
		t.Errorf("SKILL_DEPENDS_ON edges = %v", deps)
	}

	uses, err := g.EdgesFrom("skill_refactoring", types.EdgeUsesTool)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(uses) != 1 || uses[0].ToID != "tool_gofmt" {
		t.Errorf("USES_TOOL edges = %v", uses)
	}
}
