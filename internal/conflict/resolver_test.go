package conflict

import (
	"strings"
	"testing"
	"time"

	"agentos/internal/graph"
	"agentos/internal/types"
)

// fakeMemoryMutator implements MemoryMutator in memory, with an optional
// failure hook for partial-failure tests.
type fakeMemoryMutator struct {
	memories      map[string]*types.Memory
	deprecateFail map[string]bool
}

func newFakeMutator(memories ...*types.Memory) *fakeMemoryMutator {
	f := &fakeMemoryMutator{
		memories:      make(map[string]*types.Memory),
		deprecateFail: make(map[string]bool),
	}
	for _, m := range memories {
		f.memories[m.ID] = m
	}
	return f
}

func (f *fakeMemoryMutator) GetMemory(id string) (*types.Memory, error) {
	m, ok := f.memories[id]
	if !ok {
		return nil, types.NotFoundf("memory %s", id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMemoryMutator) UpsertMemory(m *types.Memory) error {
	cp := *m
	f.memories[m.ID] = &cp
	return nil
}

func (f *fakeMemoryMutator) Deprecate(id string) error {
	if f.deprecateFail[id] {
		return types.Storef("simulated write failure for %s", id)
	}
	m, ok := f.memories[id]
	if !ok {
		return types.NotFoundf("memory %s", id)
	}
	m.Status = types.MemoryDeprecated
	m.Confidence = types.ConfidenceDeprecated
	return nil
}

type fakeGraphMutator struct {
	nodes []graph.Node
	edges []types.Edge
}

func (f *fakeGraphMutator) UpsertNode(n graph.Node) error {
	f.nodes = append(f.nodes, n)
	return nil
}

func (f *fakeGraphMutator) CreateEdge(e types.Edge) error {
	f.edges = append(f.edges, e)
	return nil
}

func resolverFixture(t *testing.T, memories ...*types.Memory) (*Resolver, *ConflictStore, *fakeMemoryMutator, *fakeGraphMutator) {
	t.Helper()
	cs := newTestConflictStore(t)
	mut := newFakeMutator(memories...)
	g := &fakeGraphMutator{}
	r := NewResolver(cs, mut, g, 7*24*time.Hour)
	return r, cs, mut, g
}

func seedConflict(t *testing.T, cs *ConflictStore, m1, m2 string) *types.Conflict {
	t.Helper()
	c := sampleConflict("conf_1", m1, m2)
	if err := cs.CreateConflict(c); err != nil {
		t.Fatalf("Failed to seed conflict: %v", err)
	}
	return c
}

func TestResolveDeprecate(t *testing.T) {
	m1 := conflictMemory("mem_a", types.ScopeGlobal, []string{"go"}, nil)
	m2 := conflictMemory("mem_b", types.ScopeGlobal, []string{"go"}, nil)
	r, cs, mut, _ := resolverFixture(t, m1, m2)
	seedConflict(t, cs, "mem_a", "mem_b")

	rec, err := r.Resolve(types.ResolutionRequest{
		ConflictID:     "conf_1",
		Action:         types.ResolveDeprecate,
		TargetMemoryID: "mem_b",
		Reason:         "older duplicate",
		ResolvedBy:     "operator",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(rec.MemoriesDeprecated) != 1 || rec.MemoriesDeprecated[0] != "mem_b" {
		t.Errorf("Expected mem_b deprecated, got %v", rec.MemoriesDeprecated)
	}
	if mut.memories["mem_b"].Status != types.MemoryDeprecated {
		t.Errorf("mem_b not deprecated in store")
	}
	if mut.memories["mem_a"].Status != types.MemoryActive {
		t.Errorf("mem_a should be untouched")
	}

	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictResolved {
		t.Errorf("Expected resolved, got %s", c.Status)
	}
	if c.ResolutionAction != "deprecate" || c.ResolvedBy != "operator" || c.ResolvedAt == nil {
		t.Errorf("Resolution metadata incomplete: %+v", c)
	}

	log, _ := cs.GetResolutionLog("conf_1")
	if len(log) != 1 {
		t.Errorf("Expected 1 audit entry, got %d", len(log))
	}
}

func TestResolveDeprecateRejectsOutsideTarget(t *testing.T) {
	m1 := conflictMemory("mem_a", types.ScopeGlobal, nil, nil)
	m2 := conflictMemory("mem_b", types.ScopeGlobal, nil, nil)
	r, cs, _, _ := resolverFixture(t, m1, m2)
	seedConflict(t, cs, "mem_a", "mem_b")

	_, err := r.Resolve(types.ResolutionRequest{
		ConflictID:     "conf_1",
		Action:         types.ResolveDeprecate,
		TargetMemoryID: "mem_z",
		ResolvedBy:     "operator",
	})
	if err == nil || !strings.Contains(err.Error(), "not part of conflict") {
		t.Fatalf("Expected target validation failure, got %v", err)
	}

	// The attempt ran under in_progress and stays there for inspection.
	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictInProgress {
		t.Errorf("Expected in_progress after failed attempt, got %s", c.Status)
	}
}

func TestResolveMerge(t *testing.T) {
	m1 := conflictMemory("mem_a", types.ScopeGlobal, []string{"go", "db"}, nil)
	m1.Priority = 0.8
	m2 := conflictMemory("mem_b", types.ScopeGlobal, []string{"go", "sqlite"}, nil)
	m2.Priority = 0.4
	r, cs, mut, g := resolverFixture(t, m1, m2)
	seedConflict(t, cs, "mem_a", "mem_b")

	rec, err := r.Resolve(types.ResolutionRequest{
		ConflictID:    "conf_1",
		Action:        types.ResolveMerge,
		MergedContent: "Unified guidance covering both memories.",
		Reason:        "combined",
		ResolvedBy:    "operator",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(rec.MemoriesCreated) != 1 {
		t.Fatalf("Expected 1 created memory, got %v", rec.MemoriesCreated)
	}
	newID := rec.MemoriesCreated[0]

	merged := mut.memories[newID]
	if merged == nil {
		t.Fatal("Merged memory not persisted")
	}
	if merged.Priority != 0.8 {
		t.Errorf("Expected max priority 0.8, got %f", merged.Priority)
	}
	wantTags := []string{"db", "go", "sqlite"}
	if len(merged.Tags) != len(wantTags) {
		t.Fatalf("Tag union wrong: %v", merged.Tags)
	}
	for i, tag := range wantTags {
		if merged.Tags[i] != tag {
			t.Errorf("Tag %d: expected %s, got %s", i, tag, merged.Tags[i])
		}
	}
	if len(merged.Supersedes) != 2 {
		t.Errorf("Expected merged memory to supersede both, got %v", merged.Supersedes)
	}

	for _, id := range []string{"mem_a", "mem_b"} {
		if mut.memories[id].Status != types.MemoryDeprecated {
			t.Errorf("%s should be deprecated after merge", id)
		}
	}

	// Graph: one node for the merged memory, SUPERSEDES edge to each original.
	if len(g.nodes) != 1 || g.nodes[0].ID != newID {
		t.Errorf("Expected merged node upsert, got %v", g.nodes)
	}
	if len(g.edges) != 2 {
		t.Fatalf("Expected 2 supersedes edges, got %d", len(g.edges))
	}
	for _, e := range g.edges {
		if e.Type != types.EdgeSupersedes || e.FromID != newID || e.Weight != 1 {
			t.Errorf("Bad edge: %+v", e)
		}
	}

	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictResolved {
		t.Errorf("Expected resolved, got %s", c.Status)
	}
}

func TestResolveMergePartialFailureStaysInProgress(t *testing.T) {
	m1 := conflictMemory("mem_a", types.ScopeGlobal, []string{"go"}, nil)
	m2 := conflictMemory("mem_b", types.ScopeGlobal, []string{"go"}, nil)
	r, cs, mut, _ := resolverFixture(t, m1, m2)
	seedConflict(t, cs, "mem_a", "mem_b")

	// New memory and the first deprecation succeed; the second fails.
	mut.deprecateFail["mem_b"] = true

	rec, err := r.Resolve(types.ResolutionRequest{
		ConflictID:    "conf_1",
		Action:        types.ResolveMerge,
		MergedContent: "Unified content.",
		ResolvedBy:    "operator",
	})
	if err == nil {
		t.Fatal("Expected partial failure error")
	}
	if !strings.Contains(err.Error(), "incomplete") {
		t.Errorf("Error should flag incomplete resolution: %v", err)
	}
	if len(rec.MemoriesCreated) != 1 {
		t.Errorf("Record should list the created memory: %v", rec.MemoriesCreated)
	}
	if len(rec.MemoriesDeprecated) != 1 || rec.MemoriesDeprecated[0] != "mem_a" {
		t.Errorf("Record should list only the completed deprecation: %v", rec.MemoriesDeprecated)
	}

	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictInProgress {
		t.Errorf("Expected conflict to stay in_progress, got %s", c.Status)
	}

	// The partial attempt is on the audit log.
	log, _ := cs.GetResolutionLog("conf_1")
	if len(log) != 1 {
		t.Errorf("Expected audit entry for the partial attempt, got %d", len(log))
	}
}

func TestResolveClarify(t *testing.T) {
	m1 := conflictMemory("mem_a", types.ScopeGlobal, nil, nil)
	m2 := conflictMemory("mem_b", types.ScopeGlobal, nil, nil)
	r, cs, mut, _ := resolverFixture(t, m1, m2)
	seedConflict(t, cs, "mem_a", "mem_b")

	rec, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1",
		Action:     types.ResolveClarify,
		Reason:     "mem_a applies to CI, mem_b applies to local dev",
		ResolvedBy: "operator",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(rec.MemoriesModified) != 2 {
		t.Errorf("Expected both memories modified, got %v", rec.MemoriesModified)
	}

	for _, id := range []string{"mem_a", "mem_b"} {
		m := mut.memories[id]
		if !strings.Contains(m.Content, "> Clarification (operator): mem_a applies to CI") {
			t.Errorf("%s missing clarification note: %q", id, m.Content)
		}
		if m.TokenCount != types.EstimateTokens(m.Content) {
			t.Errorf("%s token count not recomputed", id)
		}
	}
}

func TestResolveDismiss(t *testing.T) {
	r, cs, _, _ := resolverFixture(t)
	seedConflict(t, cs, "mem_a", "mem_b")

	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1",
		Action:     types.ResolveDismiss,
		Reason:     "intentional overlap",
		ResolvedBy: "operator",
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictDismissed {
		t.Errorf("Expected dismissed, got %s", c.Status)
	}
	if !strings.Contains(c.Description, "[dismissed: intentional overlap]") {
		t.Errorf("Dismissal reason not recorded in description: %q", c.Description)
	}

	// Dismissal frees the pair for re-detection.
	if err := cs.CreateConflict(sampleConflict("conf_2", "mem_a", "mem_b")); err != nil {
		t.Errorf("Expected pair free after dismissal, got %v", err)
	}
}

func TestResolveDefer(t *testing.T) {
	r, cs, _, _ := resolverFixture(t)
	seedConflict(t, cs, "mem_a", "mem_b")

	before := time.Now().UTC()
	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1",
		Action:     types.ResolveDefer,
		Reason:     "waiting on migration",
		ResolvedBy: "operator",
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	c, _ := cs.GetConflict("conf_1")
	if c.Status != types.ConflictUnresolved {
		t.Errorf("Defer should keep unresolved status, got %s", c.Status)
	}
	if c.SuppressedUntil == nil {
		t.Fatal("Expected suppression window set")
	}
	got := c.SuppressedUntil.Sub(before)
	if got < 7*24*time.Hour-time.Minute || got > 7*24*time.Hour+time.Minute {
		t.Errorf("Suppression window off: %s", got)
	}

	log, _ := cs.GetResolutionLog("conf_1")
	if len(log) != 1 || log[0].Action != types.ResolveDefer {
		t.Errorf("Defer audit entry missing: %v", log)
	}
}

func TestResolveRejectsTerminalConflict(t *testing.T) {
	r, cs, _, _ := resolverFixture(t)
	seedConflict(t, cs, "mem_a", "mem_b")

	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1",
		Action:     types.ResolveDismiss,
		Reason:     "noise",
		ResolvedBy: "operator",
	}); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	_, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1",
		Action:     types.ResolveDismiss,
		Reason:     "again",
		ResolvedBy: "operator",
	})
	if !types.IsValidation(err) {
		t.Errorf("Expected validation error for terminal conflict, got %v", err)
	}
}

func TestResolveValidatesRequest(t *testing.T) {
	r, cs, _, _ := resolverFixture(t)
	seedConflict(t, cs, "mem_a", "mem_b")

	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1", Action: "obliterate", ResolvedBy: "operator",
	}); !types.IsValidation(err) {
		t.Errorf("Expected validation error for unknown action, got %v", err)
	}
	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_1", Action: types.ResolveDismiss,
	}); !types.IsValidation(err) {
		t.Errorf("Expected validation error for missing resolved_by, got %v", err)
	}
	if _, err := r.Resolve(types.ResolutionRequest{
		ConflictID: "conf_missing", Action: types.ResolveDismiss, ResolvedBy: "operator",
	}); !types.IsNotFound(err) {
		t.Errorf("Expected not-found for unknown conflict, got %v", err)
	}
}
