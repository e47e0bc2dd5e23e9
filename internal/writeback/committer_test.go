package writeback

import (
	"context"
	"strings"
	"testing"

	"agentos/internal/config"
	"agentos/internal/embedding"
	"agentos/internal/fsio"
	"agentos/internal/memfile"
	"agentos/internal/types"
)

// fakeIndexer is an in-memory MemoryIndexer recording reindex calls.
type fakeIndexer struct {
	byPath    map[string]*types.Memory
	reindexed []string
	meta      map[string]string
}

func newFakeIndexer(memories ...*types.Memory) *fakeIndexer {
	f := &fakeIndexer{byPath: make(map[string]*types.Memory), meta: make(map[string]string)}
	for _, m := range memories {
		f.byPath[m.Path] = m
	}
	return f
}

func (f *fakeIndexer) GetByPath(path string) (*types.Memory, error) {
	m, ok := f.byPath[path]
	if !ok {
		return nil, types.NotFoundf("no memory at %s", path)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeIndexer) UpsertMemory(m *types.Memory) error {
	cp := *m
	f.byPath[m.Path] = &cp
	return nil
}

func (f *fakeIndexer) Deprecate(id string) error {
	for _, m := range f.byPath {
		if m.ID == id {
			m.Status = types.MemoryDeprecated
			return nil
		}
	}
	return types.NotFoundf("memory %s", id)
}

func (f *fakeIndexer) ReindexOne(ctx context.Context, e embedding.Embedder, id string) error {
	f.reindexed = append(f.reindexed, id)
	return nil
}

func (f *fakeIndexer) SetMeta(key, value string) error {
	f.meta[key] = value
	return nil
}

type fakeScanner struct {
	targets []string
	err     error
}

func (f *fakeScanner) IncrementalScan(ctx context.Context, targetID string) (*types.ScanRecord, error) {
	f.targets = append(f.targets, targetID)
	if f.err != nil {
		return nil, f.err
	}
	return &types.ScanRecord{ID: "scan_test", Mode: "incremental", TargetMemory: targetID}, nil
}

type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (noopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (noopEmbedder) Dimensions() int { return 2 }
func (noopEmbedder) Name() string    { return "noop:test" }

func committerFixture(t *testing.T, memories ...*types.Memory) (*Committer, *ReviewQueue, *fakeIndexer, *fakeScanner, fsio.FileSystem) {
	t.Helper()
	q := newTestQueue(t)
	fs, err := fsio.NewOSFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem: %v", err)
	}
	idx := newFakeIndexer(memories...)
	scanner := &fakeScanner{}
	c := NewCommitter(q, fs, idx, noopEmbedder{}, scanner, nil, config.WritebackConfig{
		MaxRetries:    3,
		CommitWorkers: 2,
	})
	return c, q, idx, scanner, fs
}

func approve(t *testing.T, q *ReviewQueue, p *types.WriteProposal) {
	t.Helper()
	if err := q.Enqueue(p); err != nil {
		t.Fatalf("Enqueue %s failed: %v", p.ID, err)
	}
	if err := q.UpdateStatus(p.ID, types.ProposalApproved, ""); err != nil {
		t.Fatalf("Approve %s failed: %v", p.ID, err)
	}
}

func TestCommitCreateProposal(t *testing.T) {
	c, q, idx, scanner, fs := committerFixture(t)

	p := testProposal("prop_1", "project/note.md")
	approve(t, q, p)

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	if stats.Committed != 1 || stats.Failed != 0 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}

	got, _ := q.Get("prop_1")
	if got.Status != types.ProposalCommitted {
		t.Errorf("Expected committed, got %s", got.Status)
	}

	// File written and parseable.
	raw, err := fs.ReadFile("project/note.md")
	if err != nil {
		t.Fatalf("Memory file not written: %v", err)
	}
	m, err := memfile.Parse("project/note.md", raw)
	if err != nil {
		t.Fatalf("Written file does not parse: %v", err)
	}
	if m.Content != p.Content {
		t.Errorf("Content mismatch: %q", m.Content)
	}

	// Indexed, reindexed, rescanned.
	indexed, err := idx.GetByPath("project/note.md")
	if err != nil {
		t.Fatalf("Memory not indexed: %v", err)
	}
	if len(idx.reindexed) != 1 || idx.reindexed[0] != indexed.ID {
		t.Errorf("Expected reindex of %s, got %v", indexed.ID, idx.reindexed)
	}
	if len(scanner.targets) != 1 || scanner.targets[0] != indexed.ID {
		t.Errorf("Expected targeted scan of %s, got %v", indexed.ID, scanner.targets)
	}
}

func TestCommitStalePrecondition(t *testing.T) {
	existing := &types.Memory{
		ID: "mem_1", Path: "project/note.md", Directory: "project",
		Title: "Note", Scope: types.ScopeProject, Priority: 0.5,
		Confidence: types.ConfidenceActive, Status: types.MemoryActive,
		Content: "Original content.",
	}
	c, q, _, _, fs := committerFixture(t, existing)

	// Seed the file, enqueue an update pinned to its hash, then change the
	// file underneath.
	if err := fs.WriteFile("project/note.md", "Original content."); err != nil {
		t.Fatalf("Seed write failed: %v", err)
	}
	p := testProposal("prop_1", "project/note.md")
	p.Type = types.ProposalUpdate
	p.PreImageHash = fsio.HashContent("Original content.")
	approve(t, q, p)

	if err := fs.WriteFile("project/note.md", "Changed by someone else."); err != nil {
		t.Fatalf("Conflicting write failed: %v", err)
	}

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	if stats.Failed != 1 || stats.Committed != 0 {
		t.Fatalf("Expected 1 failure, got %+v", stats)
	}

	got, _ := q.Get("prop_1")
	if got.Status != types.ProposalFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.CommitError != "stale_precondition" {
		t.Errorf("Expected stale_precondition commit error, got %q", got.CommitError)
	}

	// The conflicting content is untouched.
	raw, _ := fs.ReadFile("project/note.md")
	if raw != "Changed by someone else." {
		t.Errorf("Failed commit must not overwrite the file: %q", raw)
	}
}

func TestCommitMatchingPreImageSucceeds(t *testing.T) {
	existing := &types.Memory{
		ID: "mem_1", Path: "project/note.md", Directory: "project",
		Title: "Note", Scope: types.ScopeProject, Priority: 0.5,
		Confidence: types.ConfidenceActive, Status: types.MemoryActive,
		Content: "Original content.",
	}
	c, q, idx, _, fs := committerFixture(t, existing)

	if err := fs.WriteFile("project/note.md", "Original content."); err != nil {
		t.Fatalf("Seed write failed: %v", err)
	}
	p := testProposal("prop_1", "project/note.md")
	p.Type = types.ProposalUpdate
	p.Content = "Updated content."
	p.PreImageHash = fsio.HashContent("Original content.")
	approve(t, q, p)

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	if stats.Committed != 1 {
		t.Fatalf("Expected commit, got %+v", stats)
	}
	m, _ := idx.GetByPath("project/note.md")
	if m.Content != "Updated content." || m.ID != "mem_1" {
		t.Errorf("Update should keep the memory id and replace content: %+v", m)
	}
}

func TestCommitRetryExhaustion(t *testing.T) {
	// An update with no indexed memory fails on every attempt.
	c, q, _, _, _ := committerFixture(t)

	p := testProposal("prop_1", "project/ghost.md")
	p.Type = types.ProposalUpdate
	approve(t, q, p)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		stats, err := c.ProcessApproved(ctx)
		if err != nil {
			t.Fatalf("Pass %d failed: %v", i, err)
		}
		if stats.Retried != 1 {
			t.Fatalf("Pass %d: expected retry, got %+v", i, stats)
		}
		got, _ := q.Get("prop_1")
		if got.Status != types.ProposalApproved {
			t.Fatalf("Pass %d: proposal should stay approved while retrying, got %s", i, got.Status)
		}
	}

	// Fourth attempt exceeds MaxRetries and fails for good.
	stats, err := c.ProcessApproved(ctx)
	if err != nil {
		t.Fatalf("Final pass failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("Expected terminal failure, got %+v", stats)
	}
	got, _ := q.Get("prop_1")
	if got.Status != types.ProposalFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.RetryCount != 4 {
		t.Errorf("Expected 4 attempts recorded, got %d", got.RetryCount)
	}
}

func TestCommitDeprecateProposal(t *testing.T) {
	existing := &types.Memory{
		ID: "mem_1", Path: "project/old.md", Directory: "project",
		Title: "Old", Scope: types.ScopeProject, Priority: 0.5,
		Confidence: types.ConfidenceActive, Status: types.MemoryActive,
		Content: "Obsolete guidance.",
	}
	c, q, idx, _, fs := committerFixture(t, existing)

	p := testProposal("prop_1", "project/old.md")
	p.Type = types.ProposalDeprecate
	p.Content = ""
	approve(t, q, p)

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	if stats.Committed != 1 {
		t.Fatalf("Expected commit, got %+v", stats)
	}
	if idx.byPath["project/old.md"].Status != types.MemoryDeprecated {
		t.Errorf("Memory not deprecated in index")
	}

	raw, err := fs.ReadFile("project/old.md")
	if err != nil {
		t.Fatalf("Deprecated file missing: %v", err)
	}
	if !strings.Contains(raw, "status: deprecated") {
		t.Errorf("File should record deprecated status:\n%s", raw)
	}
}

func TestPostCommitFailureFlagsReconcile(t *testing.T) {
	c, q, idx, scanner, _ := committerFixture(t)
	scanner.err = types.Storef("conflict store unavailable")

	p := testProposal("prop_1", "project/note.md")
	approve(t, q, p)

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	// The write itself landed; only the derived state is behind.
	if stats.Committed != 1 {
		t.Fatalf("Expected commit despite post-commit failure, got %+v", stats)
	}
	got, _ := q.Get("prop_1")
	if got.Status != types.ProposalCommitted {
		t.Errorf("Expected committed, got %s", got.Status)
	}
	if idx.meta["needs_reconcile"] != "true" {
		t.Errorf("Expected needs_reconcile flagged, got %q", idx.meta["needs_reconcile"])
	}
}

func TestCommitOrderWithinPath(t *testing.T) {
	c, q, idx, _, _ := committerFixture(t)

	// Two sequential proposals for the same path: the first must commit and
	// terminate before the second can even enter the queue.
	first := testProposal("prop_1", "project/note.md")
	first.Content = "Version one."
	approve(t, q, first)

	if _, err := c.ProcessApproved(context.Background()); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	second := testProposal("prop_2", "project/note.md")
	second.Type = types.ProposalUpdate
	second.Content = "Version two."
	approve(t, q, second)

	if _, err := c.ProcessApproved(context.Background()); err != nil {
		t.Fatalf("Second commit failed: %v", err)
	}

	m, err := idx.GetByPath("project/note.md")
	if err != nil {
		t.Fatalf("Memory missing: %v", err)
	}
	if m.Content != "Version two." {
		t.Errorf("Later proposal should win: %q", m.Content)
	}
}

func TestCommitConcurrentPaths(t *testing.T) {
	c, q, idx, _, _ := committerFixture(t)

	paths := []string{"project/a.md", "project/b.md", "project/c.md", "project/d.md"}
	for i, path := range paths {
		p := testProposal(NewProposalID(), path)
		p.Content = "Content " + string(rune('a'+i)) + "."
		approve(t, q, p)
	}

	stats, err := c.ProcessApproved(context.Background())
	if err != nil {
		t.Fatalf("ProcessApproved failed: %v", err)
	}
	if stats.Committed != len(paths) {
		t.Fatalf("Expected %d commits, got %+v", len(paths), stats)
	}
	for _, path := range paths {
		if _, err := idx.GetByPath(path); err != nil {
			t.Errorf("Path %s not indexed: %v", path, err)
		}
	}
}
