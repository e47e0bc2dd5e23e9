package writeback

import (
	"testing"

	"agentos/internal/types"
)

func newTestQueue(t *testing.T) *ReviewQueue {
	t.Helper()
	q, err := NewReviewQueue(":memory:")
	if err != nil {
		t.Fatalf("Failed to create review queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testProposal(id, path string) *types.WriteProposal {
	return &types.WriteProposal{
		ID:         id,
		Type:       types.ProposalCreate,
		TargetPath: path,
		Reason:     "captured during session",
		Content:    "# Note\n\nSome knowledge worth keeping.",
		Scope:      types.ScopeProject,
		Tags:       []string{"go"},
		ProposedBy: "agent_researcher",
	}
}

func TestEnqueueAndGet(t *testing.T) {
	q := newTestQueue(t)

	p := testProposal("prop_1", "project/note.md")
	if err := q.Enqueue(p); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.Get("prop_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.ProposalPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.TargetPath != "project/note.md" || got.ProposedBy != "agent_researcher" {
		t.Errorf("Fields lost: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "go" {
		t.Errorf("Tags lost: %v", got.Tags)
	}

	if _, err := q.Get("prop_missing"); !types.IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

func TestOneActiveProposalPerPath(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Enqueue(testProposal("prop_1", "project/note.md")); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}

	err := q.Enqueue(testProposal("prop_2", "project/note.md"))
	if !types.IsConflict(err) {
		t.Fatalf("Expected conflict for duplicate path, got %v", err)
	}

	// A different path is fine.
	if err := q.Enqueue(testProposal("prop_3", "project/other.md")); err != nil {
		t.Errorf("Different path should enqueue: %v", err)
	}

	// Once the first is terminal, the path frees up.
	if err := q.UpdateStatus("prop_1", types.ProposalRejected, "not useful"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := q.Enqueue(testProposal("prop_4", "project/note.md")); err != nil {
		t.Errorf("Path should be free after rejection: %v", err)
	}
}

func TestTerminalStatusBlocksTransitions(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(testProposal("prop_1", "project/note.md")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.UpdateStatus("prop_1", types.ProposalCommitted, ""); err != nil {
		t.Fatalf("Commit transition failed: %v", err)
	}

	if err := q.UpdateStatus("prop_1", types.ProposalPending, ""); !types.IsValidation(err) {
		t.Errorf("Expected terminal guard, got %v", err)
	}
	if err := q.UpdateProposal("prop_1", "new content", ""); !types.IsValidation(err) {
		t.Errorf("Expected terminal guard on modify, got %v", err)
	}
}

func TestStatusHistoryIsAppendOnly(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(testProposal("prop_1", "project/note.md")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.UpdateStatus("prop_1", types.ProposalInReview, "needs a look")
	q.UpdateStatus("prop_1", types.ProposalApproved, "lgtm")
	q.UpdateStatus("prop_1", types.ProposalCommitted, "")

	history, err := q.GetHistory("prop_1")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	want := []types.ProposalStatus{
		types.ProposalPending, types.ProposalInReview,
		types.ProposalApproved, types.ProposalCommitted,
	}
	if len(history) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(history))
	}
	for i, entry := range history {
		if entry.ToStatus != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], entry.ToStatus)
		}
	}
	if history[1].Notes != "needs a look" {
		t.Errorf("Notes not preserved: %q", history[1].Notes)
	}
}

func TestRetryAndCommitError(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(testProposal("prop_1", "project/note.md")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := q.IncrementRetry("prop_1")
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if count != want {
			t.Errorf("Expected retry count %d, got %d", want, count)
		}
	}
	if err := q.SetCommitError("prop_1", "stale_precondition"); err != nil {
		t.Fatalf("SetCommitError failed: %v", err)
	}

	p, _ := q.Get("prop_1")
	if p.RetryCount != 3 || p.CommitError != "stale_precondition" {
		t.Errorf("Retry state not persisted: %+v", p)
	}
}

func TestGetByStatusOrdersBySubmission(t *testing.T) {
	q := newTestQueue(t)
	for _, id := range []string{"prop_a", "prop_b", "prop_c"} {
		if err := q.Enqueue(testProposal(id, "project/"+id+".md")); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	pending, err := q.GetPending()
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending, got %d", len(pending))
	}
	for i, id := range []string{"prop_a", "prop_b", "prop_c"} {
		if pending[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, pending[i].ID)
		}
	}
}

func TestQueueStats(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(testProposal("prop_1", "project/a.md"))
	q.Enqueue(testProposal("prop_2", "project/b.md"))
	q.UpdateStatus("prop_2", types.ProposalApproved, "")

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Expected total 2, got %d", stats.Total)
	}
	if stats.ByStatus[types.ProposalPending] != 1 || stats.ByStatus[types.ProposalApproved] != 1 {
		t.Errorf("Status counts wrong: %v", stats.ByStatus)
	}
}
