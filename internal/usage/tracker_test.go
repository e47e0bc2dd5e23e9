package usage

import (
	"testing"
	"time"

	"agentos/internal/types"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(":memory:")
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordUseAndCount(t *testing.T) {
	tr := newTestTracker(t)

	for i := 0; i < 3; i++ {
		if err := tr.RecordUse("mem_2026_01_01_001", "sess-1"); err != nil {
			t.Fatalf("RecordUse failed: %v", err)
		}
	}

	n, err := tr.UseCount("mem_2026_01_01_001")
	if err != nil {
		t.Fatalf("UseCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 uses, got %d", n)
	}

	last, err := tr.LastUsed("mem_2026_01_01_001")
	if err != nil {
		t.Fatalf("LastUsed failed: %v", err)
	}
	if last.IsZero() {
		t.Error("Expected non-zero last used time")
	}

	never, err := tr.LastUsed("mem_2026_01_01_999")
	if err != nil {
		t.Fatalf("LastUsed failed: %v", err)
	}
	if !never.IsZero() {
		t.Errorf("Expected zero time for never-used memory, got %v", never)
	}
}

func TestDisabledTrackerDropsEvents(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetEnabled(false)

	if err := tr.RecordUse("mem_2026_01_01_001", ""); err != nil {
		t.Fatalf("RecordUse failed: %v", err)
	}
	n, err := tr.UseCount("mem_2026_01_01_001")
	if err != nil {
		t.Fatalf("UseCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected disabled tracker to drop events, got count %d", n)
	}
	if tr.Enabled() {
		t.Error("Expected Enabled() false")
	}
}

func TestTokenTotals(t *testing.T) {
	tr := newTestTracker(t)

	if err := tr.RecordTokens("gemini-2.0", "sess-1", 100, 50); err != nil {
		t.Fatalf("RecordTokens failed: %v", err)
	}
	if err := tr.RecordTokens("gemini-2.0", "sess-2", 200, 75); err != nil {
		t.Fatalf("RecordTokens failed: %v", err)
	}

	totals, err := tr.TokenTotals()
	if err != nil {
		t.Fatalf("TokenTotals failed: %v", err)
	}
	got := totals["gemini-2.0"]
	if got[0] != 300 || got[1] != 125 {
		t.Errorf("Expected [300 125], got %v", got)
	}
}

func TestBuildHealthReport(t *testing.T) {
	tr := newTestTracker(t)

	memories := []*types.Memory{
		{ID: "mem_2026_01_01_001", Path: "global/used.md"},
		{ID: "mem_2026_01_01_002", Path: "global/never.md"},
	}
	if err := tr.RecordUse("mem_2026_01_01_001", "sess-1"); err != nil {
		t.Fatalf("RecordUse failed: %v", err)
	}

	report, err := tr.BuildHealthReport(memories, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("BuildHealthReport failed: %v", err)
	}
	if report.TotalMemories != 2 {
		t.Errorf("Expected 2 memories, got %d", report.TotalMemories)
	}
	if len(report.NeverUsed) != 1 || report.NeverUsed[0].MemoryID != "mem_2026_01_01_002" {
		t.Errorf("Expected never-used list [mem_2026_01_01_002], got %v", report.NeverUsed)
	}
	if len(report.TopUsed) != 1 || report.TopUsed[0].UseCount != 1 {
		t.Errorf("Expected top-used list with one entry, got %v", report.TopUsed)
	}
	if !report.TrackingActive {
		t.Error("Expected tracking active")
	}
	if len(report.Stale) != 0 {
		t.Errorf("Expected nothing stale within window, got %v", report.Stale)
	}
}
