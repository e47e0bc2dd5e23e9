package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	root := testRegistryRoot(t)
	r := Open(root)
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	w, err := NewWatcher(r)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(root, "skills", "new-skill.yaml")
	if err := os.WriteFile(path, []byte("id: skill_new\nname: New Skill\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Skills.FindByID("skill_new"); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := r.Skills.FindByID("skill_new"); err != nil {
		t.Fatalf("watcher did not pick up new skill: %v", err)
	}
	if w.Reloads() < 1 {
		t.Errorf("reload count = %d, want >= 1", w.Reloads())
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := testRegistryRoot(t)
	r := Open(root)
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	w, err := NewWatcher(r)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	// A burst of writes well inside the debounce window collapses to one
	// reload.
	for i := 0; i < 5; i++ {
		path := filepath.Join(root, "skills", "burst.yaml")
		if err := os.WriteFile(path, []byte("id: skill_burst\nname: Burst\n"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && w.Reloads() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	// Allow the window to fully drain before counting.
	time.Sleep(2 * debounceWindow)
	if got := w.Reloads(); got != 1 {
		t.Errorf("reloads = %d, want exactly 1 for a single burst", got)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	root := testRegistryRoot(t)
	r := Open(root)
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	w, err := NewWatcher(r)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(root, "skills", "notes.txt")
	if err := os.WriteFile(path, []byte("scratch"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	time.Sleep(3 * debounceWindow)
	if got := w.Reloads(); got != 0 {
		t.Errorf("reloads = %d, want 0 for non-YAML files", got)
	}
}
