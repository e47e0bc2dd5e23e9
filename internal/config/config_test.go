package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workspace != ws {
		t.Errorf("Workspace = %q, want %q", cfg.Workspace, ws)
	}
	if cfg.Retrieval.DefaultTokenBudget != 8000 {
		t.Errorf("DefaultTokenBudget = %d, want 8000", cfg.Retrieval.DefaultTokenBudget)
	}
	if cfg.Detector.StalenessThreshold != 90*24*time.Hour {
		t.Errorf("StalenessThreshold = %v, want 90d", cfg.Detector.StalenessThreshold)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("embedding provider = %q, want ollama", cfg.Embedding.Provider)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.Workspace = ws
	cfg.Retrieval.DefaultTokenBudget = 4000
	cfg.Embedding.Provider = "genai"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".dmm", "config.yaml")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	got, err := Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Retrieval.DefaultTokenBudget != 4000 {
		t.Errorf("DefaultTokenBudget = %d, want 4000", got.Retrieval.DefaultTokenBudget)
	}
	if got.Embedding.Provider != "genai" {
		t.Errorf("embedding provider = %q, want genai", got.Embedding.Provider)
	}
	// Fields absent from the file keep their defaults.
	if got.Writeback.CommitWorkers != 4 {
		t.Errorf("CommitWorkers = %d, want 4", got.Writeback.CommitWorkers)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace = "/tmp/ws"
	if got := cfg.DmmDir(); got != filepath.Join("/tmp/ws", ".dmm") {
		t.Errorf("DmmDir = %q", got)
	}
	if got := cfg.MemoryRoot(); got != filepath.Join("/tmp/ws", ".dmm", "memory") {
		t.Errorf("MemoryRoot = %q", got)
	}
	if got := cfg.IndexDir(); got != filepath.Join("/tmp/ws", ".dmm", "index") {
		t.Errorf("IndexDir = %q", got)
	}
}
