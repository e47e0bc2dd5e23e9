package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/config"
	"agentos/internal/graph"
	"agentos/internal/types"
)

// setupCLI points the global command state at a throwaway workspace.
func setupCLI(t *testing.T) {
	t.Helper()
	logger = zap.NewNop()
	workspace = t.TempDir()
	jsonOut = false

	var err error
	cfg, err = config.Load(workspace)
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	t.Cleanup(func() { workspace = "" })
}

func TestGraphMigrateCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	if err := runGraphMigrate(cmd, nil); err != nil {
		t.Fatalf("runGraphMigrate failed: %v", err)
	}
	// Second run is a no-op, not an error.
	if err := runGraphMigrate(cmd, nil); err != nil {
		t.Fatalf("runGraphMigrate second run failed: %v", err)
	}

	g, err := openGraph("")
	if err != nil {
		t.Fatalf("openGraph failed: %v", err)
	}
	defer g.Close()
	v, err := g.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != graph.CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, graph.CurrentSchemaVersion)
	}
}

func TestTasksCreateAndUpdateCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}
	taskPriority = string(types.TaskNormal)
	taskParent = ""
	taskDepends = nil
	taskDeadline = ""

	if err := runTasksCreate(cmd, []string{"Ship", "release"}); err != nil {
		t.Fatalf("runTasksCreate failed: %v", err)
	}

	store, err := openTaskStore()
	if err != nil {
		t.Fatalf("openTaskStore failed: %v", err)
	}
	all, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	store.Close()
	if len(all) != 1 || all[0].Name != "Ship release" {
		t.Fatalf("unexpected tasks: %+v", all)
	}

	if err := runTasksUpdate(cmd, []string{all[0].ID, "running"}); err != nil {
		t.Fatalf("runTasksUpdate failed: %v", err)
	}
	if err := runTasksUpdate(cmd, []string{"task_ghost", "running"}); !types.IsNotFound(err) {
		t.Errorf("update of unknown task: err = %v, want not-found", err)
	}
}

func TestConflictsFlagRequiresMemories(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}
	conflictType = string(types.ConflictContradictory)
	resolveReason = "manual"

	err := runConflictsFlag(cmd, []string{"mem_a", "mem_b"})
	if !types.IsNotFound(err) {
		t.Errorf("flag with unknown memories: err = %v, want not-found", err)
	}
}

func TestParseEdgeTypes(t *testing.T) {
	got := parseEdgeTypes([]string{"supports", "RELATES_TO"})
	want := []types.EdgeType{types.EdgeSupports, types.EdgeRelatesTo}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseEdgeTypes mismatch (-want +got):\n%s", diff)
	}
}

func TestExitCodeContract(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{types.Validationf("bad input"), 2},
		{types.NotFoundf("missing"), 3},
		{types.StalePreconditionf("hash moved"), 4},
	}
	for _, tc := range cases {
		if got := types.ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
