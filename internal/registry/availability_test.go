package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"agentos/internal/types"
)

func availabilityFixture(t *testing.T) (*AvailabilityChecker, *Registry[*types.ToolDefinition]) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tools")
	writeDef(t, dir, "cli.yaml", `
id: tool_cli
name: CLI Tool
type: cli
check_command: mytool --version
`)
	writeDef(t, dir, "api.yaml", `
id: tool_api
name: API Tool
type: api
auth_env_var: TEST_TOOL_TOKEN
`)
	writeDef(t, dir, "mcp.yaml", `
id: tool_mcp
name: MCP Tool
type: mcp
server_command: mcp-server --stdio
`)
	writeDef(t, dir, "fn.yaml", `
id: tool_fn
name: Function Tool
type: function
`)
	reg := NewToolRegistry(dir)
	if _, err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	return NewAvailabilityChecker(reg), reg
}

func TestFunctionToolAlwaysAvailable(t *testing.T) {
	c, _ := availabilityFixture(t)
	av, err := c.Check(context.Background(), "tool_fn")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !av.Available {
		t.Errorf("function tool should be available: %s", av.Reason)
	}
}

func TestAPIToolChecksEnvVar(t *testing.T) {
	c, _ := availabilityFixture(t)
	av, err := c.Check(context.Background(), "tool_api")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if av.Available {
		t.Error("tool_api should be unavailable without the env var")
	}

	t.Setenv("TEST_TOOL_TOKEN", "secret")
	c.Invalidate()
	av, err = c.Check(context.Background(), "tool_api")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !av.Available {
		t.Errorf("tool_api should be available with the env var set: %s", av.Reason)
	}
}

func TestMCPToolChecksPath(t *testing.T) {
	c, _ := availabilityFixture(t)
	var looked string
	c.lookPath = func(file string) (string, error) {
		looked = file
		return "", errors.New("not found")
	}
	av, err := c.Check(context.Background(), "tool_mcp")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if av.Available {
		t.Error("tool_mcp should be unavailable when the server is off PATH")
	}
	if looked != "mcp-server" {
		t.Errorf("looked up %q, want the first token of server_command", looked)
	}

	c.Invalidate()
	c.lookPath = func(string) (string, error) { return "/usr/bin/mcp-server", nil }
	av, err = c.Check(context.Background(), "tool_mcp")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !av.Available {
		t.Errorf("tool_mcp should be available: %s", av.Reason)
	}
}

func TestCLIToolRunsCheckCommand(t *testing.T) {
	c, _ := availabilityFixture(t)
	var gotName string
	var gotArgs []string
	c.runCommand = func(ctx context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}
	av, err := c.Check(context.Background(), "tool_cli")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !av.Available {
		t.Errorf("tool_cli should be available: %s", av.Reason)
	}
	if gotName != "mytool" || len(gotArgs) != 1 || gotArgs[0] != "--version" {
		t.Errorf("ran %s %v, want mytool [--version]", gotName, gotArgs)
	}

	c.Invalidate()
	c.runCommand = func(context.Context, string, ...string) error {
		return errors.New("exit status 1")
	}
	av, err = c.Check(context.Background(), "tool_cli")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if av.Available {
		t.Error("tool_cli should be unavailable when the check command fails")
	}
}

func TestAvailabilityIsCachedPerRun(t *testing.T) {
	c, _ := availabilityFixture(t)
	calls := 0
	c.runCommand = func(context.Context, string, ...string) error {
		calls++
		return nil
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Check(context.Background(), "tool_cli"); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("probe ran %d times, want 1 (cached)", calls)
	}

	c.Invalidate()
	if _, err := c.Check(context.Background(), "tool_cli"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("probe ran %d times after invalidate, want 2", calls)
	}
}

func TestCheckAllAndUnknownTool(t *testing.T) {
	c, _ := availabilityFixture(t)
	c.runCommand = func(context.Context, string, ...string) error { return nil }
	c.lookPath = func(string) (string, error) { return "/usr/bin/x", nil }

	all, err := c.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("got %d results, want 4", len(all))
	}

	if _, err := c.Check(context.Background(), "tool_ghost"); !types.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}
