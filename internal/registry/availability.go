package registry

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// checkTimeout bounds a CLI probe command.
const checkTimeout = 10 * time.Second

// AvailabilityChecker probes tool liveness with a type-specific signal and
// caches the result for the rest of the run.
type AvailabilityChecker struct {
	mu    sync.Mutex
	tools *Registry[*types.ToolDefinition]
	cache map[string]*types.Availability

	// lookPath and runCommand are swappable for tests.
	lookPath   func(file string) (string, error)
	runCommand func(ctx context.Context, name string, args ...string) error
}

// NewAvailabilityChecker creates a checker over the tool registry.
func NewAvailabilityChecker(tools *Registry[*types.ToolDefinition]) *AvailabilityChecker {
	return &AvailabilityChecker{
		tools:    tools,
		cache:    make(map[string]*types.Availability),
		lookPath: exec.LookPath,
		runCommand: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Check probes one tool, serving a cached verdict when present.
func (c *AvailabilityChecker) Check(ctx context.Context, toolID string) (*types.Availability, error) {
	c.mu.Lock()
	if cached, ok := c.cache[toolID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	tool, err := c.tools.FindByID(toolID)
	if err != nil {
		return nil, err
	}

	result := c.probe(ctx, tool)
	c.mu.Lock()
	c.cache[toolID] = result
	c.mu.Unlock()
	logging.RegistryDebug("Tool %s available=%v (%s)", toolID, result.Available, result.Reason)
	return result, nil
}

// CheckAll probes every loaded tool and returns the results keyed by id.
func (c *AvailabilityChecker) CheckAll(ctx context.Context) (map[string]*types.Availability, error) {
	out := make(map[string]*types.Availability)
	for _, tool := range c.tools.ListAll() {
		av, err := c.Check(ctx, tool.ID)
		if err != nil {
			return nil, err
		}
		out[tool.ID] = av
	}
	return out, nil
}

// Invalidate drops the cached verdicts; the next Check re-probes.
func (c *AvailabilityChecker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*types.Availability)
}

func (c *AvailabilityChecker) probe(ctx context.Context, tool *types.ToolDefinition) *types.Availability {
	av := &types.Availability{ToolID: tool.ID, CheckedAt: time.Now().UTC()}

	switch tool.Type {
	case types.ToolCLI:
		if len(tool.Platforms) > 0 && !platformSupported(tool.Platforms) {
			av.Reason = "platform " + runtime.GOOS + " not supported"
			return av
		}
		for _, f := range tool.RequiredFiles {
			if _, err := os.Stat(f); err != nil {
				av.Reason = "required file missing: " + f
				return av
			}
		}
		if tool.CheckCommand == "" {
			av.Reason = "no check_command configured"
			return av
		}
		fields := strings.Fields(tool.CheckCommand)
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := c.runCommand(cctx, fields[0], fields[1:]...); err != nil {
			av.Reason = "check command failed: " + err.Error()
			return av
		}
		av.Available = true

	case types.ToolAPI:
		if tool.AuthEnvVar == "" {
			av.Reason = "no auth_env_var configured"
			return av
		}
		if os.Getenv(tool.AuthEnvVar) == "" {
			av.Reason = tool.AuthEnvVar + " is not set"
			return av
		}
		av.Available = true

	case types.ToolMCP:
		if tool.ServerCommand == "" {
			av.Reason = "no server_command configured"
			return av
		}
		executable := strings.Fields(tool.ServerCommand)[0]
		if _, err := c.lookPath(executable); err != nil {
			av.Reason = executable + " not on PATH"
			return av
		}
		av.Available = true

	case types.ToolFunction:
		// In-process tools are always callable.
		av.Available = true

	default:
		av.Reason = "unknown tool type " + string(tool.Type)
	}
	return av
}

func platformSupported(platforms []string) bool {
	for _, p := range platforms {
		if strings.EqualFold(p, runtime.GOOS) {
			return true
		}
	}
	return false
}
