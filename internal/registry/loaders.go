package registry

import (
	"os"

	"gopkg.in/yaml.v3"

	"agentos/internal/types"
)

// enabledProbe detects whether a definition file sets `enabled` explicitly.
// Absent means enabled: a definition opts out, not in.
type enabledProbe struct {
	Enabled *bool `yaml:"enabled"`
}

func defaultEnabled(raw []byte, enabled *bool) error {
	var probe enabledProbe
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return err
	}
	if probe.Enabled == nil {
		*enabled = true
	}
	return nil
}

// LoadAgentFile parses one agent definition from a YAML file.
func LoadAgentFile(path string) (*types.AgentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Storef("failed to read agent file %s: %v", path, err)
	}
	def := &types.AgentDefinition{}
	if err := yaml.Unmarshal(raw, def); err != nil {
		return nil, types.Validationf("malformed agent file %s: %v", path, err)
	}
	if err := defaultEnabled(raw, &def.Enabled); err != nil {
		return nil, types.Validationf("malformed agent file %s: %v", path, err)
	}
	if def.ID == "" {
		return nil, types.Validationf("agent file %s has no id", path)
	}
	if def.Name == "" {
		return nil, types.Validationf("agent %s has no name", def.ID)
	}
	if def.Behavior.Tone != "" && !types.ValidTone(def.Behavior.Tone) {
		def.Warnings = append(def.Warnings, "unknown tone "+string(def.Behavior.Tone))
	}
	return def, nil
}

// LoadSkillFile parses one skill definition from a YAML file.
func LoadSkillFile(path string) (*types.SkillDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Storef("failed to read skill file %s: %v", path, err)
	}
	def := &types.SkillDefinition{}
	if err := yaml.Unmarshal(raw, def); err != nil {
		return nil, types.Validationf("malformed skill file %s: %v", path, err)
	}
	if err := defaultEnabled(raw, &def.Enabled); err != nil {
		return nil, types.Validationf("malformed skill file %s: %v", path, err)
	}
	if def.ID == "" {
		return nil, types.Validationf("skill file %s has no id", path)
	}
	if def.Name == "" {
		return nil, types.Validationf("skill %s has no name", def.ID)
	}
	return def, nil
}

// LoadToolFile parses one tool definition from a YAML file.
func LoadToolFile(path string) (*types.ToolDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Storef("failed to read tool file %s: %v", path, err)
	}
	def := &types.ToolDefinition{}
	if err := yaml.Unmarshal(raw, def); err != nil {
		return nil, types.Validationf("malformed tool file %s: %v", path, err)
	}
	if err := defaultEnabled(raw, &def.Enabled); err != nil {
		return nil, types.Validationf("malformed tool file %s: %v", path, err)
	}
	if def.ID == "" {
		return nil, types.Validationf("tool file %s has no id", path)
	}
	if def.Name == "" {
		return nil, types.Validationf("tool %s has no name", def.ID)
	}
	switch def.Type {
	case types.ToolCLI, types.ToolAPI, types.ToolMCP, types.ToolFunction:
	case "":
		def.Type = types.ToolFunction
	default:
		return nil, types.Validationf("tool %s has unknown type %q", def.ID, def.Type)
	}
	return def, nil
}

func agentMeta(a *types.AgentDefinition) Meta {
	return Meta{ID: a.ID, Name: a.Name, Description: a.Description,
		Category: a.Category, Tags: a.Tags, Enabled: a.Enabled}
}

func skillMeta(s *types.SkillDefinition) Meta {
	return Meta{ID: s.ID, Name: s.Name, Description: s.Description,
		Category: s.Category, Tags: s.Tags, Enabled: s.Enabled}
}

func toolMeta(t *types.ToolDefinition) Meta {
	return Meta{ID: t.ID, Name: t.Name, Description: t.Description,
		Category: t.Category, Tags: t.Tags, Enabled: t.Enabled}
}

// NewAgentRegistry builds a registry over a directory of agent YAML files.
func NewAgentRegistry(dir string) *Registry[*types.AgentDefinition] {
	return newRegistry(dir, "agent", LoadAgentFile, agentMeta)
}

// NewSkillRegistry builds a registry over a directory of skill YAML files.
func NewSkillRegistry(dir string) *Registry[*types.SkillDefinition] {
	return newRegistry(dir, "skill", LoadSkillFile, skillMeta)
}

// NewToolRegistry builds a registry over a directory of tool YAML files.
func NewToolRegistry(dir string) *Registry[*types.ToolDefinition] {
	return newRegistry(dir, "tool", LoadToolFile, toolMeta)
}
