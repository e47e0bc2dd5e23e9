package types

import "time"

// =============================================================================
// REGISTRY ENTITIES - Agent / Skill / Tool definitions
// =============================================================================
// These are produced by YAML loaders (external collaborators) and consumed
// by the registries. The core never parses YAML front-matter itself.

// SkillsConfig lists an agent's skill references.
type SkillsConfig struct {
	Primary   []string `yaml:"primary" json:"primary"`
	Secondary []string `yaml:"secondary" json:"secondary"`
	Disabled  []string `yaml:"disabled" json:"disabled"`
}

// ToolsConfig is an agent's tool allow-list. An empty Enabled list means
// all tools are allowed except those in Disabled.
type ToolsConfig struct {
	Enabled  []string `yaml:"enabled" json:"enabled"`
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// AgentMemoryConfig controls which memories an agent's context pulls in.
type AgentMemoryConfig struct {
	RequiredScopes  []Scope  `yaml:"required_scopes" json:"required_scopes"`
	PreferredScopes []Scope  `yaml:"preferred_scopes" json:"preferred_scopes"`
	ExcludedScopes  []Scope  `yaml:"excluded_scopes" json:"excluded_scopes"`
	PreferredTags   []string `yaml:"preferred_tags" json:"preferred_tags"`
	ContextBudget   int      `yaml:"context_budget" json:"context_budget"`
}

// Tone is the closed set of agent voice settings.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneTerse        Tone = "terse"
	ToneTeaching     Tone = "teaching"
)

// ValidTone reports whether t is one of the known tones.
func ValidTone(t Tone) bool {
	switch t {
	case ToneProfessional, ToneCasual, ToneTerse, ToneTeaching:
		return true
	}
	return false
}

// BehaviorConfig shapes agent output style.
type BehaviorConfig struct {
	Tone       Tone     `yaml:"tone" json:"tone"`
	Verbosity  string   `yaml:"verbosity" json:"verbosity"`
	FocusAreas []string `yaml:"focus_areas" json:"focus_areas"`
	Guidelines []string `yaml:"guidelines" json:"guidelines"`
}

// AgentConstraints bounds what an agent may do.
type AgentConstraints struct {
	MaxTokens          int     `yaml:"max_tokens" json:"max_tokens"`
	ToolExecution      bool    `yaml:"tool_execution" json:"tool_execution"`
	MemoryWrite        bool    `yaml:"memory_write" json:"memory_write"`
	AllowedScopes      []Scope `yaml:"allowed_scopes" json:"allowed_scopes"`
}

// AgentDefinition is a YAML-defined agent with a stable identifier.
// Referenced skills/tools that are missing from their registries produce
// validation warnings but leave the agent loadable.
type AgentDefinition struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Category    string            `yaml:"category" json:"category"`
	Tags        []string          `yaml:"tags" json:"tags"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Skills      SkillsConfig      `yaml:"skills" json:"skills"`
	Tools       ToolsConfig       `yaml:"tools" json:"tools"`
	Memory      AgentMemoryConfig `yaml:"memory" json:"memory"`
	Behavior    BehaviorConfig    `yaml:"behavior" json:"behavior"`
	Constraints AgentConstraints  `yaml:"constraints" json:"constraints"`

	// Warnings collects non-fatal validation findings from loading.
	Warnings []string `yaml:"-" json:"warnings,omitempty"`
}

// SkillDefinition is a YAML-defined skill.
type SkillDefinition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
	Tags        []string `yaml:"tags" json:"tags"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on"`
	UsesTools   []string `yaml:"uses_tools" json:"uses_tools"`
}

// ToolType is the closed set of tool invocation styles. Extensibility is a
// new variant, not a dynamic map.
type ToolType string

const (
	ToolCLI      ToolType = "cli"
	ToolAPI      ToolType = "api"
	ToolMCP      ToolType = "mcp"
	ToolFunction ToolType = "function"
)

// ToolDefinition is a YAML-defined tool.
type ToolDefinition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
	Tags        []string `yaml:"tags" json:"tags"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Type        ToolType `yaml:"type" json:"type"`

	// CLI tools
	CheckCommand  string   `yaml:"check_command" json:"check_command,omitempty"`
	RequiredFiles []string `yaml:"required_files" json:"required_files,omitempty"`
	Platforms     []string `yaml:"platforms" json:"platforms,omitempty"`

	// API tools
	AuthEnvVar string `yaml:"auth_env_var" json:"auth_env_var,omitempty"`

	// MCP tools
	ServerCommand string `yaml:"server_command" json:"server_command,omitempty"`
}

// Availability is a cached per-run liveness probe result for a tool.
type Availability struct {
	ToolID    string    `json:"tool_id"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// AgentMatch is one ranked result from the agent matcher.
type AgentMatch struct {
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}
