// Package config loads and persists the AgentOS runtime configuration.
// All state lives under a single working directory (default .dmm/); the
// config file is .dmm/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all AgentOS configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the directory containing .dmm/.
	Workspace string `yaml:"workspace"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Detector  DetectorConfig  `yaml:"detector"`
	Writeback WritebackConfig `yaml:"writeback"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the LLM client wrapper.
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 30
	MaxRetries     int    `yaml:"max_retries"`     // default 3
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama | genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// RetrievalConfig tunes the hybrid retrieval pipeline.
type RetrievalConfig struct {
	VectorWeight              float64    `yaml:"vector_weight"`  // default 0.6
	GraphWeight               float64    `yaml:"graph_weight"`   // default 0.4
	VectorCandidateMultiplier int        `yaml:"vector_candidate_multiplier"` // default 3
	MaxGraphDepth             int        `yaml:"max_graph_depth"`             // default 2
	MaxExpansionPerHop        int        `yaml:"max_expansion_per_hop"`       // default 10
	DirectConnectionBoost     float64    `yaml:"direct_connection_boost"`     // default 0.3
	HopDecay                  float64    `yaml:"hop_decay"`                   // default 0.5
	ExpansionEdgeTypes        []string   `yaml:"expansion_edge_types"`
	MaxRelationshipContext    int        `yaml:"max_relationship_context"` // default 5
	BaselineBudgetFraction    float64    `yaml:"baseline_budget_fraction"` // default 0.25
	DefaultTokenBudget        int        `yaml:"default_token_budget"`     // default 8000
	DefaultLimit              int        `yaml:"default_limit"`            // default 10
}

// ExtractorConfig tunes the relationship extractor orchestrator.
type ExtractorConfig struct {
	TagJaccardThreshold     float64       `yaml:"tag_jaccard_threshold"`     // default 0.3
	TemporalWindow          time.Duration `yaml:"temporal_window"`           // default 72h
	TemporalWeight          float64       `yaml:"temporal_weight"`           // default 0.2
	SemanticRelatesThreshold float64      `yaml:"semantic_relates_threshold"` // default 0.75
	SemanticSupportsThreshold float64     `yaml:"semantic_supports_threshold"` // default 0.88
	LLMEnabled              bool          `yaml:"llm_enabled"`
	LLMMinPriority          float64       `yaml:"llm_min_priority"`      // default 0.7
	LLMMaxContextMemories   int           `yaml:"llm_max_context_memories"` // default 5
	MinEdgeWeight           float64       `yaml:"min_edge_weight"`       // default 0.3
	MaxEdgesPerMemory       int           `yaml:"max_edges_per_memory"`  // default 30
}

// DetectorConfig tunes the conflict detector.
type DetectorConfig struct {
	TagOverlapThreshold     float64       `yaml:"tag_overlap_threshold"`    // default 0.6
	SemanticThreshold       float64       `yaml:"semantic_threshold"`       // default 0.85
	DuplicateThreshold      float64       `yaml:"duplicate_threshold"`      // default 0.92
	MaxCandidatesPerMethod  int           `yaml:"max_candidates_per_method"` // default 200
	ExcludeDeprecated       bool          `yaml:"exclude_deprecated"`
	ExcludeEphemeralPairs   bool          `yaml:"exclude_ephemeral_pairs"`
	StalenessThreshold      time.Duration `yaml:"staleness_threshold"` // default 2160h (90d)
	DeferTTL                time.Duration `yaml:"defer_ttl"`           // default 168h (7d)
	AutoReviewConfidence    float64       `yaml:"auto_review_confidence"` // default 0.8
}

// WritebackConfig tunes the proposal pipeline.
type WritebackConfig struct {
	MaxRetries     int `yaml:"max_retries"`     // default 3
	CommitWorkers  int `yaml:"commit_workers"`  // default NumCPU
	PendingLimit   int `yaml:"pending_limit"`   // default 50
}

// RuntimeConfig tunes the agent runtime.
type RuntimeConfig struct {
	MailboxSize        int  `yaml:"mailbox_size"`        // default 1000
	DeadLetterEnabled  bool `yaml:"dead_letter_enabled"` // default true
	EventBufferSize    int  `yaml:"event_buffer_size"`   // default 10000
	AutoApproveLowRisk bool `yaml:"auto_approve_low_risk"`
	RequireTests       bool `yaml:"require_tests"`
	RequiredApprovals  map[string]int `yaml:"required_approvals"` // per risk level
}

// LoggingConfig mirrors logging.loggingConfig.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "agentos",
		Version: "1.0",
		LLM: LLMConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Retrieval: RetrievalConfig{
			VectorWeight:              0.6,
			GraphWeight:               0.4,
			VectorCandidateMultiplier: 3,
			MaxGraphDepth:             2,
			MaxExpansionPerHop:        10,
			DirectConnectionBoost:     0.3,
			HopDecay:                  0.5,
			ExpansionEdgeTypes:        []string{"SUPPORTS", "RELATES_TO", "DEPENDS_ON"},
			MaxRelationshipContext:    5,
			BaselineBudgetFraction:    0.25,
			DefaultTokenBudget:        8000,
			DefaultLimit:              10,
		},
		Extractor: ExtractorConfig{
			TagJaccardThreshold:       0.3,
			TemporalWindow:            72 * time.Hour,
			TemporalWeight:            0.2,
			SemanticRelatesThreshold:  0.75,
			SemanticSupportsThreshold: 0.88,
			LLMMinPriority:            0.7,
			LLMMaxContextMemories:     5,
			MinEdgeWeight:             0.3,
			MaxEdgesPerMemory:         30,
		},
		Detector: DetectorConfig{
			TagOverlapThreshold:    0.6,
			SemanticThreshold:      0.85,
			DuplicateThreshold:     0.92,
			MaxCandidatesPerMethod: 200,
			ExcludeDeprecated:      true,
			ExcludeEphemeralPairs:  true,
			StalenessThreshold:     90 * 24 * time.Hour,
			DeferTTL:               7 * 24 * time.Hour,
			AutoReviewConfidence:   0.8,
		},
		Writeback: WritebackConfig{
			MaxRetries:    3,
			CommitWorkers: 4,
			PendingLimit:  50,
		},
		Runtime: RuntimeConfig{
			MailboxSize:       1000,
			DeadLetterEnabled: true,
			EventBufferSize:   10000,
			RequiredApprovals: map[string]int{
				"low":      1,
				"medium":   1,
				"high":     2,
				"critical": 3,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DmmDir returns the state directory for the configured workspace.
func (c *Config) DmmDir() string {
	return filepath.Join(c.Workspace, ".dmm")
}

// MemoryRoot returns the memory file root.
func (c *Config) MemoryRoot() string {
	return filepath.Join(c.DmmDir(), "memory")
}

// IndexDir returns the directory holding the SQLite stores.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DmmDir(), "index")
}

// Load reads config from workspace/.dmm/config.yaml, applying defaults for
// anything missing. A missing file returns pure defaults.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Workspace = workspace

	path := filepath.Join(workspace, ".dmm", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// Save writes the config back to workspace/.dmm/config.yaml.
func (c *Config) Save() error {
	dir := c.DmmDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
