package types

// =============================================================================
// RETRIEVAL RESULTS - Ephemeral structures produced by retriever/assembler
// =============================================================================

// Connection records how a graph-expanded candidate was reached.
type Connection struct {
	SourceID string   `json:"source_id"`
	EdgeType EdgeType `json:"edge_type"`
	HopCount int      `json:"hop_count"`
}

// ScoredMemory is one ranked retrieval result with relationship annotations.
type ScoredMemory struct {
	Memory        *Memory      `json:"memory"`
	VectorScore   float64      `json:"vector_score"`
	GraphScore    float64      `json:"graph_score"`
	CombinedScore float64      `json:"combined_score"`
	Connections   []Connection `json:"connections,omitempty"`
	FromVector    bool         `json:"from_vector"`
}

// RetrievalResult is the full output of a hybrid retrieval pass, before
// context assembly.
type RetrievalResult struct {
	Baseline []*Memory      `json:"baseline"`
	Results  []ScoredMemory `json:"results"`
	Query    string         `json:"query"`
}

// ContextFormat selects the assembler output format.
type ContextFormat string

const (
	FormatMarkdown ContextFormat = "markdown"
	FormatJSON     ContextFormat = "json"
	FormatText     ContextFormat = "text"
)

// AssembledContext is the final context pack handed to an agent prompt.
type AssembledContext struct {
	Content        string   `json:"content"`
	Format         ContextFormat `json:"format"`
	TotalMemories  int      `json:"total_memories"`
	BaselineCount  int      `json:"baseline_count"`
	RetrievedCount int      `json:"retrieved_count"`
	Warnings       []string `json:"warnings,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens"`
	Truncated      bool     `json:"truncated"`
}
