package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// MEMORY - Persistent unit of knowledge
// =============================================================================

// Scope classifies where a memory applies.
type Scope string

const (
	ScopeBaseline   Scope = "baseline"
	ScopeGlobal     Scope = "global"
	ScopeAgent      Scope = "agent"
	ScopeProject    Scope = "project"
	ScopeEphemeral  Scope = "ephemeral"
	ScopeDeprecated Scope = "deprecated"
)

// AllScopes is the fixed scope enumeration.
var AllScopes = []Scope{ScopeBaseline, ScopeGlobal, ScopeAgent, ScopeProject, ScopeEphemeral, ScopeDeprecated}

// ValidScope reports whether s is one of the legal scope values.
func ValidScope(s Scope) bool {
	for _, v := range AllScopes {
		if s == v {
			return true
		}
	}
	return false
}

// Confidence grades how settled a memory is.
type Confidence string

const (
	ConfidenceExperimental Confidence = "experimental"
	ConfidenceActive       Confidence = "active"
	ConfidenceStable       Confidence = "stable"
	ConfidenceDeprecated   Confidence = "deprecated"
)

// MemoryStatus is the lifecycle status of a memory.
type MemoryStatus string

const (
	MemoryActive     MemoryStatus = "active"
	MemoryDeprecated MemoryStatus = "deprecated"
)

// MaxMemoryTokens is the hard ceiling on a single memory body.
const MaxMemoryTokens = 2000

// Memory is a named unit of persistent knowledge with content body and
// front-matter metadata. IDs are globally unique and append-only.
type Memory struct {
	ID         string       `json:"id"` // mem_<date>_<n>
	Path       string       `json:"path"`
	Directory  string       `json:"directory"`
	Title      string       `json:"title"`
	Scope      Scope        `json:"scope"`
	Priority   float64      `json:"priority"` // [0,1]
	Confidence Confidence   `json:"confidence"`
	Status     MemoryStatus `json:"status"`
	Tags       []string     `json:"tags"`
	TokenCount int          `json:"token_count"`
	Created    time.Time    `json:"created"`
	LastUsed   time.Time    `json:"last_used"`
	UsageCount int64        `json:"usage_count"`
	ContentHash string      `json:"content_hash"`
	Content    string       `json:"content"`

	// Supersedes and Related come from front-matter and seed explicit edges.
	Supersedes []string `json:"supersedes,omitempty"`
	Related    []string `json:"related,omitempty"`
	Expires    *time.Time `json:"expires,omitempty"`

	// CompositeEmbedding is the per-memory dense vector used for similarity
	// ranking. DirectoryEmbedding is the mean of composite embeddings in the
	// memory's directory, used for coarse routing.
	CompositeEmbedding []float32 `json:"-"`
	DirectoryEmbedding []float32 `json:"-"`
}

// EstimateTokens estimates the token count of text as char_count * 0.25.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Validate checks the memory's boundary invariants.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return Validationf("memory id is empty")
	}
	if !ValidScope(m.Scope) {
		return Validationf("memory %s has invalid scope %q", m.ID, m.Scope)
	}
	if m.Priority < 0 || m.Priority > 1 {
		return Validationf("memory %s priority %v out of range [0,1]", m.ID, m.Priority)
	}
	if m.TokenCount > MaxMemoryTokens {
		return Validationf("memory %s token count %d exceeds limit %d", m.ID, m.TokenCount, MaxMemoryTokens)
	}
	for _, tag := range m.Tags {
		if strings.TrimSpace(tag) == "" {
			return Validationf("memory %s has an empty tag", m.ID)
		}
	}
	return nil
}

// NewMemoryID builds a memory id of the form mem_YYYY_MM_DD_NNN.
func NewMemoryID(t time.Time, n int) string {
	return fmt.Sprintf("mem_%s_%03d", t.Format("2006_01_02"), n)
}

// =============================================================================
// EDGES - Typed, directed relationships between graph nodes
// =============================================================================

// NodeType identifies the kind of a graph node.
type NodeType string

const (
	NodeMemory  NodeType = "Memory"
	NodeTag     NodeType = "Tag"
	NodeScope   NodeType = "Scope"
	NodeConcept NodeType = "Concept" // reserved
	NodeAgent   NodeType = "Agent"
	NodeSkill   NodeType = "Skill"
	NodeTool    NodeType = "Tool"
)

// EdgeType identifies the kind of a graph edge.
type EdgeType string

const (
	EdgeRelatesTo   EdgeType = "RELATES_TO"  // weight, context
	EdgeSupports    EdgeType = "SUPPORTS"    // strength
	EdgeContradicts EdgeType = "CONTRADICTS" // description
	EdgeDependsOn   EdgeType = "DEPENDS_ON"
	EdgeSupersedes  EdgeType = "SUPERSEDES" // reason; strict DAG
	EdgeHasTag      EdgeType = "HAS_TAG"
	EdgeInScope     EdgeType = "IN_SCOPE"
	EdgeTagCooccurs EdgeType = "TAG_COOCCURS" // count

	// Registry edges created by sync-to-graph.
	EdgeHasSkill       EdgeType = "HAS_SKILL"
	EdgeHasTool        EdgeType = "HAS_TOOL"
	EdgePrefersScope   EdgeType = "PREFERS_SCOPE"
	EdgeSkillDependsOn EdgeType = "SKILL_DEPENDS_ON"
	EdgeUsesTool       EdgeType = "USES_TOOL"
)

// edgeEndpoints fixes the endpoint node types per edge type. The graph store
// rejects edges with mismatched endpoints.
var edgeEndpoints = map[EdgeType][2]NodeType{
	EdgeRelatesTo:      {NodeMemory, NodeMemory},
	EdgeSupports:       {NodeMemory, NodeMemory},
	EdgeContradicts:    {NodeMemory, NodeMemory},
	EdgeDependsOn:      {NodeMemory, NodeMemory},
	EdgeSupersedes:     {NodeMemory, NodeMemory},
	EdgeHasTag:         {NodeMemory, NodeTag},
	EdgeInScope:        {NodeMemory, NodeScope},
	EdgeTagCooccurs:    {NodeTag, NodeTag},
	EdgeHasSkill:       {NodeAgent, NodeSkill},
	EdgeHasTool:        {NodeAgent, NodeTool},
	EdgePrefersScope:   {NodeAgent, NodeScope},
	EdgeSkillDependsOn: {NodeSkill, NodeSkill},
	EdgeUsesTool:       {NodeSkill, NodeTool},
}

// EdgeEndpoints returns the fixed (from, to) node types for an edge type.
func EdgeEndpoints(t EdgeType) (NodeType, NodeType, bool) {
	ep, ok := edgeEndpoints[t]
	return ep[0], ep[1], ok
}

// Edge is a typed, directed, sometimes weighted connection between two nodes.
type Edge struct {
	FromID     string                 `json:"from_id"`
	ToID       string                 `json:"to_id"`
	Type       EdgeType               `json:"type"`
	Weight     float64                `json:"weight"` // [0,1]
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Context returns the "context" property if set.
func (e Edge) Context() string {
	if e.Properties == nil {
		return ""
	}
	if s, ok := e.Properties["context"].(string); ok {
		return s
	}
	return ""
}

// =============================================================================
// PAIR HASH - Canonical unordered-pair key for conflict deduplication
// =============================================================================

// PairHash returns min(a,b)|max(a,b), the canonical unordered-pair key.
func PairHash(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SortedTags returns a sorted copy of tags for stable comparison.
func SortedTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	sort.Strings(out)
	return out
}
