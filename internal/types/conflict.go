package types

import "time"

// =============================================================================
// CONFLICT - Detected relation between two memories requiring attention
// =============================================================================

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictContradictory ConflictType = "contradictory"
	ConflictDuplicate     ConflictType = "duplicate"
	ConflictSupersession  ConflictType = "supersession"
	ConflictScopeOverlap  ConflictType = "scope_overlap"
	ConflictStale         ConflictType = "stale"
)

// ConflictStatus is the lifecycle status of a conflict.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictInProgress ConflictStatus = "in_progress"
	ConflictResolved   ConflictStatus = "resolved"
	ConflictDismissed  ConflictStatus = "dismissed"
)

// DetectionMethod names the analyzer that produced a candidate.
type DetectionMethod string

const (
	MethodTagOverlap     DetectionMethod = "tag_overlap"
	MethodSemantic       DetectionMethod = "semantic"
	MethodSupersession   DetectionMethod = "supersession"
	MethodRuleExtraction DetectionMethod = "rule_extraction"
	MethodManual         DetectionMethod = "manual"
	MethodStaleness      DetectionMethod = "staleness"
)

// Conflict is a first-class record of a detected relation between two
// memories. The unordered pair (Memory1, Memory2) has at most one
// non-dismissed conflict, enforced via the sorted pair hash.
type Conflict struct {
	ID         string          `json:"id"`
	Type       ConflictType    `json:"type"`
	Method     DetectionMethod `json:"method"`
	Confidence float64         `json:"confidence"` // [0,1]
	Description string         `json:"description"`
	Evidence   []string        `json:"evidence"`
	Status     ConflictStatus  `json:"status"`

	Memory1   string `json:"memory_1"`
	Memory2   string `json:"memory_2"`
	PairHash  string `json:"pair_hash"`
	Role1     string `json:"role_1,omitempty"` // e.g. "superseded"
	Role2     string `json:"role_2,omitempty"` // e.g. "superseding"

	ResolutionAction string     `json:"resolution_action,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	SuppressedUntil  *time.Time `json:"suppressed_until,omitempty"`
	ScanID           string     `json:"scan_id,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// ConflictCandidate is what a stateless analyzer emits before merging.
type ConflictCandidate struct {
	Memory1  string          `json:"memory_1"`
	Memory2  string          `json:"memory_2"`
	Method   DetectionMethod `json:"method"`
	RawScore float64         `json:"raw_score"` // [0,1]
	Evidence []string        `json:"evidence"`
}

// Hash returns the canonical pair hash for the candidate.
func (c ConflictCandidate) Hash() string {
	return PairHash(c.Memory1, c.Memory2)
}

// ResolutionAction is one of the closed set of ways to close a conflict.
type ResolutionAction string

const (
	ResolveDeprecate ResolutionAction = "deprecate"
	ResolveMerge     ResolutionAction = "merge"
	ResolveClarify   ResolutionAction = "clarify"
	ResolveDismiss   ResolutionAction = "dismiss"
	ResolveDefer     ResolutionAction = "defer"
)

// ValidResolutionAction reports whether a is a legal action.
func ValidResolutionAction(a ResolutionAction) bool {
	switch a {
	case ResolveDeprecate, ResolveMerge, ResolveClarify, ResolveDismiss, ResolveDefer:
		return true
	}
	return false
}

// ResolutionRequest carries everything the resolver needs to close a conflict.
type ResolutionRequest struct {
	ConflictID     string           `json:"conflict_id"`
	Action         ResolutionAction `json:"action"`
	TargetMemoryID string           `json:"target_memory_id,omitempty"`
	MergedContent  string           `json:"merged_content,omitempty"`
	Reason         string           `json:"reason"`
	ResolvedBy     string           `json:"resolved_by"`
}

// ResolutionRecord is the persisted audit entry for a resolution attempt.
type ResolutionRecord struct {
	ConflictID         string           `json:"conflict_id"`
	Action             ResolutionAction `json:"action"`
	Actor              string           `json:"actor"`
	Reason             string           `json:"reason"`
	MemoriesModified   []string         `json:"memories_modified"`
	MemoriesDeprecated []string         `json:"memories_deprecated"`
	MemoriesCreated    []string         `json:"memories_created"`
	Timestamp          time.Time        `json:"timestamp"`
}

// ScanRecord is the persisted audit row for a detector run.
type ScanRecord struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"` // full | incremental
	TargetMemory  string            `json:"target_memory,omitempty"`
	Methods       []DetectionMethod `json:"methods"`
	Started       time.Time         `json:"started"`
	Finished      time.Time         `json:"finished"`
	DurationMs    int64             `json:"duration_ms"`
	MemoriesScanned int             `json:"memories_scanned"`
	CandidateCount  int             `json:"candidate_count"`
	NewConflicts    int             `json:"new_conflicts"`
	ExistingUpdated int             `json:"existing_updated"`
	Error           string          `json:"error,omitempty"`
}
