package types

import "time"

// =============================================================================
// WRITE PROPOSAL - Pending memory mutation awaiting review
// =============================================================================

// ProposalType is the kind of mutation a proposal carries.
type ProposalType string

const (
	ProposalCreate    ProposalType = "create"
	ProposalUpdate    ProposalType = "update"
	ProposalDeprecate ProposalType = "deprecate"
	ProposalPromote   ProposalType = "promote"
)

// ProposalStatus is the write proposal lifecycle status.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalInReview  ProposalStatus = "in_review"
	ProposalApproved  ProposalStatus = "approved"
	ProposalCommitted ProposalStatus = "committed"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalModified  ProposalStatus = "modified"
	ProposalDeferred  ProposalStatus = "deferred"
	ProposalFailed    ProposalStatus = "failed"
)

// TerminalProposalStatus reports whether transitions out of s are forbidden.
func TerminalProposalStatus(s ProposalStatus) bool {
	switch s {
	case ProposalCommitted, ProposalRejected, ProposalFailed:
		return true
	}
	return false
}

// ActiveProposalStatus reports whether s blocks another proposal on the same
// path. A path may have at most one pending/in_review/approved proposal.
func ActiveProposalStatus(s ProposalStatus) bool {
	switch s {
	case ProposalPending, ProposalInReview, ProposalApproved:
		return true
	}
	return false
}

// WriteProposal is a pending mutation of the memory corpus.
type WriteProposal struct {
	ID          string         `json:"id"`
	Type        ProposalType   `json:"type"`
	TargetPath  string         `json:"target_path"`
	Reason      string         `json:"reason"`
	Content     string         `json:"content,omitempty"`
	Patch       string         `json:"patch,omitempty"`
	Scope       Scope          `json:"scope,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ProposedBy  string         `json:"proposed_by"`
	Status      ProposalStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	CommitError string         `json:"commit_error,omitempty"`

	// PreImageHash records the target file hash at enqueue time. The
	// committer refuses to write if the file changed underneath.
	PreImageHash string `json:"pre_image_hash,omitempty"`

	// ReviewNotes carries reviewer annotations, including conflict
	// candidates surfaced by check-proposal.
	ReviewNotes string `json:"review_notes,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// ReviewLogEntry is one immutable row of the proposal's state history.
type ReviewLogEntry struct {
	ProposalID string         `json:"proposal_id"`
	FromStatus ProposalStatus `json:"from_status"`
	ToStatus   ProposalStatus `json:"to_status"`
	Notes      string         `json:"notes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// QueueStats summarizes the review queue by status.
type QueueStats struct {
	ByStatus map[ProposalStatus]int `json:"by_status"`
	Total    int                    `json:"total"`
}
