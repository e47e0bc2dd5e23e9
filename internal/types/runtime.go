package types

import "time"

// =============================================================================
// TASK - Work unit tracked by the runtime
// =============================================================================

// TaskPriority orders tasks for scheduling.
type TaskPriority string

const (
	TaskCritical TaskPriority = "critical"
	TaskHigh     TaskPriority = "high"
	TaskNormal   TaskPriority = "normal"
	TaskLow      TaskPriority = "low"
)

// TaskStatus is the task lifecycle status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskBlocked   TaskStatus = "blocked"
)

// TaskType distinguishes composite tasks (with subtasks) from leaves.
type TaskType string

const (
	TaskComposite TaskType = "composite"
	TaskLeaf      TaskType = "leaf"
)

// TaskConstraints bounds a task's execution.
type TaskConstraints struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Task is a unit of work. The dependency graph across tasks is acyclic;
// a parent's progress equals the mean of its subtasks' progress.
type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         TaskType          `json:"type"`
	Priority     TaskPriority      `json:"priority"`
	Status       TaskStatus        `json:"status"`
	ParentID     string            `json:"parent_id,omitempty"`
	SubtaskIDs   []string          `json:"subtask_ids,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	Progress     float64           `json:"progress"` // [0,1]
	Deadline     *time.Time        `json:"deadline,omitempty"`
	Constraints  TaskConstraints   `json:"constraints"`
	AssignedTo   string            `json:"assigned_to,omitempty"`
	Error        string            `json:"error,omitempty"`
	Created      time.Time         `json:"created"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// =============================================================================
// MESSAGE - Inter-agent communication record
// =============================================================================

// MessageType is the communication intent of a message.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageInform    MessageType = "inform"
	MessageBroadcast MessageType = "broadcast"
	MessageResponse  MessageType = "response"
)

// MessagePriority orders mailbox delivery. CRITICAL > HIGH > NORMAL > LOW.
type MessagePriority int

const (
	PriorityLow      MessagePriority = 0
	PriorityNormal   MessagePriority = 1
	PriorityHigh     MessagePriority = 2
	PriorityCritical MessagePriority = 3
)

// DeliveryStatus tracks a message through the bus.
type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRead       DeliveryStatus = "read"
	DeliveryDeadLetter DeliveryStatus = "dead-lettered"
)

// Message is an inter-agent communication record.
type Message struct {
	ID            string            `json:"id"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient,omitempty"`
	Recipients    []string          `json:"recipients,omitempty"` // broadcast fan-out
	Type          MessageType       `json:"type"`
	Priority      MessagePriority   `json:"priority"`
	Payload       map[string]string `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`

	Status      DeliveryStatus `json:"status"`
	QueuedAt    time.Time      `json:"queued_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
}

// =============================================================================
// SELF-MODIFICATION PROPOSAL
// =============================================================================

// RiskLevel is the four-step severity assigned to a self-modification
// proposal, governing approval requirements.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase risk name.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// Bump raises the risk one level, saturating at critical.
func (r RiskLevel) Bump() RiskLevel {
	if r >= RiskCritical {
		return RiskCritical
	}
	return r + 1
}

// ChangeType is the kind of code change in a modification.
type ChangeType string

const (
	ChangeAddFunction    ChangeType = "add_function"
	ChangeModifyFunction ChangeType = "modify_function"
	ChangeDeleteFunction ChangeType = "delete_function"
	ChangeAddType        ChangeType = "add_type"
	ChangeModifyType     ChangeType = "modify_type"
	ChangeDeleteType     ChangeType = "delete_type"
	ChangeOther          ChangeType = "other"
)

// CodeChange is one file-level edit within a modification proposal.
// OriginalCode is the revert pre-image, persisted before any write;
// OriginalMissing records that the file did not exist, so revert deletes it
// instead of writing an empty pre-image.
type CodeChange struct {
	FilePath        string     `json:"file_path"`
	OriginalCode    string     `json:"original_code"`
	OriginalMissing bool       `json:"original_missing,omitempty"`
	ModifiedCode    string     `json:"modified_code"`
	ChangeType      ChangeType `json:"change_type"`
	ElementName     string     `json:"element_name,omitempty"`
}

// ReviewResult is one reviewer's verdict on a modification proposal.
type ReviewResult struct {
	Reviewer  string    `json:"reviewer"`
	Approved  bool      `json:"approved"`
	Blocking  bool      `json:"blocking"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModStatus is the modification proposal lifecycle status.
type ModStatus string

const (
	ModDraft         ModStatus = "draft"
	ModPendingReview ModStatus = "pending_review"
	ModInReview      ModStatus = "in_review"
	ModApproved      ModStatus = "approved"
	ModRejected      ModStatus = "rejected"
	ModApplied       ModStatus = "applied"
	ModReverted      ModStatus = "reverted"
	ModFailedApply   ModStatus = "failed_apply"
)

// ModificationProposal is a code change proposed by an agent, separate from
// WriteProposal. Applied proposals must have approvals >= RequiredApprovals
// and zero blocking comments; revert is only valid from applied.
type ModificationProposal struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Author            string         `json:"author"`
	Changes           []CodeChange   `json:"changes"`
	Risk              RiskLevel      `json:"risk"`
	RequiredApprovals int            `json:"required_approvals"`
	Reviews           []ReviewResult `json:"reviews"`
	Status            ModStatus      `json:"status"`
	TestsAttached     bool           `json:"tests_attached"`
	Created           time.Time      `json:"created"`
	AppliedAt         *time.Time     `json:"applied_at,omitempty"`
	RevertedAt        *time.Time     `json:"reverted_at,omitempty"`
}

// Approvals counts non-blocking approvals.
func (p *ModificationProposal) Approvals() int {
	n := 0
	for _, r := range p.Reviews {
		if r.Approved {
			n++
		}
	}
	return n
}

// HasBlockingComments reports whether any review blocks the proposal.
func (p *ModificationProposal) HasBlockingComments() bool {
	for _, r := range p.Reviews {
		if r.Blocking {
			return true
		}
	}
	return false
}

// Approvable reports whether the approval rule is satisfied.
func (p *ModificationProposal) Approvable() bool {
	return p.Approvals() >= p.RequiredApprovals && !p.HasBlockingComments()
}

// =============================================================================
// SESSION / AGENT STATE
// =============================================================================

// AgentStatus is the per-session status of an agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentWaiting    AgentStatus = "waiting"
	AgentTerminated AgentStatus = "terminated"
	AgentError      AgentStatus = "error"
)

// Session groups agent runtime activity.
type Session struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Started   time.Time  `json:"started"`
	Ended     *time.Time `json:"ended,omitempty"`
	TaskCount int        `json:"task_count"`
	TokensIn  int64      `json:"tokens_in"`
	TokensOut int64      `json:"tokens_out"`
	APICalls  int64      `json:"api_calls"`
}

// AgentState is the per-(agent, session) runtime state. Each agent has
// exactly one AgentState per session.
type AgentState struct {
	AgentID   string      `json:"agent_id"`
	SessionID string      `json:"session_id"`
	Status    AgentStatus `json:"status"`
	TokensIn  int64       `json:"tokens_in"`
	TokensOut int64       `json:"tokens_out"`
	APICalls  int64       `json:"api_calls"`
	Context   string      `json:"context,omitempty"` // opaque blob
	Updated   time.Time   `json:"updated"`
}
