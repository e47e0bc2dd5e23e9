package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentos/internal/fsio"
	"agentos/internal/graph"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// MemoryMutator is the slice of the MemoryStore the resolver mutates.
type MemoryMutator interface {
	GetMemory(id string) (*types.Memory, error)
	UpsertMemory(m *types.Memory) error
	Deprecate(id string) error
}

// GraphMutator is the slice of the GraphStore the resolver writes to.
type GraphMutator interface {
	UpsertNode(n graph.Node) error
	CreateEdge(e types.Edge) error
}

// Resolver applies resolution actions to conflicts. A partial failure leaves
// the conflict in_progress with the completed steps in the audit log.
type Resolver struct {
	conflicts *ConflictStore
	memories  MemoryMutator
	graph     GraphMutator
	deferTTL  time.Duration

	// NewID allocates ids for merge-created memories.
	NewID func() string
}

// NewResolver wires the resolver.
func NewResolver(conflicts *ConflictStore, memories MemoryMutator, g GraphMutator, deferTTL time.Duration) *Resolver {
	return &Resolver{
		conflicts: conflicts,
		memories:  memories,
		graph:     g,
		deferTTL:  deferTTL,
		NewID: func() string {
			return fmt.Sprintf("mem_%s_%s", time.Now().UTC().Format("2006_01_02"), uuid.NewString()[:8])
		},
	}
}

// Resolve applies the requested action and writes the audit entry. The
// returned record lists exactly which memories were modified, deprecated,
// and created — on error it reflects what completed before the failure.
func (r *Resolver) Resolve(req types.ResolutionRequest) (*types.ResolutionRecord, error) {
	if !types.ValidResolutionAction(req.Action) {
		return nil, types.Validationf("unknown resolution action %q", req.Action)
	}
	if req.ResolvedBy == "" {
		return nil, types.Validationf("resolution requires resolved_by")
	}

	c, err := r.conflicts.GetConflict(req.ConflictID)
	if err != nil {
		return nil, err
	}
	if c.Status == types.ConflictResolved || c.Status == types.ConflictDismissed {
		return nil, types.Validationf("conflict %s already %s", c.ID, c.Status)
	}

	record := &types.ResolutionRecord{
		ConflictID: c.ID,
		Action:     req.Action,
		Actor:      req.ResolvedBy,
		Reason:     req.Reason,
		Timestamp:  time.Now().UTC(),
	}

	// Dismiss and defer never touch memories and need no in_progress phase.
	switch req.Action {
	case types.ResolveDismiss:
		return r.finish(c, req, record, types.ConflictDismissed)
	case types.ResolveDefer:
		until := time.Now().UTC().Add(r.deferTTL)
		c.SuppressedUntil = &until
		c.Status = types.ConflictUnresolved
		if err := r.conflicts.UpdateConflict(c); err != nil {
			return record, err
		}
		if err := r.conflicts.AppendResolution(record); err != nil {
			return record, err
		}
		logging.Conflicts("Deferred conflict %s until %s", c.ID, until.Format(time.RFC3339))
		return record, nil
	}

	// Mutating actions run under in_progress so a partial failure is visible.
	c.Status = types.ConflictInProgress
	if err := r.conflicts.UpdateConflict(c); err != nil {
		return record, err
	}

	var actionErr error
	switch req.Action {
	case types.ResolveDeprecate:
		actionErr = r.deprecate(c, req, record)
	case types.ResolveMerge:
		actionErr = r.merge(c, req, record)
	case types.ResolveClarify:
		actionErr = r.clarify(c, req, record)
	}

	// The audit entry is written regardless so partial work is on record.
	if logErr := r.conflicts.AppendResolution(record); logErr != nil && actionErr == nil {
		actionErr = logErr
	}
	if actionErr != nil {
		// Conflict stays in_progress; the caller sees what completed.
		return record, fmt.Errorf("resolution of %s incomplete (modified=%v deprecated=%v created=%v): %w",
			c.ID, record.MemoriesModified, record.MemoriesDeprecated, record.MemoriesCreated, actionErr)
	}

	return r.closeResolved(c, req, record)
}

func (r *Resolver) finish(c *types.Conflict, req types.ResolutionRequest, record *types.ResolutionRecord, status types.ConflictStatus) (*types.ResolutionRecord, error) {
	now := time.Now().UTC()
	c.Status = status
	c.ResolutionAction = string(req.Action)
	c.ResolvedBy = req.ResolvedBy
	c.ResolvedAt = &now
	if status == types.ConflictDismissed {
		c.Description = c.Description + " [dismissed: " + req.Reason + "]"
	}
	if err := r.conflicts.UpdateConflict(c); err != nil {
		return record, err
	}
	if err := r.conflicts.AppendResolution(record); err != nil {
		return record, err
	}
	logging.Conflicts("Conflict %s closed as %s by %s", c.ID, status, req.ResolvedBy)
	return record, nil
}

func (r *Resolver) closeResolved(c *types.Conflict, req types.ResolutionRequest, record *types.ResolutionRecord) (*types.ResolutionRecord, error) {
	now := time.Now().UTC()
	c.Status = types.ConflictResolved
	c.ResolutionAction = string(req.Action)
	c.ResolvedBy = req.ResolvedBy
	c.ResolvedAt = &now
	if err := r.conflicts.UpdateConflict(c); err != nil {
		return record, err
	}
	logging.Conflicts("Conflict %s resolved via %s by %s", c.ID, req.Action, req.ResolvedBy)
	return record, nil
}

// =============================================================================
// ACTIONS
// =============================================================================

func (r *Resolver) deprecate(c *types.Conflict, req types.ResolutionRequest, record *types.ResolutionRecord) error {
	target := req.TargetMemoryID
	if target == "" {
		return types.Validationf("deprecate requires target_memory_id")
	}
	if target != c.Memory1 && target != c.Memory2 {
		return types.Validationf("target %s is not part of conflict %s", target, c.ID)
	}
	if err := r.memories.Deprecate(target); err != nil {
		return err
	}
	record.MemoriesDeprecated = append(record.MemoriesDeprecated, target)
	return nil
}

func (r *Resolver) merge(c *types.Conflict, req types.ResolutionRequest, record *types.ResolutionRecord) error {
	if req.MergedContent == "" {
		return types.Validationf("merge requires merged_content")
	}
	if c.Memory2 == "" {
		return types.Validationf("conflict %s is not a pair; cannot merge", c.ID)
	}

	m1, err := r.memories.GetMemory(c.Memory1)
	if err != nil {
		return err
	}
	m2, err := r.memories.GetMemory(c.Memory2)
	if err != nil {
		return err
	}

	newID := r.NewID()
	merged := &types.Memory{
		ID:          newID,
		Path:        m1.Directory + "/" + newID + ".md",
		Directory:   m1.Directory,
		Title:       m1.Title,
		Scope:       m1.Scope,
		Priority:    maxFloat(m1.Priority, m2.Priority),
		Confidence:  types.ConfidenceActive,
		Status:      types.MemoryActive,
		Tags:        unionTags(m1.Tags, m2.Tags),
		TokenCount:  types.EstimateTokens(req.MergedContent),
		Created:     time.Now().UTC(),
		ContentHash: fsio.HashContent(req.MergedContent),
		Content:     req.MergedContent,
		Supersedes:  []string{m1.ID, m2.ID},
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	if err := r.memories.UpsertMemory(merged); err != nil {
		return err
	}
	record.MemoriesCreated = append(record.MemoriesCreated, newID)

	// Graph bookkeeping: the merged memory supersedes both originals.
	if err := r.graph.UpsertNode(graph.Node{ID: newID, Type: types.NodeMemory,
		Properties: map[string]interface{}{"path": merged.Path, "title": merged.Title}}); err != nil {
		return err
	}
	for _, oldID := range []string{m1.ID, m2.ID} {
		if err := r.graph.CreateEdge(types.Edge{
			FromID: newID, ToID: oldID, Type: types.EdgeSupersedes, Weight: 1,
			Properties: map[string]interface{}{"reason": "merge resolution of " + c.ID},
		}); err != nil {
			return err
		}
	}

	for _, oldID := range []string{m1.ID, m2.ID} {
		if err := r.memories.Deprecate(oldID); err != nil {
			return err
		}
		record.MemoriesDeprecated = append(record.MemoriesDeprecated, oldID)
	}
	return nil
}

func (r *Resolver) clarify(c *types.Conflict, req types.ResolutionRequest, record *types.ResolutionRecord) error {
	if req.Reason == "" {
		return types.Validationf("clarify requires a reason")
	}
	if c.Memory2 == "" {
		return types.Validationf("conflict %s is not a pair; cannot clarify", c.ID)
	}

	note := fmt.Sprintf("\n\n> Clarification (%s): %s", req.ResolvedBy, req.Reason)
	for _, id := range []string{c.Memory1, c.Memory2} {
		m, err := r.memories.GetMemory(id)
		if err != nil {
			return err
		}
		m.Content += note
		m.TokenCount = types.EstimateTokens(m.Content)
		m.ContentHash = fsio.HashContent(m.Content)
		if err := m.Validate(); err != nil {
			return err
		}
		if err := r.memories.UpsertMemory(m); err != nil {
			return err
		}
		record.MemoriesModified = append(record.MemoriesModified, id)
	}
	return nil
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return types.SortedTags(out)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
