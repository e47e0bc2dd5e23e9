package writeback

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// ConflictChecker is the detector operation the reviewer uses to pre-screen
// proposed content against the corpus.
type ConflictChecker interface {
	CheckProposal(ctx context.Context, content, path string, tags []string, embeddingVec []float32) ([]types.ConflictCandidate, error)
}

// Reviewer validates incoming proposals and screens them for conflicts with
// existing memories. A high-confidence conflict candidate escalates the
// proposal to in_review instead of leaving it on the fast path.
type Reviewer struct {
	queue   *ReviewQueue
	checker ConflictChecker

	// autoReviewConfidence is the candidate confidence at or above which a
	// proposal is escalated for human review.
	autoReviewConfidence float64
}

// NewReviewer wires a reviewer. checker may be nil to skip conflict screening.
func NewReviewer(queue *ReviewQueue, checker ConflictChecker, autoReviewConfidence float64) *Reviewer {
	return &Reviewer{
		queue:                queue,
		checker:              checker,
		autoReviewConfidence: autoReviewConfidence,
	}
}

// Submit validates a proposal, enqueues it, and runs the conflict screen.
// Validation failures never enter the queue.
func (r *Reviewer) Submit(ctx context.Context, p *types.WriteProposal) error {
	if err := r.validate(p); err != nil {
		return err
	}
	if err := r.queue.Enqueue(p); err != nil {
		return err
	}
	return r.screen(ctx, p)
}

// validate applies the boundary rules all proposals must satisfy.
func (r *Reviewer) validate(p *types.WriteProposal) error {
	switch p.Type {
	case types.ProposalCreate, types.ProposalUpdate, types.ProposalDeprecate, types.ProposalPromote:
	default:
		return types.Validationf("unknown proposal type %q", p.Type)
	}
	if p.ProposedBy == "" {
		return types.Validationf("proposal requires proposed_by")
	}
	if p.Reason == "" {
		return types.Validationf("proposal requires a reason")
	}

	clean := path.Clean(p.TargetPath)
	if path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return types.Validationf("target path %q escapes the memory root", p.TargetPath)
	}
	if !strings.HasSuffix(clean, ".md") {
		return types.Validationf("target path %q is not a memory file", p.TargetPath)
	}
	p.TargetPath = clean

	if p.Type == types.ProposalCreate || p.Type == types.ProposalUpdate {
		if p.Content == "" {
			return types.Validationf("%s proposal requires content", p.Type)
		}
		if tokens := types.EstimateTokens(p.Content); tokens > types.MaxMemoryTokens {
			return types.Validationf("proposed content is %d tokens, limit %d",
				tokens, types.MaxMemoryTokens)
		}
	}
	if p.Scope != "" && !types.ValidScope(p.Scope) {
		return types.Validationf("invalid scope %q", p.Scope)
	}
	for _, tag := range p.Tags {
		if strings.TrimSpace(tag) == "" {
			return types.Validationf("proposal has an empty tag")
		}
	}
	return nil
}

// screen runs the conflict pre-check and escalates on strong candidates.
// Screening failures leave the proposal pending; they never reject it.
func (r *Reviewer) screen(ctx context.Context, p *types.WriteProposal) error {
	if r.checker == nil || p.Content == "" {
		return nil
	}

	cands, err := r.checker.CheckProposal(ctx, p.Content, p.TargetPath, p.Tags, nil)
	if err != nil {
		logging.Writeback("Conflict screen for %s failed, leaving pending: %v", p.ID, err)
		return nil
	}

	var strong []types.ConflictCandidate
	for _, c := range cands {
		if c.RawScore >= r.autoReviewConfidence {
			strong = append(strong, c)
		}
	}
	if len(strong) == 0 {
		return nil
	}

	sort.Slice(strong, func(i, j int) bool { return strong[i].RawScore > strong[j].RawScore })
	var notes []string
	for _, c := range strong {
		notes = append(notes, fmt.Sprintf("%s conflict with %s (%.2f): %s",
			c.Method, c.Memory2, c.RawScore, strings.Join(c.Evidence, "; ")))
	}
	annotation := "Escalated for review: " + strings.Join(notes, " | ")
	logging.Writeback("Proposal %s escalated: %d strong conflict candidates", p.ID, len(strong))
	return r.queue.UpdateStatus(p.ID, types.ProposalInReview, annotation)
}

// Approve moves a pending or in_review proposal to approved.
func (r *Reviewer) Approve(id, notes string) error {
	p, err := r.queue.Get(id)
	if err != nil {
		return err
	}
	switch p.Status {
	case types.ProposalPending, types.ProposalInReview, types.ProposalModified, types.ProposalDeferred:
	default:
		return types.Validationf("proposal %s is %s; cannot approve", id, p.Status)
	}
	return r.queue.UpdateStatus(id, types.ProposalApproved, notes)
}

// Reject closes the proposal as rejected.
func (r *Reviewer) Reject(id, notes string) error {
	if notes == "" {
		return types.Validationf("rejection requires notes")
	}
	return r.queue.UpdateStatus(id, types.ProposalRejected, notes)
}

// Defer parks the proposal for later.
func (r *Reviewer) Defer(id, notes string) error {
	return r.queue.UpdateStatus(id, types.ProposalDeferred, notes)
}
