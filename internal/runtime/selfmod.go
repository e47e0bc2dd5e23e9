package runtime

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentos/internal/config"
	"agentos/internal/fsio"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// systemReviewer signs auto-approvals of low-risk proposals.
const systemReviewer = "system"

// ModificationLog persists proposal state after every transition. nil keeps
// proposals in memory only.
type ModificationLog interface {
	SaveModification(p *types.ModificationProposal) error
}

// ProposalCallbacks hook into proposal lifecycle transitions. Callbacks run
// synchronously; nil entries are skipped.
type ProposalCallbacks struct {
	OnSubmit  func(*types.ModificationProposal)
	OnApprove func(*types.ModificationProposal)
	OnReject  func(*types.ModificationProposal)
	OnApply   func(*types.ModificationProposal)
	OnRevert  func(*types.ModificationProposal)
}

// ProposalManager governs the self-modification lifecycle: risk assessment
// at submit, review collection, and transactional apply/revert of the code
// changes through the sandboxed filesystem.
type ProposalManager struct {
	mu        sync.Mutex
	proposals map[string]*types.ModificationProposal
	fs        fsio.FileSystem
	log       ModificationLog
	cfg       config.RuntimeConfig
	callbacks ProposalCallbacks
}

// NewProposalManager creates a manager. log may be nil.
func NewProposalManager(fs fsio.FileSystem, log ModificationLog, cfg config.RuntimeConfig) *ProposalManager {
	if len(cfg.RequiredApprovals) == 0 {
		cfg.RequiredApprovals = config.DefaultConfig().Runtime.RequiredApprovals
	}
	return &ProposalManager{
		proposals: make(map[string]*types.ModificationProposal),
		fs:        fs,
		log:       log,
		cfg:       cfg,
	}
}

// SetCallbacks installs lifecycle hooks. Call before submitting proposals.
func (pm *ProposalManager) SetCallbacks(cb ProposalCallbacks) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.callbacks = cb
}

// =============================================================================
// RISK ASSESSMENT
// =============================================================================

// AssessRisk derives the risk level from the changes alone, so identical
// proposals always score identically. Baseline is low; touching core paths
// or package init files bumps one level, large diffs bump one level, and
// deletions floor the result at high.
func AssessRisk(changes []types.CodeChange) types.RiskLevel {
	risk := types.RiskLow

	totalLines := 0
	touchesCore := false
	deletes := false
	for _, c := range changes {
		path := strings.ToLower(c.FilePath)
		if strings.Contains(path, "core/") || strings.HasSuffix(path, "__init__.py") {
			touchesCore = true
		}
		if c.ChangeType == types.ChangeDeleteFunction || c.ChangeType == types.ChangeDeleteType {
			deletes = true
		}
		totalLines += countLines(c.OriginalCode) + countLines(c.ModifiedCode)
	}

	if touchesCore {
		risk = risk.Bump()
	}
	if totalLines > 200 {
		risk = risk.Bump()
	}
	if deletes && risk < types.RiskHigh {
		risk = types.RiskHigh
	}
	return risk
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Submit validates the proposal, assigns an ID and risk level, and moves it
// to pending review. A resubmission still carrying a blocking review from
// its rejected round scores one risk level higher. Low-risk proposals
// auto-approve when configured.
func (pm *ProposalManager) Submit(p *types.ModificationProposal) (*types.ModificationProposal, error) {
	if p.Title == "" {
		return nil, types.Validationf("proposal title is required")
	}
	if p.Author == "" {
		return nil, types.Validationf("proposal author is required")
	}
	if len(p.Changes) == 0 {
		return nil, types.Validationf("proposal has no changes")
	}
	for i, c := range p.Changes {
		if c.FilePath == "" {
			return nil, types.Validationf("change %d has no file path", i)
		}
	}

	// A resubmission carries the reviews of the rejected round; a blocking
	// comment there raises the stakes for this round.
	priorBlocking := false
	for _, r := range p.Reviews {
		if r.Blocking {
			priorBlocking = true
			break
		}
	}

	pm.mu.Lock()
	if p.ID == "" {
		p.ID = "mod_" + uuid.NewString()[:8]
	}
	p.Created = time.Now().UTC()
	p.Risk = AssessRisk(p.Changes)
	if priorBlocking {
		p.Risk = p.Risk.Bump()
	}
	p.RequiredApprovals = pm.requiredApprovalsLocked(p.Risk)
	p.Status = types.ModPendingReview
	p.Reviews = nil
	pm.proposals[p.ID] = p
	pm.persistLocked(p)
	cb := pm.callbacks
	pm.mu.Unlock()

	logging.SelfMod("Submitted %s (%s risk, %d approvals required): %s",
		p.ID, p.Risk, p.RequiredApprovals, p.Title)
	if cb.OnSubmit != nil {
		cb.OnSubmit(p)
	}

	if pm.cfg.AutoApproveLowRisk && p.Risk == types.RiskLow &&
		(!pm.cfg.RequireTests || p.TestsAttached) {
		if err := pm.AddReview(p.ID, types.ReviewResult{
			Reviewer: systemReviewer,
			Approved: true,
			Comment:  "auto-approved: low risk",
		}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (pm *ProposalManager) requiredApprovalsLocked(risk types.RiskLevel) int {
	if n, ok := pm.cfg.RequiredApprovals[risk.String()]; ok && n > 0 {
		return n
	}
	return 1
}

// Get returns a proposal by ID.
func (pm *ProposalManager) Get(id string) (*types.ModificationProposal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.proposals[id]
	if !ok {
		return nil, types.NotFoundf("modification proposal %s", id)
	}
	return p, nil
}

// List returns all proposals, newest first.
func (pm *ProposalManager) List() []*types.ModificationProposal {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]*types.ModificationProposal, 0, len(pm.proposals))
	for _, p := range pm.proposals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddReview records a reviewer verdict and approves or rejects the proposal
// when the decision rule resolves. A blocking review rejects immediately.
func (pm *ProposalManager) AddReview(id string, review types.ReviewResult) error {
	pm.mu.Lock()
	p, ok := pm.proposals[id]
	if !ok {
		pm.mu.Unlock()
		return types.NotFoundf("modification proposal %s", id)
	}
	switch p.Status {
	case types.ModPendingReview, types.ModInReview:
	default:
		pm.mu.Unlock()
		return types.Validationf("proposal %s is %s, not reviewable", id, p.Status)
	}

	review.Timestamp = time.Now().UTC()
	p.Reviews = append(p.Reviews, review)
	p.Status = types.ModInReview

	var resolved func(*types.ModificationProposal)
	cb := pm.callbacks
	if review.Blocking {
		p.Status = types.ModRejected
		resolved = cb.OnReject
	} else if p.Approvable() {
		p.Status = types.ModApproved
		resolved = cb.OnApprove
	}
	pm.persistLocked(p)
	pm.mu.Unlock()

	logging.SelfMod("Review on %s by %s (approved=%v blocking=%v) -> %s",
		id, review.Reviewer, review.Approved, review.Blocking, p.Status)
	if resolved != nil {
		resolved(p)
	}
	return nil
}

// Reject moves a proposal in review to rejected.
func (pm *ProposalManager) Reject(id, reviewer, reason string) error {
	return pm.AddReview(id, types.ReviewResult{
		Reviewer: reviewer,
		Blocking: true,
		Comment:  reason,
	})
}

// Apply writes the modified code of an approved proposal in declared change
// order. Pre-images are captured and persisted before the first write, so a
// partial failure (status failed_apply) remains revertable by hand; files
// already written are kept.
func (pm *ProposalManager) Apply(id string) error {
	pm.mu.Lock()

	p, ok := pm.proposals[id]
	if !ok {
		pm.mu.Unlock()
		return types.NotFoundf("modification proposal %s", id)
	}
	if p.Status != types.ModApproved {
		pm.mu.Unlock()
		return types.Validationf("proposal %s is %s, only approved proposals apply", id, p.Status)
	}

	// Capture pre-images first so revert has ground truth even if a later
	// write fails.
	for i := range p.Changes {
		c := &p.Changes[i]
		if pm.fs.Exists(c.FilePath) {
			current, err := pm.fs.ReadFile(c.FilePath)
			if err != nil {
				pm.mu.Unlock()
				return types.Storef("failed to read pre-image of %s: %v", c.FilePath, err)
			}
			c.OriginalCode = current
			c.OriginalMissing = false
		} else {
			c.OriginalCode = ""
			c.OriginalMissing = true
		}
	}
	pm.persistLocked(p)

	for i := range p.Changes {
		c := &p.Changes[i]
		if err := pm.fs.WriteFile(c.FilePath, c.ModifiedCode); err != nil {
			p.Status = types.ModFailedApply
			pm.persistLocked(p)
			pm.mu.Unlock()
			logging.Get(logging.CategorySelfMod).Error(
				"Apply of %s failed at %s (%d/%d written): %v", id, c.FilePath, i, len(p.Changes), err)
			return types.Storef("apply failed at %s: %v", c.FilePath, err)
		}
	}

	now := time.Now().UTC()
	p.Status = types.ModApplied
	p.AppliedAt = &now
	pm.persistLocked(p)
	cb := pm.callbacks
	pm.mu.Unlock()

	logging.SelfMod("Applied %s (%d files)", id, len(p.Changes))
	if cb.OnApply != nil {
		cb.OnApply(p)
	}
	return nil
}

// Revert restores the pre-images of an applied proposal in reverse change
// order.
func (pm *ProposalManager) Revert(id string) error {
	pm.mu.Lock()

	p, ok := pm.proposals[id]
	if !ok {
		pm.mu.Unlock()
		return types.NotFoundf("modification proposal %s", id)
	}
	if p.Status != types.ModApplied {
		pm.mu.Unlock()
		return types.Validationf("proposal %s is %s, only applied proposals revert", id, p.Status)
	}

	for i := len(p.Changes) - 1; i >= 0; i-- {
		c := p.Changes[i]
		if c.OriginalMissing {
			// The file did not exist before apply; restoring means deleting.
			if err := pm.fs.Remove(c.FilePath); err != nil && pm.fs.Exists(c.FilePath) {
				pm.mu.Unlock()
				return types.Storef("revert failed at %s: %v", c.FilePath, err)
			}
			continue
		}
		if err := pm.fs.WriteFile(c.FilePath, c.OriginalCode); err != nil {
			pm.mu.Unlock()
			return types.Storef("revert failed at %s: %v", c.FilePath, err)
		}
	}

	now := time.Now().UTC()
	p.Status = types.ModReverted
	p.RevertedAt = &now
	pm.persistLocked(p)
	cb := pm.callbacks
	pm.mu.Unlock()

	logging.SelfMod("Reverted %s", id)
	if cb.OnRevert != nil {
		cb.OnRevert(p)
	}
	return nil
}

func (pm *ProposalManager) persistLocked(p *types.ModificationProposal) {
	if pm.log == nil {
		return
	}
	if err := pm.log.SaveModification(p); err != nil {
		logging.Get(logging.CategorySelfMod).Error("Failed to persist %s: %v", p.ID, err)
	}
}
