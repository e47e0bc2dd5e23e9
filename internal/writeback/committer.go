package writeback

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentos/internal/config"
	"agentos/internal/embedding"
	"agentos/internal/fsio"
	"agentos/internal/logging"
	"agentos/internal/memfile"
	"agentos/internal/types"
)

// commitErrorStale marks a failed proposal whose target file changed after
// the proposal was enqueued.
const commitErrorStale = "stale_precondition"

// MemoryIndexer is the slice of the MemoryStore the committer writes through.
type MemoryIndexer interface {
	GetByPath(path string) (*types.Memory, error)
	UpsertMemory(m *types.Memory) error
	Deprecate(id string) error
	ReindexOne(ctx context.Context, embedder embedding.Embedder, id string) error
	SetMeta(key, value string) error
}

// PostCommitScanner re-runs conflict detection for a changed memory.
type PostCommitScanner interface {
	IncrementalScan(ctx context.Context, targetID string) (*types.ScanRecord, error)
}

// EdgeExtractor refreshes graph edges for changed memories.
type EdgeExtractor interface {
	ExtractAndStore(ctx context.Context, memories []*types.Memory) (int, error)
}

// Committer applies approved proposals: write the memory file, reindex, then
// rescan for conflicts. Proposals for the same path commit in submission
// order; different paths commit concurrently.
type Committer struct {
	queue     *ReviewQueue
	fs        fsio.FileSystem
	index     MemoryIndexer
	embedder  embedding.Embedder
	scanner   PostCommitScanner
	extractor EdgeExtractor
	cfg       config.WritebackConfig
}

// NewCommitter wires a committer. scanner and extractor may be nil; the
// corresponding post-commit steps are then skipped.
func NewCommitter(queue *ReviewQueue, fs fsio.FileSystem, index MemoryIndexer,
	embedder embedding.Embedder, scanner PostCommitScanner, extractor EdgeExtractor,
	cfg config.WritebackConfig) *Committer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CommitWorkers <= 0 {
		cfg.CommitWorkers = 4
	}
	return &Committer{
		queue:     queue,
		fs:        fs,
		index:     index,
		embedder:  embedder,
		scanner:   scanner,
		extractor: extractor,
		cfg:       cfg,
	}
}

// CommitStats summarizes one ProcessApproved pass.
type CommitStats struct {
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// ProcessApproved drains the approved proposals. Per-path batches run
// sequentially in submission order; distinct paths run on a bounded worker
// pool.
func (c *Committer) ProcessApproved(ctx context.Context) (*CommitStats, error) {
	approved, err := c.queue.GetByStatus(types.ProposalApproved)
	if err != nil {
		return nil, err
	}
	if len(approved) == 0 {
		return &CommitStats{}, nil
	}

	byPath := make(map[string][]*types.WriteProposal)
	var paths []string
	for _, p := range approved {
		if _, seen := byPath[p.TargetPath]; !seen {
			paths = append(paths, p.TargetPath)
		}
		byPath[p.TargetPath] = append(byPath[p.TargetPath], p)
	}
	sort.Strings(paths)

	timer := logging.StartTimer(logging.CategoryWriteback, "process_approved")
	defer timer.Stop()
	logging.Writeback("Committing %d approved proposals across %d paths", len(approved), len(paths))

	stats := &CommitStats{}
	results := make([]CommitStats, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.CommitWorkers)
	for i, path := range paths {
		g.Go(func() error {
			for _, p := range byPath[path] {
				outcome, err := c.commitOne(gctx, p)
				if err != nil {
					logging.Get(logging.CategoryWriteback).Error("Commit of %s failed: %v", p.ID, err)
				}
				switch outcome {
				case commitOutcomeCommitted:
					results[i].Committed++
				case commitOutcomeFailed:
					results[i].Failed++
				case commitOutcomeRetry:
					results[i].Retried++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	for _, r := range results {
		stats.Committed += r.Committed
		stats.Failed += r.Failed
		stats.Retried += r.Retried
	}
	logging.Writeback("Commit pass done: %d committed, %d failed, %d retried",
		stats.Committed, stats.Failed, stats.Retried)
	return stats, nil
}

type commitOutcome int

const (
	commitOutcomeCommitted commitOutcome = iota
	commitOutcomeFailed
	commitOutcomeRetry
)

// commitOne applies a single proposal. A stale precondition fails the
// proposal immediately; transient errors increment the retry counter until
// MaxRetries is exhausted.
func (c *Committer) commitOne(ctx context.Context, p *types.WriteProposal) (commitOutcome, error) {
	if err := c.checkPreImage(p); err != nil {
		c.queue.SetCommitError(p.ID, commitErrorStale)
		c.queue.UpdateStatus(p.ID, types.ProposalFailed, err.Error())
		return commitOutcomeFailed, err
	}

	if err := c.apply(ctx, p); err != nil {
		count, retryErr := c.queue.IncrementRetry(p.ID)
		if retryErr != nil {
			return commitOutcomeFailed, retryErr
		}
		c.queue.SetCommitError(p.ID, err.Error())
		if count > c.cfg.MaxRetries {
			c.queue.UpdateStatus(p.ID, types.ProposalFailed,
				fmt.Sprintf("gave up after %d attempts: %v", count, err))
			return commitOutcomeFailed, err
		}
		logging.Writeback("Proposal %s attempt %d/%d failed, will retry: %v",
			p.ID, count, c.cfg.MaxRetries, err)
		return commitOutcomeRetry, err
	}

	if err := c.queue.UpdateStatus(p.ID, types.ProposalCommitted, ""); err != nil {
		return commitOutcomeFailed, err
	}
	return commitOutcomeCommitted, nil
}

// checkPreImage verifies the target file still matches the hash recorded at
// enqueue time. A proposal with no recorded pre-image skips the check.
func (c *Committer) checkPreImage(p *types.WriteProposal) error {
	if p.PreImageHash == "" {
		return nil
	}
	current, err := c.fs.ReadFile(p.TargetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return types.StalePreconditionf("target %s no longer exists", p.TargetPath)
		}
		return types.Storef("failed to read %s: %v", p.TargetPath, err)
	}
	if fsio.HashContent(current) != p.PreImageHash {
		return types.StalePreconditionf("target %s changed since proposal %s was enqueued",
			p.TargetPath, p.ID)
	}
	return nil
}

func (c *Committer) apply(ctx context.Context, p *types.WriteProposal) error {
	switch p.Type {
	case types.ProposalCreate, types.ProposalUpdate:
		return c.applyWrite(ctx, p)
	case types.ProposalDeprecate:
		return c.applyDeprecate(p)
	case types.ProposalPromote:
		return c.applyPromote(ctx, p)
	}
	return types.Validationf("unknown proposal type %q", p.Type)
}

// applyWrite renders the memory file, writes it atomically, and reindexes.
func (c *Committer) applyWrite(ctx context.Context, p *types.WriteProposal) error {
	m, err := c.index.GetByPath(p.TargetPath)
	if err != nil {
		if !types.IsNotFound(err) {
			return err
		}
		if p.Type == types.ProposalUpdate {
			return types.NotFoundf("update target %s has no indexed memory", p.TargetPath)
		}
		m = c.newMemory(p)
	}

	m.Content = p.Content
	m.TokenCount = types.EstimateTokens(p.Content)
	m.ContentHash = fsio.HashContent(p.Content)
	if p.Scope != "" {
		m.Scope = p.Scope
	}
	if len(p.Tags) > 0 {
		m.Tags = p.Tags
	}
	if err := m.Validate(); err != nil {
		return err
	}

	rendered, err := memfile.Render(m)
	if err != nil {
		return err
	}
	if err := c.fs.WriteFile(p.TargetPath, rendered); err != nil {
		return types.Storef("failed to write %s: %v", p.TargetPath, err)
	}
	if err := c.index.UpsertMemory(m); err != nil {
		return err
	}
	if c.embedder != nil {
		if err := c.index.ReindexOne(ctx, c.embedder, m.ID); err != nil {
			return err
		}
	}
	c.postCommit(ctx, m)
	logging.Writeback("Applied %s proposal %s to %s (memory %s)", p.Type, p.ID, p.TargetPath, m.ID)
	return nil
}

func (c *Committer) applyDeprecate(p *types.WriteProposal) error {
	m, err := c.index.GetByPath(p.TargetPath)
	if err != nil {
		return err
	}
	if err := c.index.Deprecate(m.ID); err != nil {
		return err
	}
	m.Status = types.MemoryDeprecated
	m.Scope = types.ScopeDeprecated
	m.Confidence = types.ConfidenceDeprecated
	rendered, err := memfile.Render(m)
	if err != nil {
		return err
	}
	if err := c.fs.WriteFile(p.TargetPath, rendered); err != nil {
		return types.Storef("failed to write %s: %v", p.TargetPath, err)
	}
	logging.Writeback("Deprecated %s via proposal %s", m.ID, p.ID)
	return nil
}

// applyPromote moves a memory to a broader scope without touching content.
func (c *Committer) applyPromote(ctx context.Context, p *types.WriteProposal) error {
	if p.Scope == "" {
		return types.Validationf("promote proposal %s has no target scope", p.ID)
	}
	m, err := c.index.GetByPath(p.TargetPath)
	if err != nil {
		return err
	}
	m.Scope = p.Scope
	if err := m.Validate(); err != nil {
		return err
	}
	rendered, err := memfile.Render(m)
	if err != nil {
		return err
	}
	if err := c.fs.WriteFile(p.TargetPath, rendered); err != nil {
		return types.Storef("failed to write %s: %v", p.TargetPath, err)
	}
	if err := c.index.UpsertMemory(m); err != nil {
		return err
	}
	c.postCommit(ctx, m)
	logging.Writeback("Promoted %s to %s via proposal %s", m.ID, p.Scope, p.ID)
	return nil
}

// postCommit runs the targeted conflict scan and the edge extractor. Both
// are best-effort; their failures never roll a commit back, but they do set
// the needs_reconcile flag so the next full reindex knows the derived state
// lags the committed files.
func (c *Committer) postCommit(ctx context.Context, m *types.Memory) {
	failed := false
	if c.scanner != nil {
		if _, err := c.scanner.IncrementalScan(ctx, m.ID); err != nil {
			logging.Writeback("Post-commit scan for %s failed: %v", m.ID, err)
			failed = true
		}
	}
	if c.extractor != nil {
		if _, err := c.extractor.ExtractAndStore(ctx, []*types.Memory{m}); err != nil {
			logging.Writeback("Post-commit extraction for %s failed: %v", m.ID, err)
			failed = true
		}
	}
	if failed {
		if err := c.index.SetMeta("needs_reconcile", "true"); err != nil {
			logging.Get(logging.CategoryWriteback).Error("Failed to flag reconcile after %s: %v", m.ID, err)
		}
	}
}

func (c *Committer) newMemory(p *types.WriteProposal) *types.Memory {
	scope := p.Scope
	if scope == "" {
		scope = types.ScopeProject
	}
	now := time.Now().UTC()
	return &types.Memory{
		ID:         fmt.Sprintf("mem_%s_%s", now.Format("2006_01_02"), uuid.NewString()[:8]),
		Path:       p.TargetPath,
		Directory:  memoryDir(p.TargetPath),
		Title:      p.TargetPath,
		Scope:      scope,
		Priority:   0.5,
		Confidence: types.ConfidenceExperimental,
		Status:     types.MemoryActive,
		Tags:       p.Tags,
		Created:    now,
	}
}

func memoryDir(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}
