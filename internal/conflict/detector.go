package conflict

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentos/internal/config"
	"agentos/internal/logging"
	"agentos/internal/store"
	"agentos/internal/types"
)

// MemoryLister is the slice of the MemoryStore the detector reads.
type MemoryLister interface {
	ListMemories(filter store.ListFilter) ([]*types.Memory, error)
}

// Detector orchestrates the analyzers over scan modes and hands candidates
// to the merger.
type Detector struct {
	memories  MemoryLister
	conflicts *ConflictStore
	analyzers []Analyzer
	merger    *Merger
	cfg       config.DetectorConfig
}

// NewDetector wires a detector with the given analyzer chain.
func NewDetector(memories MemoryLister, conflicts *ConflictStore, analyzers []Analyzer, cfg config.DetectorConfig) *Detector {
	return &Detector{
		memories:  memories,
		conflicts: conflicts,
		analyzers: analyzers,
		merger:    NewMerger(conflicts, cfg.DuplicateThreshold),
		cfg:       cfg,
	}
}

// FullScan runs every analyzer over the whole corpus and persists an audit
// row. The returned record includes counts even on partial failure.
func (d *Detector) FullScan(ctx context.Context) (*types.ScanRecord, error) {
	return d.scan(ctx, "full", "")
}

// IncrementalScan restricts merging to candidates involving the target
// memory. Used by the committer after a single memory changes.
func (d *Detector) IncrementalScan(ctx context.Context, targetID string) (*types.ScanRecord, error) {
	if targetID == "" {
		return nil, types.Validationf("incremental scan requires a target memory")
	}
	return d.scan(ctx, "incremental", targetID)
}

func (d *Detector) scan(ctx context.Context, mode, targetID string) (*types.ScanRecord, error) {
	timer := logging.StartTimer(logging.CategoryConflicts, "scan")
	defer timer.Stop()

	rec := &types.ScanRecord{
		ID:           "scan_" + uuid.NewString(),
		Mode:         mode,
		TargetMemory: targetID,
		Started:      time.Now().UTC(),
	}
	for _, a := range d.analyzers {
		rec.Methods = append(rec.Methods, a.Method())
	}
	logging.Conflicts("Starting %s scan %s (methods: %s)", mode, rec.ID, joinMethods(rec.Methods))

	memories, err := d.memories.ListMemories(store.ListFilter{
		IncludeDeprecated: !d.cfg.ExcludeDeprecated,
	})
	if err != nil {
		return nil, err
	}
	rec.MemoriesScanned = len(memories)

	cands, err := d.runAnalyzers(ctx, memories)
	if err != nil {
		rec.Error = err.Error()
		d.finishScan(rec)
		return rec, err
	}

	cands = d.filterCandidates(cands, memories, targetID)
	rec.CandidateCount = len(cands)

	byID := make(map[string]*types.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}
	merged, err := d.merger.Merge(cands, byID, rec.ID)
	if merged != nil {
		rec.NewConflicts = len(merged.New)
		rec.ExistingUpdated = len(merged.Existing)
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.finishScan(rec)
	return rec, err
}

// runAnalyzers fans the analyzer chain out concurrently and caps each
// method's output at MaxCandidatesPerMethod, keeping the strongest.
func (d *Detector) runAnalyzers(ctx context.Context, memories []*types.Memory) ([]types.ConflictCandidate, error) {
	results := make([][]types.ConflictCandidate, len(d.analyzers))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range d.analyzers {
		g.Go(func() error {
			cands, err := a.Analyze(gctx, memories)
			if err != nil {
				return err
			}
			if d.cfg.MaxCandidatesPerMethod > 0 && len(cands) > d.cfg.MaxCandidatesPerMethod {
				sort.Slice(cands, func(x, y int) bool { return cands[x].RawScore > cands[y].RawScore })
				cands = cands[:d.cfg.MaxCandidatesPerMethod]
			}
			logging.ConflictsDebug("%s analyzer produced %d candidates", a.Method(), len(cands))
			results[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []types.ConflictCandidate
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// filterCandidates applies the config filters and (for incremental scans)
// the target restriction.
func (d *Detector) filterCandidates(cands []types.ConflictCandidate, memories []*types.Memory, targetID string) []types.ConflictCandidate {
	scopes := make(map[string]types.Scope, len(memories))
	for _, m := range memories {
		scopes[m.ID] = m.Scope
	}

	out := cands[:0]
	for _, c := range cands {
		if targetID != "" && c.Memory1 != targetID && c.Memory2 != targetID {
			continue
		}
		if d.cfg.ExcludeEphemeralPairs && c.Memory2 != "" &&
			scopes[c.Memory1] == types.ScopeEphemeral && scopes[c.Memory2] == types.ScopeEphemeral {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (d *Detector) finishScan(rec *types.ScanRecord) {
	rec.Finished = time.Now().UTC()
	rec.DurationMs = rec.Finished.Sub(rec.Started).Milliseconds()
	if err := d.conflicts.RecordScan(rec); err != nil {
		logging.Get(logging.CategoryConflicts).Error("Failed to record scan %s: %v", rec.ID, err)
	}
	logging.Conflicts("Scan %s finished in %dms: %d candidates, %d new, %d updated",
		rec.ID, rec.DurationMs, rec.CandidateCount, rec.NewConflicts, rec.ExistingUpdated)
}

// =============================================================================
// PROPOSAL PRE-CHECK
// =============================================================================

// proposalIDPrefix marks the transient memory a proposal check injects.
const proposalIDPrefix = "proposal:"

// CheckProposal runs the cheap analyzers against proposed content without
// persisting anything. Returned candidates always have the proposal on the
// Memory1 side. The reviewer uses confidences from this to gate approval.
func (d *Detector) CheckProposal(ctx context.Context, content, path string, tags []string, embeddingVec []float32) ([]types.ConflictCandidate, error) {
	memories, err := d.memories.ListMemories(store.ListFilter{})
	if err != nil {
		return nil, err
	}

	transient := &types.Memory{
		ID:                 proposalIDPrefix + path,
		Path:               path,
		Title:              path,
		Scope:              types.ScopeProject,
		Status:             types.MemoryActive,
		Tags:               tags,
		Content:            content,
		Created:            time.Now().UTC(),
		CompositeEmbedding: embeddingVec,
	}
	corpus := append([]*types.Memory{transient}, memories...)

	var hits []types.ConflictCandidate
	for _, a := range d.analyzers {
		// Staleness is meaningless for unsaved content.
		if a.Method() == types.MethodStaleness {
			continue
		}
		cands, err := a.Analyze(ctx, corpus)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if c.Memory2 == transient.ID {
				c.Memory1, c.Memory2 = c.Memory2, c.Memory1
			}
			if c.Memory1 != transient.ID {
				continue
			}
			hits = append(hits, c)
		}
	}

	logging.ConflictsDebug("Proposal check for %s: %d candidates", path, len(hits))
	return hits, nil
}
