// Package writeback implements the proposal pipeline: agents propose memory
// mutations, a reviewer validates and annotates them, and a committer applies
// approved proposals to the memory files and the index.
package writeback

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// ReviewQueue is the durable proposal queue backed by review_queue.sqlite.
// Every status change appends an immutable review_log row.
type ReviewQueue struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewReviewQueue opens (or creates) the queue database.
func NewReviewQueue(path string) (*ReviewQueue, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, types.Storef("failed to create queue directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.Storef("failed to open review queue at %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)

	q := &ReviewQueue{db: db}
	if err := q.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := q.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Writeback("Review queue ready at %s", path)
	return q, nil
}

func (q *ReviewQueue) applyPragmas() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := q.db.Exec(p); err != nil {
			return types.Storef("failed to apply %s: %v", p, err)
		}
	}
	return nil
}

func (q *ReviewQueue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id             TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		target_path    TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		patch          TEXT NOT NULL DEFAULT '',
		scope          TEXT NOT NULL DEFAULT '',
		tags           TEXT NOT NULL DEFAULT '[]',
		proposed_by    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		commit_error   TEXT NOT NULL DEFAULT '',
		pre_image_hash TEXT NOT NULL DEFAULT '',
		review_notes   TEXT NOT NULL DEFAULT '',
		created        TEXT NOT NULL,
		updated        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
	CREATE INDEX IF NOT EXISTS idx_proposals_path ON proposals(target_path);

	CREATE TABLE IF NOT EXISTS review_log (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		notes       TEXT NOT NULL DEFAULT '',
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_log_proposal ON review_log(proposal_id);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return types.Storef("failed to initialize review queue schema: %v", err)
	}
	return nil
}

// Close closes the underlying database.
func (q *ReviewQueue) Close() error {
	return q.db.Close()
}

// =============================================================================
// ENQUEUE / READ
// =============================================================================

// Enqueue adds a proposal in pending status. At most one active
// (pending/in_review/approved) proposal may exist per target path.
func (q *ReviewQueue) Enqueue(p *types.WriteProposal) error {
	if p.ID == "" {
		return types.Validationf("proposal id is empty")
	}
	if p.TargetPath == "" {
		return types.Validationf("proposal %s has no target path", p.ID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, err := q.activeForPathLocked(p.TargetPath); err == nil {
		return types.Conflictf("path %s already has active proposal %s (%s)",
			p.TargetPath, existing.ID, existing.Status)
	} else if !types.IsNotFound(err) {
		return err
	}

	now := time.Now().UTC()
	p.Status = types.ProposalPending
	p.Created = now
	p.Updated = now
	tagsJSON, _ := json.Marshal(p.Tags)

	_, err := q.db.Exec(`
		INSERT INTO proposals (
			id, type, target_path, reason, content, patch, scope, tags,
			proposed_by, status, retry_count, commit_error, pre_image_hash,
			review_notes, created, updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.TargetPath, p.Reason, p.Content, p.Patch,
		string(p.Scope), string(tagsJSON), p.ProposedBy, string(p.Status),
		p.RetryCount, p.CommitError, p.PreImageHash, p.ReviewNotes,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to enqueue proposal %s: %v", p.ID, err)
	}

	if err := q.appendLogLocked(p.ID, "", types.ProposalPending, "enqueued by "+p.ProposedBy); err != nil {
		return err
	}
	logging.Writeback("Enqueued proposal %s (%s %s by %s)", p.ID, p.Type, p.TargetPath, p.ProposedBy)
	return nil
}

// Get fetches a proposal by id.
func (q *ReviewQueue) Get(id string) (*types.WriteProposal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.getLocked(id)
}

func (q *ReviewQueue) getLocked(id string) (*types.WriteProposal, error) {
	row := q.db.QueryRow("SELECT "+proposalColumns+" FROM proposals WHERE id = ?", id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("proposal %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get proposal %s: %v", id, err)
	}
	return p, nil
}

// GetActiveForPath returns the active proposal targeting path, if any.
func (q *ReviewQueue) GetActiveForPath(path string) (*types.WriteProposal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.activeForPathLocked(path)
}

func (q *ReviewQueue) activeForPathLocked(path string) (*types.WriteProposal, error) {
	row := q.db.QueryRow("SELECT "+proposalColumns+` FROM proposals
		WHERE target_path = ? AND status IN ('pending', 'in_review', 'approved')`, path)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("no active proposal for path %s", path)
	}
	if err != nil {
		return nil, types.Storef("path lookup failed: %v", err)
	}
	return p, nil
}

// HasActiveForPath reports whether path has an active proposal.
func (q *ReviewQueue) HasActiveForPath(path string) bool {
	_, err := q.GetActiveForPath(path)
	return err == nil
}

// GetByStatus lists proposals in a status, oldest first. Oldest-first keeps
// per-path commit order equal to submission order.
func (q *ReviewQueue) GetByStatus(status types.ProposalStatus) ([]*types.WriteProposal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.Query("SELECT "+proposalColumns+
		" FROM proposals WHERE status = ? ORDER BY created ASC, id ASC", string(status))
	if err != nil {
		return nil, types.Storef("failed to list proposals: %v", err)
	}
	defer rows.Close()

	var out []*types.WriteProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, types.Storef("failed to scan proposal: %v", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPending lists pending proposals, oldest first.
func (q *ReviewQueue) GetPending() ([]*types.WriteProposal, error) {
	return q.GetByStatus(types.ProposalPending)
}

// =============================================================================
// MUTATION
// =============================================================================

// UpdateStatus transitions a proposal and records the review_log row.
// Transitions out of a terminal status are rejected.
func (q *ReviewQueue) UpdateStatus(id string, to types.ProposalStatus, notes string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if types.TerminalProposalStatus(p.Status) {
		return types.Validationf("proposal %s is %s; no further transitions", id, p.Status)
	}

	now := time.Now().UTC()
	if _, err := q.db.Exec(
		"UPDATE proposals SET status = ?, updated = ? WHERE id = ?",
		string(to), now.Format(time.RFC3339), id); err != nil {
		return types.Storef("failed to update proposal %s: %v", id, err)
	}
	if err := q.appendLogLocked(id, p.Status, to, notes); err != nil {
		return err
	}
	logging.Writeback("Proposal %s: %s -> %s", id, p.Status, to)
	return nil
}

// UpdateProposal replaces the mutable content fields of a non-terminal
// proposal and marks it modified.
func (q *ReviewQueue) UpdateProposal(id, content, reviewNotes string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if types.TerminalProposalStatus(p.Status) {
		return types.Validationf("proposal %s is %s; cannot modify", id, p.Status)
	}

	now := time.Now().UTC()
	if _, err := q.db.Exec(`
		UPDATE proposals SET content = ?, review_notes = ?, status = ?, updated = ?
		WHERE id = ?`,
		content, reviewNotes, string(types.ProposalModified),
		now.Format(time.RFC3339), id); err != nil {
		return types.Storef("failed to modify proposal %s: %v", id, err)
	}
	return q.appendLogLocked(id, p.Status, types.ProposalModified, reviewNotes)
}

// SetReviewNotes replaces the review notes without a status change.
func (q *ReviewQueue) SetReviewNotes(id, notes string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec("UPDATE proposals SET review_notes = ?, updated = ? WHERE id = ?",
		notes, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return types.Storef("failed to set review notes on %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("proposal %s", id)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (q *ReviewQueue) IncrementRetry(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(
		"UPDATE proposals SET retry_count = retry_count + 1, updated = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return 0, types.Storef("failed to increment retry on %s: %v", id, err)
	}
	var count int
	err := q.db.QueryRow("SELECT retry_count FROM proposals WHERE id = ?", id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, types.NotFoundf("proposal %s", id)
	}
	return count, err
}

// SetCommitError records the last commit failure on the proposal.
func (q *ReviewQueue) SetCommitError(id, commitError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec("UPDATE proposals SET commit_error = ?, updated = ? WHERE id = ?",
		commitError, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return types.Storef("failed to set commit error on %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("proposal %s", id)
	}
	return nil
}

// Delete removes a proposal. The review_log rows are kept for history.
func (q *ReviewQueue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec("DELETE FROM proposals WHERE id = ?", id)
	if err != nil {
		return types.Storef("failed to delete proposal %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("proposal %s", id)
	}
	return nil
}

// =============================================================================
// HISTORY / STATS
// =============================================================================

// GetHistory returns the immutable status history of a proposal, oldest first.
func (q *ReviewQueue) GetHistory(id string) ([]*types.ReviewLogEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.Query(`
		SELECT proposal_id, from_status, to_status, notes, timestamp
		FROM review_log WHERE proposal_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, types.Storef("failed to read review log: %v", err)
	}
	defer rows.Close()

	var out []*types.ReviewLogEntry
	for rows.Next() {
		entry := &types.ReviewLogEntry{}
		var from, to, ts string
		if err := rows.Scan(&entry.ProposalID, &from, &to, &entry.Notes, &ts); err != nil {
			return nil, types.Storef("failed to scan review log: %v", err)
		}
		entry.FromStatus = types.ProposalStatus(from)
		entry.ToStatus = types.ProposalStatus(to)
		entry.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetStats returns proposal counts by status.
func (q *ReviewQueue) GetStats() (*types.QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.Query("SELECT status, COUNT(*) FROM proposals GROUP BY status")
	if err != nil {
		return nil, types.Storef("failed to read queue stats: %v", err)
	}
	defer rows.Close()

	stats := &types.QueueStats{ByStatus: make(map[types.ProposalStatus]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.Storef("failed to scan queue stats: %v", err)
		}
		stats.ByStatus[types.ProposalStatus(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (q *ReviewQueue) appendLogLocked(id string, from, to types.ProposalStatus, notes string) error {
	_, err := q.db.Exec(`
		INSERT INTO review_log (proposal_id, from_status, to_status, notes, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), notes, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to append review log for %s: %v", id, err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

const proposalColumns = `id, type, target_path, reason, content, patch, scope,
	tags, proposed_by, status, retry_count, commit_error, pre_image_hash,
	review_notes, created, updated`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*types.WriteProposal, error) {
	p := &types.WriteProposal{}
	var ptype, scope, status, tagsJSON, created, updated string
	err := row.Scan(&p.ID, &ptype, &p.TargetPath, &p.Reason, &p.Content,
		&p.Patch, &scope, &tagsJSON, &p.ProposedBy, &status, &p.RetryCount,
		&p.CommitError, &p.PreImageHash, &p.ReviewNotes, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Type = types.ProposalType(ptype)
	p.Scope = types.Scope(scope)
	p.Status = types.ProposalStatus(status)
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return nil, fmt.Errorf("bad tags JSON on proposal %s: %w", p.ID, err)
	}
	p.Created, _ = time.Parse(time.RFC3339, created)
	p.Updated, _ = time.Parse(time.RFC3339, updated)
	return p, nil
}

// NewProposalID allocates a proposal id.
func NewProposalID() string {
	return "prop_" + uuid.NewString()
}
