// Package runtime implements the agent runtime: the message bus, the task
// tracker, the self-modification proposal manager, and their persistence.
package runtime

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// AgentOSStore persists agent states, messages, modification proposals, and
// sessions in agentos.sqlite. All timestamps are stored as RFC 3339 UTC.
type AgentOSStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewAgentOSStore opens (or creates) the runtime database.
func NewAgentOSStore(path string) (*AgentOSStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, types.Storef("failed to create runtime store directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.Storef("failed to open runtime store at %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &AgentOSStore{db: db}
	for _, p := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, types.Storef("failed to apply %s: %v", p, err)
		}
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Boot("Runtime store ready at %s", path)
	return s, nil
}

func (s *AgentOSStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_states (
		agent_id   TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		tokens_in  INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		api_calls  INTEGER NOT NULL DEFAULT 0,
		context    TEXT NOT NULL DEFAULT '',
		updated    TEXT NOT NULL,
		PRIMARY KEY (agent_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id             TEXT PRIMARY KEY,
		sender         TEXT NOT NULL,
		recipient      TEXT NOT NULL DEFAULT '',
		type           TEXT NOT NULL,
		priority       INTEGER NOT NULL DEFAULT 1,
		payload        TEXT NOT NULL DEFAULT '{}',
		correlation_id TEXT NOT NULL DEFAULT '',
		tags           TEXT NOT NULL DEFAULT '[]',
		session_id     TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		queued_at      TEXT NOT NULL,
		delivered_at   TEXT,
		read_at        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id);

	CREATE TABLE IF NOT EXISTS modifications (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		author             TEXT NOT NULL,
		changes            TEXT NOT NULL DEFAULT '[]',
		risk               INTEGER NOT NULL DEFAULT 0,
		required_approvals INTEGER NOT NULL DEFAULT 1,
		reviews            TEXT NOT NULL DEFAULT '[]',
		status             TEXT NOT NULL,
		tests_attached     INTEGER NOT NULL DEFAULT 0,
		created            TEXT NOT NULL,
		applied_at         TEXT,
		reverted_at        TEXT
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		started    TEXT NOT NULL,
		ended      TEXT,
		task_count INTEGER NOT NULL DEFAULT 0,
		tokens_in  INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		api_calls  INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return types.Storef("failed to initialize runtime schema: %v", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *AgentOSStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// AGENT STATES
// =============================================================================

// SaveAgentState upserts the per-(agent, session) state row.
func (s *AgentOSStore) SaveAgentState(st *types.AgentState) error {
	if st.AgentID == "" || st.SessionID == "" {
		return types.Validationf("agent state requires agent_id and session_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Updated = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO agent_states (agent_id, session_id, status, tokens_in, tokens_out, api_calls, context, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, session_id) DO UPDATE SET
			status = excluded.status, tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out, api_calls = excluded.api_calls,
			context = excluded.context, updated = excluded.updated`,
		st.AgentID, st.SessionID, string(st.Status), st.TokensIn, st.TokensOut,
		st.APICalls, st.Context, st.Updated.Format(time.RFC3339))
	if err != nil {
		return types.Storef("failed to save agent state %s/%s: %v", st.AgentID, st.SessionID, err)
	}
	return nil
}

// GetAgentState fetches the state for (agentID, sessionID).
func (s *AgentOSStore) GetAgentState(agentID, sessionID string) (*types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &types.AgentState{}
	var status, updated string
	err := s.db.QueryRow(`
		SELECT agent_id, session_id, status, tokens_in, tokens_out, api_calls, context, updated
		FROM agent_states WHERE agent_id = ? AND session_id = ?`, agentID, sessionID).
		Scan(&st.AgentID, &st.SessionID, &status, &st.TokensIn, &st.TokensOut,
			&st.APICalls, &st.Context, &updated)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("agent state %s/%s", agentID, sessionID)
	}
	if err != nil {
		return nil, types.Storef("failed to get agent state: %v", err)
	}
	st.Status = types.AgentStatus(status)
	st.Updated, _ = time.Parse(time.RFC3339, updated)
	return st, nil
}

// ListAgentStates returns all agent states for a session.
func (s *AgentOSStore) ListAgentStates(sessionID string) ([]*types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT agent_id, session_id, status, tokens_in, tokens_out, api_calls, context, updated
		FROM agent_states WHERE session_id = ? ORDER BY agent_id`, sessionID)
	if err != nil {
		return nil, types.Storef("failed to list agent states: %v", err)
	}
	defer rows.Close()

	var out []*types.AgentState
	for rows.Next() {
		st := &types.AgentState{}
		var status, updated string
		if err := rows.Scan(&st.AgentID, &st.SessionID, &status, &st.TokensIn,
			&st.TokensOut, &st.APICalls, &st.Context, &updated); err != nil {
			return nil, types.Storef("failed to scan agent state: %v", err)
		}
		st.Status = types.AgentStatus(status)
		st.Updated, _ = time.Parse(time.RFC3339, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// MESSAGES
// =============================================================================

// SaveMessage persists a message in its current delivery state.
func (s *AgentOSStore) SaveMessage(m *types.Message) error {
	if m.ID == "" {
		return types.Validationf("message id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(m.Payload)
	tagsJSON, _ := json.Marshal(m.Tags)
	_, err := s.db.Exec(`
		INSERT INTO messages (id, sender, recipient, type, priority, payload,
			correlation_id, tags, session_id, status, queued_at, delivered_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, delivered_at = excluded.delivered_at,
			read_at = excluded.read_at`,
		m.ID, m.Sender, m.Recipient, string(m.Type), int(m.Priority),
		string(payloadJSON), m.CorrelationID, string(tagsJSON), m.SessionID,
		string(m.Status), m.QueuedAt.UTC().Format(time.RFC3339),
		nullableTime(m.DeliveredAt), nullableTime(m.ReadAt))
	if err != nil {
		return types.Storef("failed to save message %s: %v", m.ID, err)
	}
	return nil
}

// MarkDelivered stamps the message delivered.
func (s *AgentOSStore) MarkDelivered(id string) error {
	return s.stamp(id, "delivered_at", types.DeliveryDelivered)
}

// MarkRead stamps the message read.
func (s *AgentOSStore) MarkRead(id string) error {
	return s.stamp(id, "read_at", types.DeliveryRead)
}

func (s *AgentOSStore) stamp(id, column string, status types.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE messages SET status = ?, "+column+" = ? WHERE id = ?",
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return types.Storef("failed to mark message %s %s: %v", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("message %s", id)
	}
	return nil
}

// MessageFilter narrows ListMessages. Empty fields match everything.
type MessageFilter struct {
	SessionID     string
	Sender        string
	Recipient     string
	CorrelationID string
	Limit         int
}

// ListMessages returns matching messages, oldest first.
func (s *AgentOSStore) ListMessages(filter MessageFilter) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, sender, recipient, type, priority, payload,
		correlation_id, tags, session_id, status, queued_at, delivered_at, read_at
		FROM messages WHERE 1=1`
	var args []interface{}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filter.Sender)
	}
	if filter.Recipient != "" {
		query += " AND recipient = ?"
		args = append(args, filter.Recipient)
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	query += " ORDER BY queued_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("failed to list messages: %v", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m := &types.Message{}
		var mtype, payloadJSON, tagsJSON, status, queued string
		var priority int
		var delivered, read sql.NullString
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &mtype, &priority,
			&payloadJSON, &m.CorrelationID, &tagsJSON, &m.SessionID, &status,
			&queued, &delivered, &read); err != nil {
			return nil, types.Storef("failed to scan message: %v", err)
		}
		m.Type = types.MessageType(mtype)
		m.Priority = types.MessagePriority(priority)
		m.Status = types.DeliveryStatus(status)
		json.Unmarshal([]byte(payloadJSON), &m.Payload)
		json.Unmarshal([]byte(tagsJSON), &m.Tags)
		m.QueuedAt, _ = time.Parse(time.RFC3339, queued)
		m.DeliveredAt = parseNullTime(delivered)
		m.ReadAt = parseNullTime(read)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// MODIFICATIONS
// =============================================================================

// SaveModification upserts a modification proposal with its full audit state.
func (s *AgentOSStore) SaveModification(p *types.ModificationProposal) error {
	if p.ID == "" {
		return types.Validationf("modification id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changesJSON, _ := json.Marshal(p.Changes)
	reviewsJSON, _ := json.Marshal(p.Reviews)
	tests := 0
	if p.TestsAttached {
		tests = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO modifications (id, title, description, author, changes, risk,
			required_approvals, reviews, status, tests_attached, created, applied_at, reverted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			changes = excluded.changes, risk = excluded.risk,
			required_approvals = excluded.required_approvals,
			reviews = excluded.reviews, status = excluded.status,
			tests_attached = excluded.tests_attached,
			applied_at = excluded.applied_at, reverted_at = excluded.reverted_at`,
		p.ID, p.Title, p.Description, p.Author, string(changesJSON), int(p.Risk),
		p.RequiredApprovals, string(reviewsJSON), string(p.Status), tests,
		p.Created.UTC().Format(time.RFC3339), nullableTime(p.AppliedAt),
		nullableTime(p.RevertedAt))
	if err != nil {
		return types.Storef("failed to save modification %s: %v", p.ID, err)
	}
	return nil
}

// GetModification fetches a modification proposal by id.
func (s *AgentOSStore) GetModification(id string) (*types.ModificationProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &types.ModificationProposal{}
	var changesJSON, reviewsJSON, status, created string
	var risk, tests int
	var applied, reverted sql.NullString
	err := s.db.QueryRow(`
		SELECT id, title, description, author, changes, risk, required_approvals,
			reviews, status, tests_attached, created, applied_at, reverted_at
		FROM modifications WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &p.Description, &p.Author, &changesJSON, &risk,
			&p.RequiredApprovals, &reviewsJSON, &status, &tests, &created,
			&applied, &reverted)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("modification %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get modification %s: %v", id, err)
	}
	p.Risk = types.RiskLevel(risk)
	p.Status = types.ModStatus(status)
	p.TestsAttached = tests != 0
	json.Unmarshal([]byte(changesJSON), &p.Changes)
	json.Unmarshal([]byte(reviewsJSON), &p.Reviews)
	p.Created, _ = time.Parse(time.RFC3339, created)
	p.AppliedAt = parseNullTime(applied)
	p.RevertedAt = parseNullTime(reverted)
	return p, nil
}

// ListModifications returns all proposals, newest first.
func (s *AgentOSStore) ListModifications() ([]*types.ModificationProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, description, author, changes, risk, required_approvals,
			reviews, status, tests_attached, created, applied_at, reverted_at
		FROM modifications ORDER BY created DESC, id`)
	if err != nil {
		return nil, types.Storef("failed to list modifications: %v", err)
	}
	defer rows.Close()

	var out []*types.ModificationProposal
	for rows.Next() {
		p := &types.ModificationProposal{}
		var changesJSON, reviewsJSON, status, created string
		var risk, tests int
		var applied, reverted sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Author,
			&changesJSON, &risk, &p.RequiredApprovals, &reviewsJSON, &status,
			&tests, &created, &applied, &reverted); err != nil {
			return nil, types.Storef("failed to scan modification: %v", err)
		}
		p.Risk = types.RiskLevel(risk)
		p.Status = types.ModStatus(status)
		p.TestsAttached = tests != 0
		json.Unmarshal([]byte(changesJSON), &p.Changes)
		json.Unmarshal([]byte(reviewsJSON), &p.Reviews)
		p.Created, _ = time.Parse(time.RFC3339, created)
		p.AppliedAt = parseNullTime(applied)
		p.RevertedAt = parseNullTime(reverted)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// SESSIONS
// =============================================================================

// SaveSession upserts a session row.
func (s *AgentOSStore) SaveSession(sess *types.Session) error {
	if sess.ID == "" {
		return types.Validationf("session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, started, ended, task_count, tokens_in, tokens_out, api_calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, ended = excluded.ended,
			task_count = excluded.task_count, tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out, api_calls = excluded.api_calls`,
		sess.ID, sess.Name, sess.Started.UTC().Format(time.RFC3339),
		nullableTime(sess.Ended), sess.TaskCount, sess.TokensIn, sess.TokensOut,
		sess.APICalls)
	if err != nil {
		return types.Storef("failed to save session %s: %v", sess.ID, err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *AgentOSStore) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(id)
}

func (s *AgentOSStore) getSessionLocked(id string) (*types.Session, error) {
	sess := &types.Session{}
	var started string
	var ended sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, started, ended, task_count, tokens_in, tokens_out, api_calls
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Name, &started, &ended, &sess.TaskCount,
			&sess.TokensIn, &sess.TokensOut, &sess.APICalls)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("session %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get session %s: %v", id, err)
	}
	sess.Started, _ = time.Parse(time.RFC3339, started)
	sess.Ended = parseNullTime(ended)
	return sess, nil
}

// EndSession stamps the session ended.
func (s *AgentOSStore) EndSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE sessions SET ended = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return types.Storef("failed to end session %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("session %s", id)
	}
	return nil
}

// AddSessionUsage accumulates token and call counters onto a session.
func (s *AgentOSStore) AddSessionUsage(id string, tokensIn, tokensOut, apiCalls int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET tokens_in = tokens_in + ?, tokens_out = tokens_out + ?,
			api_calls = api_calls + ? WHERE id = ?`, tokensIn, tokensOut, apiCalls, id)
	if err != nil {
		return types.Storef("failed to update session usage on %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("session %s", id)
	}
	return nil
}

// ActiveSessions returns sessions that have not ended, oldest first.
func (s *AgentOSStore) ActiveSessions() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id FROM sessions WHERE ended IS NULL ORDER BY started ASC")
	if err != nil {
		return nil, types.Storef("failed to list active sessions: %v", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, types.Storef("failed to scan session id: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.getSessionLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// CleanupBefore deletes ended sessions and their messages older than cutoff.
// Returns the number of sessions removed.
func (s *AgentOSStore) CleanupBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark := cutoff.UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`
		DELETE FROM messages WHERE session_id IN
			(SELECT id FROM sessions WHERE ended IS NOT NULL AND ended < ?)`, mark); err != nil {
		return 0, types.Storef("failed to clean up messages: %v", err)
	}
	res, err := s.db.Exec(
		"DELETE FROM sessions WHERE ended IS NOT NULL AND ended < ?", mark)
	if err != nil {
		return 0, types.Storef("failed to clean up sessions: %v", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Session("Cleaned up %d sessions ended before %s", n, mark)
	}
	return n, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
