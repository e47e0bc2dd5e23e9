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

// TaskStore persists tasks in tasks.sqlite. The dependency graph is kept
// acyclic; a parent's progress is the mean of its subtasks' progress.
type TaskStore struct {
	db *sql.DB
	mu sync.RWMutex

	// onStatusChange is the tracker hook, invoked after a successful status
	// transition with (taskID, from, to).
	onStatusChange func(taskID string, from, to types.TaskStatus)
}

// NewTaskStore opens (or creates) the task database.
func NewTaskStore(path string) (*TaskStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, types.Storef("failed to create task store directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.Storef("failed to open task store at %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &TaskStore{db: db}
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

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		type         TEXT NOT NULL DEFAULT 'leaf',
		priority     TEXT NOT NULL DEFAULT 'normal',
		status       TEXT NOT NULL DEFAULT 'pending',
		parent_id    TEXT NOT NULL DEFAULT '',
		depends_on   TEXT NOT NULL DEFAULT '[]',
		inputs       TEXT NOT NULL DEFAULT '{}',
		outputs      TEXT NOT NULL DEFAULT '{}',
		progress     REAL NOT NULL DEFAULT 0,
		deadline     TEXT,
		timeout_secs INTEGER NOT NULL DEFAULT 0,
		assigned_to  TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		created      TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.Storef("failed to initialize task schema: %v", err)
	}
	logging.Tasks("Task store ready at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// SetStatusChangeHook installs the tracker callback. Must be called before
// concurrent use.
func (s *TaskStore) SetStatusChangeHook(hook func(taskID string, from, to types.TaskStatus)) {
	s.onStatusChange = hook
}

// CreateTask persists a new task. Dependencies must exist and must not form
// a cycle; a named parent must exist and becomes composite.
func (s *TaskStore) CreateTask(t *types.Task) error {
	if t.ID == "" {
		return types.Validationf("task id is empty")
	}
	if t.Name == "" {
		return types.Validationf("task %s has no name", t.ID)
	}
	if t.Type == "" {
		t.Type = types.TaskLeaf
	}
	if t.Priority == "" {
		t.Priority = types.TaskNormal
	}
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range t.DependsOn {
		if _, err := s.getLocked(dep); err != nil {
			return types.Validationf("task %s depends on unknown task %s", t.ID, dep)
		}
		if s.dependsOnLocked(dep, t.ID) {
			return types.Validationf("task %s dependency on %s would form a cycle", t.ID, dep)
		}
	}
	if t.ParentID != "" {
		parent, err := s.getLocked(t.ParentID)
		if err != nil {
			return types.Validationf("task %s has unknown parent %s", t.ID, t.ParentID)
		}
		if parent.Type != types.TaskComposite {
			if _, err := s.db.Exec("UPDATE tasks SET type = ? WHERE id = ?",
				string(types.TaskComposite), parent.ID); err != nil {
				return types.Storef("failed to promote parent %s: %v", parent.ID, err)
			}
		}
	}

	dependsJSON, _ := json.Marshal(t.DependsOn)
	inputsJSON, _ := json.Marshal(t.Inputs)
	outputsJSON, _ := json.Marshal(t.Outputs)
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, name, type, priority, status, parent_id, depends_on,
			inputs, outputs, progress, deadline, timeout_secs, assigned_to, error,
			created, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Type), string(t.Priority), string(t.Status),
		t.ParentID, string(dependsJSON), string(inputsJSON), string(outputsJSON),
		t.Progress, nullableTime(t.Deadline), t.Constraints.TimeoutSeconds,
		t.AssignedTo, t.Error, t.Created.Format(time.RFC3339),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return types.Storef("failed to create task %s: %v", t.ID, err)
	}
	logging.Tasks("Created task %s (%s, priority %s)", t.ID, t.Name, t.Priority)
	return nil
}

// dependsOnLocked reports whether start transitively depends on target.
func (s *TaskStore) dependsOnLocked(start, target string) bool {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		t, err := s.getLocked(id)
		if err != nil {
			continue
		}
		queue = append(queue, t.DependsOn...)
	}
	return false
}

// GetTask fetches a task by id, including its subtask ids.
func (s *TaskStore) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *TaskStore) getLocked(id string) (*types.Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("task %s", id)
	}
	if err != nil {
		return nil, types.Storef("failed to get task %s: %v", id, err)
	}
	t.SubtaskIDs, err = s.subtaskIDsLocked(id)
	return t, err
}

func (s *TaskStore) subtaskIDsLocked(id string) ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM tasks WHERE parent_id = ? ORDER BY created, id", id)
	if err != nil {
		return nil, types.Storef("failed to list subtasks of %s: %v", id, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, types.Storef("failed to scan subtask id: %v", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a task and fires the status-change hook. Start
// and completion times are stamped on the corresponding transitions.
func (s *TaskStore) UpdateStatus(id string, to types.TaskStatus) error {
	s.mu.Lock()
	t, err := s.getLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	from := t.Status
	if from == to {
		s.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	sets := "status = ?"
	args := []interface{}{string(to)}
	if to == types.TaskRunning && t.StartedAt == nil {
		sets += ", started_at = ?"
		args = append(args, now.Format(time.RFC3339))
	}
	if to == types.TaskCompleted || to == types.TaskFailed || to == types.TaskCancelled {
		sets += ", completed_at = ?"
		args = append(args, now.Format(time.RFC3339))
	}
	if to == types.TaskCompleted {
		sets += ", progress = 1.0"
	}
	args = append(args, id)
	if _, err := s.db.Exec("UPDATE tasks SET "+sets+" WHERE id = ?", args...); err != nil {
		s.mu.Unlock()
		return types.Storef("failed to update task %s: %v", id, err)
	}
	if to == types.TaskCompleted {
		if err := s.refreshParentProgressLocked(t.ParentID); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	logging.Tasks("Task %s: %s -> %s", id, from, to)
	if s.onStatusChange != nil {
		// Hook runs outside the lock so it can read the store.
		s.onStatusChange(id, from, to)
	}
	return nil
}

// UpdateProgress sets a leaf task's progress and recomputes its ancestors'.
func (s *TaskStore) UpdateProgress(id string, progress float64) error {
	if progress < 0 || progress > 1 {
		return types.Validationf("progress %v out of range [0,1]", progress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("UPDATE tasks SET progress = ? WHERE id = ?", progress, id); err != nil {
		return types.Storef("failed to update progress on %s: %v", id, err)
	}
	return s.refreshParentProgressLocked(t.ParentID)
}

// refreshParentProgressLocked walks up the hierarchy setting each parent's
// progress to the mean of its children's.
func (s *TaskStore) refreshParentProgressLocked(parentID string) error {
	for parentID != "" {
		parent, err := s.getLocked(parentID)
		if err != nil {
			return err
		}
		if len(parent.SubtaskIDs) == 0 {
			return nil
		}
		sum := 0.0
		for _, sub := range parent.SubtaskIDs {
			child, err := s.getLocked(sub)
			if err != nil {
				return err
			}
			sum += child.Progress
		}
		mean := sum / float64(len(parent.SubtaskIDs))
		if _, err := s.db.Exec("UPDATE tasks SET progress = ? WHERE id = ?", mean, parentID); err != nil {
			return types.Storef("failed to refresh progress on %s: %v", parentID, err)
		}
		parentID = parent.ParentID
	}
	return nil
}

// SetOutputs merges outputs onto the task.
func (s *TaskStore) SetOutputs(id string, outputs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.Outputs == nil {
		t.Outputs = map[string]string{}
	}
	for k, v := range outputs {
		t.Outputs[k] = v
	}
	outputsJSON, _ := json.Marshal(t.Outputs)
	_, err = s.db.Exec("UPDATE tasks SET outputs = ? WHERE id = ?", string(outputsJSON), id)
	if err != nil {
		return types.Storef("failed to set outputs on %s: %v", id, err)
	}
	return nil
}

// SetError records a task failure message.
func (s *TaskStore) SetError(id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("UPDATE tasks SET error = ? WHERE id = ?", msg, id)
	if err != nil {
		return types.Storef("failed to set error on %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("task %s", id)
	}
	return nil
}

// ListByStatus returns tasks in a status, oldest first.
func (s *TaskStore) ListByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.list("status = ?", string(status))
}

// ListAll returns every task, oldest first.
func (s *TaskStore) ListAll() ([]*types.Task, error) {
	return s.list("1=1")
}

func (s *TaskStore) list(where string, args ...interface{}) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+taskColumns+" FROM tasks WHERE "+where+
		" ORDER BY created, id", args...)
	if err != nil {
		return nil, types.Storef("failed to list tasks: %v", err)
	}
	var out []*types.Task
	var ids []string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, types.Storef("failed to scan task: %v", err)
		}
		out = append(out, t)
		ids = append(ids, t.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, id := range ids {
		subs, err := s.subtaskIDsLocked(id)
		if err != nil {
			return nil, err
		}
		out[i].SubtaskIDs = subs
	}
	return out, nil
}

// DeleteTask removes a task. Tasks with subtasks cannot be deleted.
func (s *TaskStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.subtaskIDsLocked(id)
	if err != nil {
		return err
	}
	if len(subs) > 0 {
		return types.Validationf("task %s has %d subtasks; delete them first", id, len(subs))
	}
	res, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return types.Storef("failed to delete task %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("task %s", id)
	}
	return nil
}

const taskColumns = `id, name, type, priority, status, parent_id, depends_on,
	inputs, outputs, progress, deadline, timeout_secs, assigned_to, error,
	created, started_at, completed_at`

type taskRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row taskRowScanner) (*types.Task, error) {
	t := &types.Task{}
	var ttype, priority, status, dependsJSON, inputsJSON, outputsJSON, created string
	var deadline, started, completed sql.NullString
	err := row.Scan(&t.ID, &t.Name, &ttype, &priority, &status, &t.ParentID,
		&dependsJSON, &inputsJSON, &outputsJSON, &t.Progress, &deadline,
		&t.Constraints.TimeoutSeconds, &t.AssignedTo, &t.Error, &created,
		&started, &completed)
	if err != nil {
		return nil, err
	}
	t.Type = types.TaskType(ttype)
	t.Priority = types.TaskPriority(priority)
	t.Status = types.TaskStatus(status)
	json.Unmarshal([]byte(dependsJSON), &t.DependsOn)
	json.Unmarshal([]byte(inputsJSON), &t.Inputs)
	json.Unmarshal([]byte(outputsJSON), &t.Outputs)
	t.Created, _ = time.Parse(time.RFC3339, created)
	t.Deadline = parseNullTime(deadline)
	t.StartedAt = parseNullTime(started)
	t.CompletedAt = parseNullTime(completed)
	return t, nil
}
