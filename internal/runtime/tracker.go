package runtime

import (
	"sync"
	"time"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// TaskEventType names the semantic events the tracker emits.
type TaskEventType string

const (
	EventCreated         TaskEventType = "CREATED"
	EventStarted         TaskEventType = "STARTED"
	EventProgress        TaskEventType = "PROGRESS"
	EventCompleted       TaskEventType = "COMPLETED"
	EventFailed          TaskEventType = "FAILED"
	EventUnblocked       TaskEventType = "UNBLOCKED"
	EventDeadlineWarning TaskEventType = "DEADLINE_WARNING"
	EventTimeoutWarning  TaskEventType = "TIMEOUT_WARNING"
)

// TaskEvent is one tracked occurrence on a task.
type TaskEvent struct {
	Seq       int64             `json:"seq"`
	TaskID    string            `json:"task_id"`
	Type      TaskEventType     `json:"type"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// TaskReader is the slice of the TaskStore the tracker reads. The tracker
// is observational: it never mutates the store.
type TaskReader interface {
	GetTask(id string) (*types.Task, error)
	ListByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListAll() ([]*types.Task, error)
}

// AggregateStatus is the recursive status rollup for a task subtree.
type AggregateStatus struct {
	TaskID          string                   `json:"task_id"`
	TotalTasks      int                      `json:"total_tasks"`
	ByStatus        map[types.TaskStatus]int `json:"by_status"`
	OverallProgress float64                  `json:"overall_progress"` // percent
}

// TaskHierarchy is one node of the task tree.
type TaskHierarchy struct {
	Task     *types.Task      `json:"task"`
	Children []*TaskHierarchy `json:"children,omitempty"`
	Depth    int              `json:"depth"`
}

// TaskTracker observes the TaskStore, emits events on state changes, and
// answers hierarchy and rollup queries. Events go to subscribers
// synchronously in subscription order and into a bounded ring buffer.
type TaskTracker struct {
	mu       sync.Mutex
	store    TaskReader
	events   []TaskEvent
	nextSeq  int64
	capacity int
	subs     []*trackerSub
	nextSub  int64
}

type trackerSub struct {
	id      int64
	handler func(TaskEvent)
}

// NewTaskTracker creates a tracker with the given event buffer capacity.
func NewTaskTracker(store TaskReader, capacity int) *TaskTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &TaskTracker{store: store, capacity: capacity, nextSeq: 1}
}

// Subscribe registers a synchronous event handler and returns an
// unsubscribe function. A panicking handler is isolated; later handlers
// still run.
func (t *TaskTracker) Subscribe(handler func(TaskEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	sub := &trackerSub{id: t.nextSub, handler: handler}
	t.subs = append(t.subs, sub)
	id := sub.id
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit records an event and notifies subscribers.
func (t *TaskTracker) Emit(taskID string, eventType TaskEventType, data map[string]string) TaskEvent {
	t.mu.Lock()
	ev := TaskEvent{
		Seq:       t.nextSeq,
		TaskID:    taskID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	t.nextSeq++
	t.events = append(t.events, ev)
	if len(t.events) > t.capacity {
		t.events = t.events[len(t.events)-t.capacity:]
	}
	subs := make([]*trackerSub, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	logging.TasksDebug("Event %s on %s (seq %d)", eventType, taskID, ev.Seq)
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryTasks).Error(
						"Event subscriber panicked on %s/%s: %v", taskID, eventType, r)
				}
			}()
			sub.handler(ev)
		}()
	}
	return ev
}

// RouteStatusChange maps a store status transition to its semantic event.
// Transitions with no semantic mapping emit nothing.
func (t *TaskTracker) RouteStatusChange(taskID string, from, to types.TaskStatus) {
	data := map[string]string{"from": string(from), "to": string(to)}
	switch {
	case (from == types.TaskPending || from == types.TaskScheduled) && to == types.TaskRunning:
		t.Emit(taskID, EventStarted, data)
	case from == types.TaskRunning && to == types.TaskCompleted:
		t.Emit(taskID, EventCompleted, data)
	case from == types.TaskRunning && to == types.TaskFailed:
		t.Emit(taskID, EventFailed, data)
	case from == types.TaskBlocked && (to == types.TaskScheduled || to == types.TaskPending):
		t.Emit(taskID, EventUnblocked, data)
	}
}

// EventFilter narrows Events queries. Zero values match everything.
type EventFilter struct {
	TaskID string
	Type   TaskEventType
	Limit  int
}

// Events returns buffered events matching the filter, oldest first.
func (t *TaskTracker) Events(filter EventFilter) []TaskEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TaskEvent
	for _, ev := range t.events {
		if filter.TaskID != "" && ev.TaskID != filter.TaskID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		out = append(out, ev)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// =============================================================================
// ROLLUPS AND HIERARCHY
// =============================================================================

// Aggregate walks the task and its subtasks recursively. Overall progress
// is the completed fraction of the subtree, as a percentage.
func (t *TaskTracker) Aggregate(taskID string) (*AggregateStatus, error) {
	agg := &AggregateStatus{
		TaskID:   taskID,
		ByStatus: make(map[types.TaskStatus]int),
	}
	if err := t.aggregateWalk(taskID, agg, map[string]bool{}); err != nil {
		return nil, err
	}
	if agg.TotalTasks > 0 {
		agg.OverallProgress = 100 * float64(agg.ByStatus[types.TaskCompleted]) / float64(agg.TotalTasks)
	}
	return agg, nil
}

func (t *TaskTracker) aggregateWalk(taskID string, agg *AggregateStatus, seen map[string]bool) error {
	if seen[taskID] {
		return nil
	}
	seen[taskID] = true

	task, err := t.store.GetTask(taskID)
	if err != nil {
		return err
	}
	agg.TotalTasks++
	agg.ByStatus[task.Status]++
	for _, sub := range task.SubtaskIDs {
		if err := t.aggregateWalk(sub, agg, seen); err != nil {
			return err
		}
	}
	return nil
}

// Hierarchy returns the task subtree down to maxDepth levels below the root.
// maxDepth < 0 means unbounded.
func (t *TaskTracker) Hierarchy(taskID string, maxDepth int) (*TaskHierarchy, error) {
	return t.hierarchyWalk(taskID, 0, maxDepth)
}

func (t *TaskTracker) hierarchyWalk(taskID string, depth, maxDepth int) (*TaskHierarchy, error) {
	task, err := t.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	node := &TaskHierarchy{Task: task, Depth: depth}
	if maxDepth >= 0 && depth >= maxDepth {
		return node, nil
	}
	for _, sub := range task.SubtaskIDs {
		child, err := t.hierarchyWalk(sub, depth+1, maxDepth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// RootTask walks parents to the top of the hierarchy.
func (t *TaskTracker) RootTask(taskID string) (*types.Task, error) {
	task, err := t.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	for task.ParentID != "" {
		parent, err := t.store.GetTask(task.ParentID)
		if err != nil {
			return nil, err
		}
		task = parent
	}
	return task, nil
}

// Siblings returns the other children of the task's parent.
func (t *TaskTracker) Siblings(taskID string) ([]*types.Task, error) {
	task, err := t.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.ParentID == "" {
		return nil, nil
	}
	parent, err := t.store.GetTask(task.ParentID)
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, sub := range parent.SubtaskIDs {
		if sub == taskID {
			continue
		}
		sibling, err := t.store.GetTask(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, sibling)
	}
	return out, nil
}

// =============================================================================
// DEADLINE AND TIMEOUT MONITORING
// =============================================================================

// CheckDeadlines emits DEADLINE_WARNING for unfinished tasks whose deadline
// falls within the warning window, and returns them.
func (t *TaskTracker) CheckDeadlines(warning time.Duration) ([]*types.Task, error) {
	all, err := t.store.ListAll()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cutoff := now.Add(warning)

	var out []*types.Task
	for _, task := range all {
		if task.Deadline == nil {
			continue
		}
		switch task.Status {
		case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
			continue
		}
		if task.Deadline.After(cutoff) {
			continue
		}
		out = append(out, task)
		t.Emit(task.ID, EventDeadlineWarning, map[string]string{
			"deadline": task.Deadline.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// CheckTimeouts emits TIMEOUT_WARNING for running tasks past their timeout
// constraint, and returns them.
func (t *TaskTracker) CheckTimeouts() ([]*types.Task, error) {
	running, err := t.store.ListByStatus(types.TaskRunning)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var out []*types.Task
	for _, task := range running {
		if task.Constraints.TimeoutSeconds <= 0 || task.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*task.StartedAt)
		if elapsed <= time.Duration(task.Constraints.TimeoutSeconds)*time.Second {
			continue
		}
		out = append(out, task)
		t.Emit(task.ID, EventTimeoutWarning, map[string]string{
			"elapsed_seconds": elapsed.Truncate(time.Second).String(),
		})
	}
	return out, nil
}
