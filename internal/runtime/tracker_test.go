package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentos/internal/types"
)

func newTrackedStore(t *testing.T, capacity int) (*TaskStore, *TaskTracker) {
	t.Helper()
	s := newTestTaskStore(t)
	tr := NewTaskTracker(s, capacity)
	s.SetStatusChangeHook(tr.RouteStatusChange)
	return s, tr
}

func TestStatusRouting(t *testing.T) {
	cases := []struct {
		from, to types.TaskStatus
		want     TaskEventType
	}{
		{types.TaskPending, types.TaskRunning, EventStarted},
		{types.TaskScheduled, types.TaskRunning, EventStarted},
		{types.TaskRunning, types.TaskCompleted, EventCompleted},
		{types.TaskRunning, types.TaskFailed, EventFailed},
		{types.TaskBlocked, types.TaskScheduled, EventUnblocked},
		{types.TaskBlocked, types.TaskPending, EventUnblocked},
	}
	for _, tc := range cases {
		tr := NewTaskTracker(nil, 10)
		tr.RouteStatusChange("task_1", tc.from, tc.to)
		events := tr.Events(EventFilter{})
		require.Len(t, events, 1, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.want, events[0].Type)
		assert.Equal(t, string(tc.from), events[0].Data["from"])
	}

	// Unmapped transitions emit nothing.
	tr := NewTaskTracker(nil, 10)
	tr.RouteStatusChange("task_1", types.TaskPending, types.TaskBlocked)
	tr.RouteStatusChange("task_1", types.TaskCompleted, types.TaskFailed)
	assert.Empty(t, tr.Events(EventFilter{}))
}

func TestStoreTransitionsReachTracker(t *testing.T) {
	s, tr := newTrackedStore(t, 100)
	require.NoError(t, s.CreateTask(task("task_1", "t")))
	require.NoError(t, s.UpdateStatus("task_1", types.TaskRunning))
	require.NoError(t, s.UpdateStatus("task_1", types.TaskCompleted))

	events := tr.Events(EventFilter{TaskID: "task_1"})
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
}

func TestEventBufferIsBounded(t *testing.T) {
	tr := NewTaskTracker(nil, 5)
	for i := 0; i < 12; i++ {
		tr.Emit("task_1", EventProgress, nil)
	}
	events := tr.Events(EventFilter{})
	require.Len(t, events, 5)
	// The oldest events are evicted; seq keeps climbing.
	assert.Equal(t, int64(8), events[0].Seq)
	assert.Equal(t, int64(12), events[4].Seq)
}

func TestEventFilters(t *testing.T) {
	tr := NewTaskTracker(nil, 100)
	tr.Emit("task_1", EventCreated, nil)
	tr.Emit("task_2", EventCreated, nil)
	tr.Emit("task_1", EventStarted, nil)
	tr.Emit("task_1", EventCompleted, nil)

	assert.Len(t, tr.Events(EventFilter{TaskID: "task_1"}), 3)
	assert.Len(t, tr.Events(EventFilter{Type: EventCreated}), 2)

	last := tr.Events(EventFilter{TaskID: "task_1", Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, EventCompleted, last[0].Type)
}

func TestSubscriberOrderAndPanicIsolation(t *testing.T) {
	tr := NewTaskTracker(nil, 10)
	var order []string
	unsub1 := tr.Subscribe(func(TaskEvent) { order = append(order, "first") })
	defer unsub1()
	unsub2 := tr.Subscribe(func(TaskEvent) { panic("boom") })
	defer unsub2()
	unsub3 := tr.Subscribe(func(TaskEvent) { order = append(order, "third") })

	tr.Emit("task_1", EventCreated, nil)
	assert.Equal(t, []string{"first", "third"}, order)

	unsub3()
	tr.Emit("task_1", EventCreated, nil)
	assert.Equal(t, []string{"first", "third", "first"}, order)
}

func TestAggregateCompositeWithFourLeaves(t *testing.T) {
	s, tr := newTrackedStore(t, 100)
	require.NoError(t, s.CreateTask(task("task_root", "root")))
	for _, id := range []string{"task_l1", "task_l2", "task_l3", "task_l4"} {
		leaf := task(id, id)
		leaf.ParentID = "task_root"
		require.NoError(t, s.CreateTask(leaf))
	}
	for _, id := range []string{"task_l1", "task_l2"} {
		require.NoError(t, s.UpdateStatus(id, types.TaskRunning))
		require.NoError(t, s.UpdateStatus(id, types.TaskCompleted))
	}

	agg, err := tr.Aggregate("task_root")
	require.NoError(t, err)
	assert.Equal(t, 5, agg.TotalTasks)
	assert.Equal(t, 2, agg.ByStatus[types.TaskCompleted])
	assert.Equal(t, 3, agg.ByStatus[types.TaskPending])
	assert.InDelta(t, 40.0, agg.OverallProgress, 1.0)
}

func TestHierarchyDepthLimit(t *testing.T) {
	s, tr := newTrackedStore(t, 10)
	require.NoError(t, s.CreateTask(task("task_root", "root")))
	mid := task("task_mid", "mid")
	mid.ParentID = "task_root"
	require.NoError(t, s.CreateTask(mid))
	leaf := task("task_leaf", "leaf")
	leaf.ParentID = "task_mid"
	require.NoError(t, s.CreateTask(leaf))

	full, err := tr.Hierarchy("task_root", -1)
	require.NoError(t, err)
	require.Len(t, full.Children, 1)
	require.Len(t, full.Children[0].Children, 1)
	assert.Equal(t, 2, full.Children[0].Children[0].Depth)

	shallow, err := tr.Hierarchy("task_root", 1)
	require.NoError(t, err)
	require.Len(t, shallow.Children, 1)
	assert.Empty(t, shallow.Children[0].Children)

	_, err = tr.Hierarchy("task_ghost", -1)
	assert.True(t, types.IsNotFound(err))
}

func TestRootTaskAndSiblings(t *testing.T) {
	s, tr := newTrackedStore(t, 10)
	require.NoError(t, s.CreateTask(task("task_root", "root")))
	for _, id := range []string{"task_a", "task_b", "task_c"} {
		c := task(id, id)
		c.ParentID = "task_root"
		require.NoError(t, s.CreateTask(c))
	}

	root, err := tr.RootTask("task_b")
	require.NoError(t, err)
	assert.Equal(t, "task_root", root.ID)

	sibs, err := tr.Siblings("task_b")
	require.NoError(t, err)
	require.Len(t, sibs, 2)
	assert.Equal(t, "task_a", sibs[0].ID)
	assert.Equal(t, "task_c", sibs[1].ID)

	none, err := tr.Siblings("task_root")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckDeadlines(t *testing.T) {
	s, tr := newTrackedStore(t, 100)

	soon := time.Now().UTC().Add(5 * time.Minute)
	far := time.Now().UTC().Add(24 * time.Hour)

	urgent := task("task_urgent", "urgent")
	urgent.Deadline = &soon
	require.NoError(t, s.CreateTask(urgent))

	relaxed := task("task_relaxed", "relaxed")
	relaxed.Deadline = &far
	require.NoError(t, s.CreateTask(relaxed))

	done := task("task_done", "done")
	done.Deadline = &soon
	require.NoError(t, s.CreateTask(done))
	require.NoError(t, s.UpdateStatus("task_done", types.TaskRunning))
	require.NoError(t, s.UpdateStatus("task_done", types.TaskCompleted))

	warned, err := tr.CheckDeadlines(30 * time.Minute)
	require.NoError(t, err)
	require.Len(t, warned, 1)
	assert.Equal(t, "task_urgent", warned[0].ID)

	events := tr.Events(EventFilter{Type: EventDeadlineWarning})
	require.Len(t, events, 1)
	assert.Equal(t, "task_urgent", events[0].TaskID)
}

func TestCheckTimeouts(t *testing.T) {
	s, tr := newTrackedStore(t, 100)

	slow := task("task_slow", "slow")
	slow.Constraints.TimeoutSeconds = 1
	started := time.Now().UTC().Add(-time.Minute)
	slow.StartedAt = &started
	slow.Status = types.TaskRunning
	require.NoError(t, s.CreateTask(slow))

	fresh := task("task_fresh", "fresh")
	fresh.Constraints.TimeoutSeconds = 3600
	require.NoError(t, s.CreateTask(fresh))
	require.NoError(t, s.UpdateStatus("task_fresh", types.TaskRunning))

	timedOut, err := tr.CheckTimeouts()
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "task_slow", timedOut[0].ID)

	events := tr.Events(EventFilter{Type: EventTimeoutWarning})
	require.Len(t, events, 1)
}
