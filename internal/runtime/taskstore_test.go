package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentos/internal/types"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	s, err := NewTaskStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func task(id, name string) *types.Task {
	return &types.Task{ID: id, Name: name}
}

func TestCreateTaskDefaultsAndRoundTrip(t *testing.T) {
	s := newTestTaskStore(t)
	in := task("task_1", "index repository")
	in.Inputs = map[string]string{"path": "src/"}
	require.NoError(t, s.CreateTask(in))

	got, err := s.GetTask("task_1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeaf, got.Type)
	assert.Equal(t, types.TaskNormal, got.Priority)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, "src/", got.Inputs["path"])
	assert.Zero(t, got.Progress)

	_, err = s.GetTask("task_missing")
	assert.True(t, types.IsNotFound(err))
}

func TestCreateTaskRejectsUnknownDependency(t *testing.T) {
	s := newTestTaskStore(t)
	bad := task("task_1", "t")
	bad.DependsOn = []string{"task_ghost"}
	err := s.CreateTask(bad)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestCreateTaskRejectsSelfDependency(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_a", "a")))
	b := task("task_b", "b")
	b.DependsOn = []string{"task_a"}
	require.NoError(t, s.CreateTask(b))

	d := task("task_d", "d")
	d.DependsOn = []string{"task_b", "task_d"}
	err := s.CreateTask(d)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestParentPromotionAndSubtaskListing(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_p", "parent")))

	c1 := task("task_c1", "child one")
	c1.ParentID = "task_p"
	c2 := task("task_c2", "child two")
	c2.ParentID = "task_p"
	require.NoError(t, s.CreateTask(c1))
	require.NoError(t, s.CreateTask(c2))

	parent, err := s.GetTask("task_p")
	require.NoError(t, err)
	assert.Equal(t, types.TaskComposite, parent.Type, "parent must be promoted to composite")
	assert.Equal(t, []string{"task_c1", "task_c2"}, parent.SubtaskIDs)

	orphan := task("task_o", "orphan")
	orphan.ParentID = "task_ghost"
	err = s.CreateTask(orphan)
	assert.True(t, types.IsValidation(err))
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_1", "t")))

	require.NoError(t, s.UpdateStatus("task_1", types.TaskRunning))
	got, err := s.GetTask("task_1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateStatus("task_1", types.TaskCompleted))
	got, err = s.GetTask("task_1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1.0, got.Progress)
}

func TestParentProgressIsMeanOfChildren(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_p", "parent")))
	for _, id := range []string{"task_c1", "task_c2"} {
		c := task(id, id)
		c.ParentID = "task_p"
		require.NoError(t, s.CreateTask(c))
	}

	require.NoError(t, s.UpdateProgress("task_c1", 0.5))
	parent, err := s.GetTask("task_p")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, parent.Progress, 0.001)

	require.NoError(t, s.UpdateStatus("task_c2", types.TaskRunning))
	require.NoError(t, s.UpdateStatus("task_c2", types.TaskCompleted))
	parent, err = s.GetTask("task_p")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, parent.Progress, 0.001)

	err = s.UpdateProgress("task_c1", 1.5)
	assert.True(t, types.IsValidation(err))
}

func TestStatusChangeHookFires(t *testing.T) {
	s := newTestTaskStore(t)
	type change struct {
		id       string
		from, to types.TaskStatus
	}
	var seen []change
	s.SetStatusChangeHook(func(id string, from, to types.TaskStatus) {
		seen = append(seen, change{id, from, to})
	})

	require.NoError(t, s.CreateTask(task("task_1", "t")))
	require.NoError(t, s.UpdateStatus("task_1", types.TaskRunning))
	require.NoError(t, s.UpdateStatus("task_1", types.TaskRunning)) // no-op
	require.NoError(t, s.UpdateStatus("task_1", types.TaskCompleted))

	require.Len(t, seen, 2)
	assert.Equal(t, change{"task_1", types.TaskPending, types.TaskRunning}, seen[0])
	assert.Equal(t, change{"task_1", types.TaskRunning, types.TaskCompleted}, seen[1])
}

func TestSetOutputsAndError(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_1", "t")))

	require.NoError(t, s.SetOutputs("task_1", map[string]string{"result": "42"}))
	require.NoError(t, s.SetOutputs("task_1", map[string]string{"extra": "x"}))
	require.NoError(t, s.SetError("task_1", "timed out"))

	got, err := s.GetTask("task_1")
	require.NoError(t, err)
	assert.Equal(t, "42", got.Outputs["result"])
	assert.Equal(t, "x", got.Outputs["extra"])
	assert.Equal(t, "timed out", got.Error)

	assert.True(t, types.IsNotFound(s.SetError("task_ghost", "x")))
}

func TestListByStatus(t *testing.T) {
	s := newTestTaskStore(t)
	for _, id := range []string{"task_1", "task_2", "task_3"} {
		require.NoError(t, s.CreateTask(task(id, id)))
	}
	require.NoError(t, s.UpdateStatus("task_2", types.TaskRunning))

	pending, err := s.ListByStatus(types.TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteTaskRefusesParents(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.CreateTask(task("task_p", "parent")))
	c := task("task_c", "child")
	c.ParentID = "task_p"
	require.NoError(t, s.CreateTask(c))

	err := s.DeleteTask("task_p")
	assert.True(t, types.IsValidation(err))

	require.NoError(t, s.DeleteTask("task_c"))
	require.NoError(t, s.DeleteTask("task_p"))
	assert.True(t, types.IsNotFound(s.DeleteTask("task_p")))
}

func TestDeadlinePersists(t *testing.T) {
	s := newTestTaskStore(t)
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	in := task("task_1", "t")
	in.Deadline = &deadline
	in.Constraints.TimeoutSeconds = 30
	require.NoError(t, s.CreateTask(in))

	got, err := s.GetTask("task_1")
	require.NoError(t, err)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(deadline))
	assert.Equal(t, 30, got.Constraints.TimeoutSeconds)
}
