package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentos/internal/runtime"
	"agentos/internal/types"
)

var (
	taskParent   string
	taskPriority string
	taskDepends  []string
	taskDeadline string
	taskStatus   string
	taskProgress float64
	taskDepth    int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create and track tasks",
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksCreate,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksUpdateCmd = &cobra.Command{
	Use:   "update [task-id] [status]",
	Short: "Transition a task's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksUpdate,
}

var tasksProgressCmd = &cobra.Command{
	Use:   "progress [task-id]",
	Short: "Set a task's progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksProgress,
}

var tasksTreeCmd = &cobra.Command{
	Use:   "tree [task-id]",
	Short: "Show a task's subtask hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksTree,
}

var tasksSummaryCmd = &cobra.Command{
	Use:   "summary [task-id]",
	Short: "Aggregate status over a task subtree",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksSummary,
}

func init() {
	tasksCreateCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task id")
	tasksCreateCmd.Flags().StringVar(&taskPriority, "priority", string(types.TaskNormal), "Priority (critical, high, normal, low)")
	tasksCreateCmd.Flags().StringSliceVar(&taskDepends, "depends", nil, "Task ids this task depends on")
	tasksCreateCmd.Flags().StringVar(&taskDeadline, "deadline", "", "Deadline (RFC 3339)")
	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	tasksProgressCmd.Flags().Float64Var(&taskProgress, "value", 0, "Progress in [0,1]")
	tasksProgressCmd.MarkFlagRequired("value")
	tasksTreeCmd.Flags().IntVar(&taskDepth, "depth", -1, "Maximum depth (-1: unbounded)")

	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksUpdateCmd)
	tasksCmd.AddCommand(tasksProgressCmd)
	tasksCmd.AddCommand(tasksTreeCmd)
	tasksCmd.AddCommand(tasksSummaryCmd)
}

func runTasksCreate(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t := &types.Task{
		ID:        "task_" + uuid.NewString()[:8],
		Name:      strings.Join(args, " "),
		Priority:  types.TaskPriority(taskPriority),
		ParentID:  taskParent,
		DependsOn: taskDepends,
	}
	if taskDeadline != "" {
		d, err := time.Parse(time.RFC3339, taskDeadline)
		if err != nil {
			return types.Validationf("invalid deadline %q: %v", taskDeadline, err)
		}
		t.Deadline = &d
	}
	if err := store.CreateTask(t); err != nil {
		return err
	}
	return emit(t, func() {
		fmt.Printf("Created %s: %s\n", t.ID, t.Name)
	})
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var list []*types.Task
	if taskStatus != "" {
		list, err = store.ListByStatus(types.TaskStatus(taskStatus))
	} else {
		list, err = store.ListAll()
	}
	if err != nil {
		return err
	}
	return emit(list, func() {
		for _, t := range list {
			fmt.Printf("%-14s %-10s %-8s %3.0f%%  %s\n",
				t.ID, t.Status, t.Priority, t.Progress*100, t.Name)
		}
		fmt.Printf("%d tasks\n", len(list))
	})
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	return emit(t, func() {
		fmt.Printf("%s  %s  %s/%s  %.0f%%\n", t.ID, t.Name, t.Status, t.Priority, t.Progress*100)
		if t.ParentID != "" {
			fmt.Printf("  parent: %s\n", t.ParentID)
		}
		if len(t.DependsOn) > 0 {
			fmt.Printf("  depends on: %s\n", strings.Join(t.DependsOn, ", "))
		}
		if t.Deadline != nil {
			fmt.Printf("  deadline: %s\n", t.Deadline.Format(time.RFC3339))
		}
		if t.Error != "" {
			fmt.Printf("  error: %s\n", t.Error)
		}
	})
}

func runTasksUpdate(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpdateStatus(args[0], types.TaskStatus(args[1])); err != nil {
		return err
	}
	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	return emit(t, func() {
		fmt.Printf("Task %s: %s\n", t.ID, t.Status)
	})
}

func runTasksProgress(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpdateProgress(args[0], taskProgress); err != nil {
		return err
	}
	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	return emit(t, func() {
		fmt.Printf("Task %s: %.0f%%\n", t.ID, t.Progress*100)
	})
}

func runTasksTree(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := runtime.NewTaskTracker(store, cfg.Runtime.EventBufferSize)
	tree, err := tracker.Hierarchy(args[0], taskDepth)
	if err != nil {
		return err
	}
	return emit(tree, func() {
		printTaskTree(tree)
	})
}

func printTaskTree(h *runtime.TaskHierarchy) {
	indent := strings.Repeat("  ", h.Depth)
	fmt.Printf("%s%s  %s  %.0f%%  %s\n",
		indent, h.Task.ID, h.Task.Status, h.Task.Progress*100, h.Task.Name)
	for _, child := range h.Children {
		printTaskTree(child)
	}
}

func runTasksSummary(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := runtime.NewTaskTracker(store, cfg.Runtime.EventBufferSize)
	agg, err := tracker.Aggregate(args[0])
	if err != nil {
		return err
	}
	return emit(agg, func() {
		fmt.Printf("%s: %d tasks, %.1f%% complete\n", agg.TaskID, agg.TotalTasks, agg.OverallProgress)
		for status, n := range agg.ByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	})
}
