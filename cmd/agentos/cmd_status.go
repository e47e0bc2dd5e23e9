package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/graph"
	"agentos/internal/store"
	"agentos/internal/types"
	"agentos/internal/usage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system-wide store counts",
	RunE:  runStatus,
}

var statusHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report memory usage health (never used, stale, most used)",
	RunE:  runStatusHealth,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute all memory embeddings with the configured embedder",
	RunE:  runReindex,
}

func init() {
	statusCmd.AddCommand(statusHealthCmd)
	rootCmd.AddCommand(reindexCmd)
}

// systemStatus is the aggregate status snapshot across all stores.
type systemStatus struct {
	Workspace      string            `json:"workspace"`
	Memories       int               `json:"memories"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	SchemaVersion  int               `json:"graph_schema_version"`
	Graph          *graph.Stats      `json:"graph"`
	Conflicts      map[string]int64  `json:"conflicts"`
	Queue          *types.QueueStats `json:"queue"`
	Tasks          int               `json:"tasks"`
	ActiveSessions int               `json:"active_sessions"`
	UsageTracking  bool              `json:"usage_tracking"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	g, err := openGraph("")
	if err != nil {
		return err
	}
	defer g.Close()
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
	tasks, err := openTaskStore()
	if err != nil {
		return err
	}
	defer tasks.Close()
	runtimeStore, err := openRuntimeStore()
	if err != nil {
		return err
	}
	defer runtimeStore.Close()
	tracker, err := openUsage()
	if err != nil {
		return err
	}
	defer tracker.Close()

	st := systemStatus{Workspace: workspace, UsageTracking: tracker.Enabled()}
	if st.Memories, err = memories.CountMemories(); err != nil {
		return err
	}
	st.EmbeddingModel, _ = memories.GetMeta("embedding_model")
	if st.SchemaVersion, err = g.SchemaVersion(); err != nil {
		return err
	}
	if st.Graph, err = g.GetStats(); err != nil {
		return err
	}
	if st.Conflicts, err = conflicts.GetStats(); err != nil {
		return err
	}
	if st.Queue, err = queue.GetStats(); err != nil {
		return err
	}
	all, err := tasks.ListAll()
	if err != nil {
		return err
	}
	st.Tasks = len(all)
	sessions, err := runtimeStore.ActiveSessions()
	if err != nil {
		return err
	}
	st.ActiveSessions = len(sessions)

	return emit(st, func() {
		fmt.Printf("Workspace:       %s\n", st.Workspace)
		fmt.Printf("Memories:        %d", st.Memories)
		if st.EmbeddingModel != "" {
			fmt.Printf("  (embedder %s)", st.EmbeddingModel)
		}
		fmt.Println()
		fmt.Printf("Graph:           %d nodes, %d edges (schema v%d)\n",
			st.Graph.Nodes, st.Graph.Edges, st.SchemaVersion)
		var totalConflicts int64
		for k, n := range st.Conflicts {
			if len(k) > 7 && k[:7] == "status_" {
				totalConflicts += n
			}
		}
		fmt.Printf("Conflicts:       %d unresolved of %d\n",
			st.Conflicts["status_unresolved"], totalConflicts)
		fmt.Printf("Review queue:    %d proposals\n", st.Queue.Total)
		fmt.Printf("Tasks:           %d\n", st.Tasks)
		fmt.Printf("Active sessions: %d\n", st.ActiveSessions)
		fmt.Printf("Usage tracking:  %v\n", st.UsageTracking)
	})
}

func runStatusHealth(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	tracker, err := openUsage()
	if err != nil {
		return err
	}
	defer tracker.Close()

	all, err := memories.ListMemories(store.ListFilter{})
	if err != nil {
		return err
	}
	report, err := tracker.BuildHealthReport(all, cfg.Detector.StalenessThreshold)
	if err != nil {
		return err
	}

	return emit(report, func() {
		fmt.Printf("Memory health at %s (%d memories, tracking %v)\n",
			report.GeneratedAt.Format(time.RFC3339), report.TotalMemories, report.TrackingActive)
		printHealthSection("Never used", report.NeverUsed)
		printHealthSection("Stale", report.Stale)
		printHealthSection("Most used", report.TopUsed)
	})
}

func printHealthSection(title string, entries []usage.MemoryHealth) {
	fmt.Printf("%s (%d):\n", title, len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("  %-28s uses=%d", e.MemoryID, e.UseCount)
		if !e.LastUsed.IsZero() {
			line += "  last " + e.LastUsed.Format("2006-01-02")
		}
		fmt.Println(line)
	}
}

func runReindex(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	embedder, err := newEmbedder()
	if err != nil {
		return err
	}

	n, err := memories.ReindexAll(cmd.Context(), embedder)
	if err != nil {
		return err
	}
	logger.Info("reindex finished", zap.Int("memories", n), zap.String("embedder", embedder.Name()))

	return emit(map[string]interface{}{"reindexed": n, "embedder": embedder.Name()}, func() {
		fmt.Printf("Reindexed %d memories with %s\n", n, embedder.Name())
	})
}
