package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/conflict"
	"agentos/internal/types"
)

var (
	conflictStatus  string
	conflictType    string
	conflictLimit   int
	conflictMemory  string
	conflictMethods []string
	resolveAction   string
	resolveTarget   string
	resolveContent  string
	resolveReason   string
	checkContent    string
	checkPath       string
	checkTags       []string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Detect and resolve conflicts between memories",
}

var conflictsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a conflict detection scan over the corpus",
	RunE:  runConflictsScan,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List detected conflicts",
	RunE:  runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show [conflict-id]",
	Short: "Show a conflict with its resolution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsShow,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Apply a resolution action to a conflict",
	Long: `Closes a conflict with one of the fixed actions:
  deprecate  mark the target memory deprecated
  merge      create a merged memory superseding both sides
  clarify    record a CONTRADICTS edge with scope clarification
  dismiss    close as a false positive
  defer      suppress for the configured TTL`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss [conflict-id]",
	Short: "Dismiss a conflict as a false positive",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsDismiss,
}

var conflictsFlagCmd = &cobra.Command{
	Use:   "flag [memory-1] [memory-2]",
	Short: "Manually flag a conflict between two memories",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsFlag,
}

var conflictsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Screen proposed content against the corpus without writing",
	RunE:  runConflictsCheck,
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show conflict counts by status and type",
	RunE:  runConflictsStats,
}

var conflictsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent detector scans",
	RunE:  runConflictsHistory,
}

func init() {
	conflictsScanCmd.Flags().StringVar(&conflictMemory, "memory", "", "Incremental scan scoped to one memory")
	conflictsScanCmd.Flags().StringSliceVar(&conflictMethods, "methods", nil, "Restrict analyzers (tag_overlap, semantic, supersession, staleness)")
	conflictsListCmd.Flags().StringVar(&conflictStatus, "status", "", "Filter by status (unresolved, in_progress, resolved, dismissed)")
	conflictsListCmd.Flags().StringVar(&conflictType, "type", "", "Filter by type (contradictory, duplicate, supersession, scope_overlap, stale)")
	conflictsListCmd.Flags().IntVar(&conflictLimit, "limit", 0, "Maximum results")
	conflictsResolveCmd.Flags().StringVar(&resolveAction, "action", "", "Resolution action (required)")
	conflictsResolveCmd.Flags().StringVar(&resolveTarget, "target", "", "Target memory id (deprecate)")
	conflictsResolveCmd.Flags().StringVar(&resolveContent, "content", "", "Merged content (merge)")
	conflictsResolveCmd.Flags().StringVar(&resolveReason, "reason", "", "Resolution reason")
	conflictsResolveCmd.MarkFlagRequired("action")
	conflictsDismissCmd.Flags().StringVar(&resolveReason, "reason", "", "Dismissal reason")
	conflictsFlagCmd.Flags().StringVar(&conflictType, "type", string(types.ConflictContradictory), "Conflict type")
	conflictsFlagCmd.Flags().StringVar(&resolveReason, "reason", "", "Why these memories conflict")
	conflictsCheckCmd.Flags().StringVar(&checkContent, "content", "", "Proposed content (required)")
	conflictsCheckCmd.Flags().StringVar(&checkPath, "path", "", "Proposed target path")
	conflictsCheckCmd.Flags().StringSliceVar(&checkTags, "tags", nil, "Proposed tags")
	conflictsCheckCmd.MarkFlagRequired("content")
	conflictsHistoryCmd.Flags().IntVar(&conflictLimit, "limit", 20, "Maximum scans")

	conflictsCmd.AddCommand(conflictsScanCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsDismissCmd)
	conflictsCmd.AddCommand(conflictsFlagCmd)
	conflictsCmd.AddCommand(conflictsCheckCmd)
	conflictsCmd.AddCommand(conflictsStatsCmd)
	conflictsCmd.AddCommand(conflictsHistoryCmd)
}

func runConflictsScan(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()
	tracker, err := openUsage()
	if err != nil {
		return err
	}
	defer tracker.Close()

	detector := newDetector(memories, conflicts, tracker, conflictMethods...)

	var rec *types.ScanRecord
	if conflictMemory != "" {
		rec, err = detector.IncrementalScan(cmd.Context(), conflictMemory)
	} else {
		rec, err = detector.FullScan(cmd.Context())
	}
	if err != nil {
		return err
	}
	logger.Info("conflict scan finished",
		zap.String("scan_id", rec.ID),
		zap.Int("new_conflicts", rec.NewConflicts))

	return emit(rec, func() {
		fmt.Printf("Scan %s (%s): %d memories, %d candidates, %d new, %d updated in %dms\n",
			rec.ID, rec.Mode, rec.MemoriesScanned, rec.CandidateCount,
			rec.NewConflicts, rec.ExistingUpdated, rec.DurationMs)
	})
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	list, err := conflicts.ListConflicts(conflict.ListFilter{
		Status: types.ConflictStatus(conflictStatus),
		Type:   types.ConflictType(conflictType),
		Limit:  conflictLimit,
	})
	if err != nil {
		return err
	}
	return emit(list, func() {
		for _, c := range list {
			fmt.Printf("%-14s %-13s %-10s %.2f  %s | %s\n",
				c.ID, c.Type, c.Status, c.Confidence, c.Memory1, c.Memory2)
		}
		fmt.Printf("%d conflicts\n", len(list))
	})
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	c, err := conflicts.GetConflict(args[0])
	if err != nil {
		return err
	}
	log, err := conflicts.GetResolutionLog(c.ID)
	if err != nil {
		return err
	}

	return emit(struct {
		Conflict *types.Conflict           `json:"conflict"`
		Log      []*types.ResolutionRecord `json:"resolution_log"`
	}{c, log}, func() {
		fmt.Printf("%s  %s/%s  confidence %.2f  status %s\n",
			c.ID, c.Type, c.Method, c.Confidence, c.Status)
		fmt.Printf("  %s | %s\n", c.Memory1, c.Memory2)
		if c.Description != "" {
			fmt.Printf("  %s\n", c.Description)
		}
		for _, ev := range c.Evidence {
			fmt.Printf("  evidence: %s\n", ev)
		}
		for _, r := range log {
			fmt.Printf("  %s %s by %s: %s\n",
				r.Timestamp.Format(time.RFC3339), r.Action, r.Actor, r.Reason)
		}
	})
}

func resolveConflict(cmd *cobra.Command, req types.ResolutionRequest) error {
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()
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

	resolver := conflict.NewResolver(conflicts, memories, g, cfg.Detector.DeferTTL)
	rec, err := resolver.Resolve(req)
	if err != nil {
		return err
	}
	return emit(rec, func() {
		fmt.Printf("Conflict %s: %s\n", req.ConflictID, rec.Action)
		if len(rec.MemoriesDeprecated) > 0 {
			fmt.Printf("  deprecated: %s\n", strings.Join(rec.MemoriesDeprecated, ", "))
		}
		if len(rec.MemoriesCreated) > 0 {
			fmt.Printf("  created: %s\n", strings.Join(rec.MemoriesCreated, ", "))
		}
		if len(rec.MemoriesModified) > 0 {
			fmt.Printf("  modified: %s\n", strings.Join(rec.MemoriesModified, ", "))
		}
	})
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	return resolveConflict(cmd, types.ResolutionRequest{
		ConflictID:     args[0],
		Action:         types.ResolutionAction(resolveAction),
		TargetMemoryID: resolveTarget,
		MergedContent:  resolveContent,
		Reason:         resolveReason,
		ResolvedBy:     "cli",
	})
}

func runConflictsDismiss(cmd *cobra.Command, args []string) error {
	return resolveConflict(cmd, types.ResolutionRequest{
		ConflictID: args[0],
		Action:     types.ResolveDismiss,
		Reason:     resolveReason,
		ResolvedBy: "cli",
	})
}

func runConflictsFlag(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	// Both sides must exist before a manual conflict is recorded.
	for _, id := range args {
		if _, err := memories.GetMemory(id); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	c := &types.Conflict{
		ID:          "conf_" + uuid.NewString()[:8],
		Type:        types.ConflictType(conflictType),
		Method:      types.MethodManual,
		Confidence:  1.0,
		Description: resolveReason,
		Status:      types.ConflictUnresolved,
		Memory1:     args[0],
		Memory2:     args[1],
		PairHash:    types.PairHash(args[0], args[1]),
		Created:     now,
		Updated:     now,
	}
	if err := conflicts.CreateConflict(c); err != nil {
		return err
	}
	return emit(c, func() {
		fmt.Printf("Flagged %s: %s | %s (%s)\n", c.ID, c.Memory1, c.Memory2, c.Type)
	})
}

func runConflictsCheck(cmd *cobra.Command, args []string) error {
	memories, err := openMemories()
	if err != nil {
		return err
	}
	defer memories.Close()
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	detector := newDetector(memories, conflicts, nil)
	cands, err := detector.CheckProposal(cmd.Context(), checkContent, checkPath, checkTags, nil)
	if err != nil {
		return err
	}
	return emit(cands, func() {
		for _, c := range cands {
			fmt.Printf("%s vs %s via %s (%.2f)\n", c.Memory1, c.Memory2, c.Method, c.RawScore)
		}
		fmt.Printf("%d candidates\n", len(cands))
	})
}

func runConflictsStats(cmd *cobra.Command, args []string) error {
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	stats, err := conflicts.GetStats()
	if err != nil {
		return err
	}
	return emit(stats, func() {
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-24s %d\n", k, stats[k])
		}
	})
}

func runConflictsHistory(cmd *cobra.Command, args []string) error {
	conflicts, err := openConflicts()
	if err != nil {
		return err
	}
	defer conflicts.Close()

	scans, err := conflicts.ListScans(conflictLimit)
	if err != nil {
		return err
	}
	return emit(scans, func() {
		for _, s := range scans {
			fmt.Printf("%s %-11s %s  scanned=%d new=%d updated=%d %dms\n",
				s.ID, s.Mode, s.Started.Format(time.RFC3339),
				s.MemoriesScanned, s.NewConflicts, s.ExistingUpdated, s.DurationMs)
		}
	})
}
