package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/retrieval"
	"agentos/internal/types"
	"agentos/internal/writeback"
)

var (
	proposalType    string
	proposalPath    string
	proposalContent string
	proposalReason  string
	proposalScope   string
	proposalTags    []string
	proposalBy      string
	proposalStatus  string
	proposalNotes   string
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Manage the write-back review queue",
}

var proposalsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a memory mutation for review",
	RunE:  runProposalsSubmit,
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	RunE:  runProposalsList,
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show [proposal-id]",
	Short: "Show a proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsShow,
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve [proposal-id]",
	Short: "Approve a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsApprove,
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject [proposal-id]",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsReject,
}

var proposalsDeferCmd = &cobra.Command{
	Use:   "defer [proposal-id]",
	Short: "Defer a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsDefer,
}

var proposalsCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Apply all approved proposals to the memory corpus",
	RunE:  runProposalsCommit,
}

var proposalsHistoryCmd = &cobra.Command{
	Use:   "history [proposal-id]",
	Short: "Show a proposal's status history",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsHistory,
}

var proposalsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	RunE:  runProposalsStats,
}

func init() {
	proposalsSubmitCmd.Flags().StringVar(&proposalType, "type", string(types.ProposalCreate), "Proposal type (create, update, deprecate, promote)")
	proposalsSubmitCmd.Flags().StringVar(&proposalPath, "target", "", "Target memory path (required)")
	proposalsSubmitCmd.Flags().StringVar(&proposalContent, "content", "", "Memory content")
	proposalsSubmitCmd.Flags().StringVar(&proposalReason, "reason", "", "Why this mutation is needed (required)")
	proposalsSubmitCmd.Flags().StringVar(&proposalScope, "scope", string(types.ScopeProject), "Memory scope")
	proposalsSubmitCmd.Flags().StringSliceVar(&proposalTags, "tags", nil, "Memory tags")
	proposalsSubmitCmd.Flags().StringVar(&proposalBy, "proposed-by", "cli", "Proposer identity")
	proposalsSubmitCmd.MarkFlagRequired("target")
	proposalsSubmitCmd.MarkFlagRequired("reason")
	proposalsListCmd.Flags().StringVar(&proposalStatus, "status", "", "Filter by status")
	proposalsApproveCmd.Flags().StringVar(&proposalNotes, "notes", "", "Review notes")
	proposalsRejectCmd.Flags().StringVar(&proposalNotes, "notes", "", "Review notes")
	proposalsDeferCmd.Flags().StringVar(&proposalNotes, "notes", "", "Review notes")

	proposalsCmd.AddCommand(proposalsSubmitCmd)
	proposalsCmd.AddCommand(proposalsListCmd)
	proposalsCmd.AddCommand(proposalsShowCmd)
	proposalsCmd.AddCommand(proposalsApproveCmd)
	proposalsCmd.AddCommand(proposalsRejectCmd)
	proposalsCmd.AddCommand(proposalsDeferCmd)
	proposalsCmd.AddCommand(proposalsCommitCmd)
	proposalsCmd.AddCommand(proposalsHistoryCmd)
	proposalsCmd.AddCommand(proposalsStatsCmd)
}

func runProposalsSubmit(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
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

	reviewer := writeback.NewReviewer(queue, newDetector(memories, conflicts, nil),
		cfg.Detector.AutoReviewConfidence)

	p := &types.WriteProposal{
		ID:         writeback.NewProposalID(),
		Type:       types.ProposalType(proposalType),
		TargetPath: proposalPath,
		Reason:     proposalReason,
		Content:    proposalContent,
		Scope:      types.Scope(proposalScope),
		Tags:       proposalTags,
		ProposedBy: proposalBy,
	}
	if err := reviewer.Submit(cmd.Context(), p); err != nil {
		return err
	}
	return emit(p, func() {
		fmt.Printf("Submitted %s (%s) for %s: %s\n", p.ID, p.Type, p.TargetPath, p.Status)
		if p.ReviewNotes != "" {
			fmt.Printf("  notes: %s\n", p.ReviewNotes)
		}
	})
}

func runProposalsList(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	var list []*types.WriteProposal
	if proposalStatus != "" {
		list, err = queue.GetByStatus(types.ProposalStatus(proposalStatus))
	} else {
		list, err = queue.GetPending()
	}
	if err != nil {
		return err
	}
	return emit(list, func() {
		for _, p := range list {
			fmt.Printf("%-14s %-9s %-10s %s (%s)\n", p.ID, p.Type, p.Status, p.TargetPath, p.ProposedBy)
		}
		fmt.Printf("%d proposals\n", len(list))
	})
}

func runProposalsShow(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	p, err := queue.Get(args[0])
	if err != nil {
		return err
	}
	return emit(p, func() {
		fmt.Printf("%s  %s  %s\n", p.ID, p.Type, p.Status)
		fmt.Printf("  target: %s (scope %s)\n", p.TargetPath, p.Scope)
		fmt.Printf("  reason: %s\n", p.Reason)
		if p.ReviewNotes != "" {
			fmt.Printf("  notes:  %s\n", p.ReviewNotes)
		}
		if p.CommitError != "" {
			fmt.Printf("  commit error: %s (retries %d)\n", p.CommitError, p.RetryCount)
		}
	})
}

func runProposalsApprove(cmd *cobra.Command, args []string) error {
	return updateProposalStatus(args[0], "approve")
}

func runProposalsReject(cmd *cobra.Command, args []string) error {
	return updateProposalStatus(args[0], "reject")
}

func runProposalsDefer(cmd *cobra.Command, args []string) error {
	return updateProposalStatus(args[0], "defer")
}

func updateProposalStatus(id, action string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	reviewer := writeback.NewReviewer(queue, nil, cfg.Detector.AutoReviewConfidence)
	switch action {
	case "approve":
		err = reviewer.Approve(id, proposalNotes)
	case "reject":
		err = reviewer.Reject(id, proposalNotes)
	case "defer":
		err = reviewer.Defer(id, proposalNotes)
	}
	if err != nil {
		return err
	}
	p, err := queue.Get(id)
	if err != nil {
		return err
	}
	return emit(p, func() {
		fmt.Printf("Proposal %s: %s\n", p.ID, p.Status)
	})
}

func runProposalsCommit(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
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
	g, err := openGraph("")
	if err != nil {
		return err
	}
	defer g.Close()
	fs, err := memoryFS()
	if err != nil {
		return err
	}
	embedder, err := newEmbedder()
	if err != nil {
		return err
	}

	detector := newDetector(memories, conflicts, nil)
	extractor := retrieval.NewOrchestrator(g, nil, cfg.Extractor)
	committer := writeback.NewCommitter(queue, fs, memories, embedder, detector, extractor, cfg.Writeback)

	stats, err := committer.ProcessApproved(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("commit pass finished",
		zap.Int("committed", stats.Committed),
		zap.Int("failed", stats.Failed))

	return emit(stats, func() {
		fmt.Printf("Committed %d, failed %d, retried %d\n", stats.Committed, stats.Failed, stats.Retried)
	})
}

func runProposalsHistory(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	log, err := queue.GetHistory(args[0])
	if err != nil {
		return err
	}
	return emit(log, func() {
		for _, e := range log {
			fmt.Printf("%s  %s -> %s  %s\n",
				e.Timestamp.Format(time.RFC3339), e.FromStatus, e.ToStatus, e.Notes)
		}
	})
}

func runProposalsStats(cmd *cobra.Command, args []string) error {
	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	stats, err := queue.GetStats()
	if err != nil {
		return err
	}
	return emit(stats, func() {
		for status, n := range stats.ByStatus {
			fmt.Printf("%-12s %d\n", status, n)
		}
		fmt.Printf("total        %d\n", stats.Total)
	})
}
