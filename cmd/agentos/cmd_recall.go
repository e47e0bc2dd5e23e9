package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentos/internal/retrieval"
	"agentos/internal/types"
)

var (
	recallLimit     int
	recallScopes    []string
	recallBudget    int
	recallFormat    string
	recallSession   string
	recallEphemeral bool
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Retrieve and assemble context for a query",
	Long: `Runs the hybrid retrieval pipeline (baseline injection, vector
search, graph expansion) and assembles the ranked results into a context
pack within the token budget.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().IntVar(&recallLimit, "limit", 0, "Maximum retrieved memories (default from config)")
	recallCmd.Flags().StringSliceVar(&recallScopes, "scope", nil, "Restrict to scopes")
	recallCmd.Flags().IntVar(&recallBudget, "max-tokens", 0, "Token budget (default from config)")
	recallCmd.Flags().StringVar(&recallFormat, "format", string(types.FormatMarkdown), "Output format (markdown, text, json)")
	recallCmd.Flags().StringVar(&recallSession, "session", "", "Session id for usage attribution")
	recallCmd.Flags().BoolVar(&recallEphemeral, "ephemeral", false, "Include ephemeral memories")
}

func runRecall(cmd *cobra.Command, args []string) error {
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
	tracker, err := openUsage()
	if err != nil {
		return err
	}
	defer tracker.Close()
	embedder, err := newEmbedder()
	if err != nil {
		return err
	}

	scopes := make([]types.Scope, 0, len(recallScopes))
	for _, s := range recallScopes {
		scopes = append(scopes, types.Scope(s))
	}

	retriever := retrieval.NewHybridRetriever(memories, g, embedder, tracker, cfg.Retrieval)
	result, err := retriever.Retrieve(cmd.Context(), strings.Join(args, " "), retrieval.Options{
		Limit:            recallLimit,
		Scopes:           scopes,
		MaxTokens:        recallBudget,
		IncludeEphemeral: recallEphemeral,
		SessionID:        recallSession,
	})
	if err != nil {
		return err
	}

	budget := recallBudget
	if budget <= 0 {
		budget = cfg.Retrieval.DefaultTokenBudget
	}
	assembler := retrieval.NewContextAssembler(g, cfg.Retrieval)
	pack, err := assembler.Assemble(result, types.ContextFormat(recallFormat), budget)
	if err != nil {
		return err
	}

	return emit(pack, func() {
		for _, w := range pack.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		fmt.Println(pack.Content)
		fmt.Fprintf(os.Stderr, "%d baseline + %d retrieved, ~%d tokens\n",
			pack.BaselineCount, pack.RetrievedCount, pack.EstimatedTokens)
	})
}
