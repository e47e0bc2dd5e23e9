package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentos/internal/config"
	"agentos/internal/logging"
	"agentos/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	jsonOut   bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentos",
	Short: "AgentOS - knowledge-graph memory substrate and agent runtime",
	Long: `AgentOS maintains a persistent memory corpus for coding agents: a
knowledge graph over memory files, hybrid vector+graph retrieval, conflict
detection with auditable resolution, and a reviewed write-back pipeline.

All state lives under <workspace>/.dmm/.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve working directory: %w", err)
			}
			workspace = wd
		}

		var err error
		cfg, err = config.Load(workspace)
		if err != nil {
			return err
		}
		if err := logging.Initialize(workspace); err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Machine-readable JSON output")

	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(statusCmd)
}

// emit writes v as indented JSON when --json is set, otherwise calls the
// human renderer.
func emit(v interface{}, human func()) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentos: %v\n", err)
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"kind":    types.ErrorKind(err),
					"message": err.Error(),
					"context": map[string]interface{}{"workspace": workspace},
				},
			})
		}
		os.Exit(types.ExitCode(err))
	}
}
