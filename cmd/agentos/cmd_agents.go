package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/registry"
)

var (
	agentsEnabledOnly bool
	matchSkills       []string
	matchTags         []string
	matchLimit        int
	toolsCheck        bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect agent, skill, and tool registries",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentsList,
}

var agentsShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show an agent definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsShow,
}

var agentsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search agents by id, name, description, and tags",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsSearch,
}

var agentsMatchCmd = &cobra.Command{
	Use:   "match [task description]",
	Short: "Rank agents for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAgentsMatch,
}

var agentsToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools, optionally probing availability",
	RunE:  runAgentsTools,
}

var agentsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Project registries into the knowledge graph",
	RunE:  runAgentsSync,
}

var agentsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Hot-reload registries on YAML changes until interrupted",
	RunE:  runAgentsWatch,
}

func init() {
	agentsListCmd.Flags().BoolVar(&agentsEnabledOnly, "enabled", false, "Only enabled agents")
	agentsMatchCmd.Flags().StringSliceVar(&matchSkills, "skills", nil, "Required skill ids")
	agentsMatchCmd.Flags().StringSliceVar(&matchTags, "tags", nil, "Required tags or categories")
	agentsMatchCmd.Flags().IntVar(&matchLimit, "limit", 5, "Maximum matches")
	agentsToolsCmd.Flags().BoolVar(&toolsCheck, "check", false, "Probe tool availability")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsShowCmd)
	agentsCmd.AddCommand(agentsSearchCmd)
	agentsCmd.AddCommand(agentsMatchCmd)
	agentsCmd.AddCommand(agentsToolsCmd)
	agentsCmd.AddCommand(agentsSyncCmd)
	agentsCmd.AddCommand(agentsWatchCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	agents := r.Agents.ListAll()
	if agentsEnabledOnly {
		agents = r.Agents.ListEnabled()
	}
	return emit(agents, func() {
		for _, a := range agents {
			state := "enabled"
			if !r.Agents.IsEnabled(a.ID) {
				state = "disabled"
			}
			fmt.Printf("%-24s %-20s %-10s %s\n", a.ID, a.Name, state, a.Category)
		}
		fmt.Printf("%d agents\n", len(agents))
	})
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	a, err := r.Agents.FindByID(args[0])
	if err != nil {
		return err
	}
	return emit(a, func() {
		fmt.Printf("%s (%s)\n", a.ID, a.Name)
		fmt.Printf("  %s\n", a.Description)
		fmt.Printf("  category: %s  tags: %s\n", a.Category, strings.Join(a.Tags, ", "))
		fmt.Printf("  skills: primary %s; secondary %s\n",
			strings.Join(a.Skills.Primary, ", "), strings.Join(a.Skills.Secondary, ", "))
		for _, w := range a.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	})
}

func runAgentsSearch(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	results := r.Agents.Search(args[0], false)
	return emit(results, func() {
		for _, res := range results {
			fmt.Printf("%4d  %-24s %s\n", res.Score, res.Item.ID, res.Item.Name)
		}
		fmt.Printf("%d results\n", len(results))
	})
}

func runAgentsMatch(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	matcher := registry.NewAgentMatcher(r.Agents)
	matches := matcher.Match(registry.MatchRequest{
		Description:    strings.Join(args, " "),
		RequiredSkills: matchSkills,
		Tags:           matchTags,
		Limit:          matchLimit,
	})
	return emit(matches, func() {
		for _, m := range matches {
			fmt.Printf("%.2f  %-24s %s\n", m.Score, m.AgentID, m.Rationale)
		}
		fmt.Printf("%d matches\n", len(matches))
	})
}

func runAgentsTools(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	tools := r.Tools.ListAll()
	if !toolsCheck {
		return emit(tools, func() {
			for _, t := range tools {
				fmt.Printf("%-24s %-10s %s\n", t.ID, t.Type, t.Name)
			}
			fmt.Printf("%d tools\n", len(tools))
		})
	}

	checker := registry.NewAvailabilityChecker(r.Tools)
	avail, err := checker.CheckAll(cmd.Context())
	if err != nil {
		return err
	}
	return emit(avail, func() {
		for _, t := range tools {
			a := avail[t.ID]
			if a == nil {
				continue
			}
			mark := "ok"
			if !a.Available {
				mark = "unavailable: " + a.Reason
			}
			fmt.Printf("%-24s %-10s %s\n", t.ID, t.Type, mark)
		}
	})
}

func runAgentsSync(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}
	g, err := openGraph("")
	if err != nil {
		return err
	}
	defer g.Close()

	if err := r.SyncToGraph(g); err != nil {
		return err
	}
	stats, err := g.GetStats()
	if err != nil {
		return err
	}
	return emit(stats, func() {
		fmt.Printf("Synced registries: %d nodes, %d edges in graph\n", stats.Nodes, stats.Edges)
	})
}

func runAgentsWatch(cmd *cobra.Command, args []string) error {
	r, err := openRegistries()
	if err != nil {
		return err
	}

	w, err := registry.NewWatcher(r)
	if err != nil {
		return err
	}
	defer w.Stop()

	logger.Info("watching registry directories", zap.Strings("dirs", r.Dirs()))
	fmt.Fprintln(os.Stderr, "Watching registry directories; Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}
	fmt.Printf("Stopped after %d reloads\n", w.Reloads())
	return nil
}
