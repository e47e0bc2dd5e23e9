package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentos/internal/graph"
	"agentos/internal/types"
)

var (
	graphDBPath    string
	graphDepth     int
	graphMaxDepth  int
	graphEdgeTypes []string
	graphMinWeight float64
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and maintain the knowledge graph",
}

var graphStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node/edge counts and schema version",
	RunE:  runGraphStatus,
}

var graphMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the graph schema",
	RunE:  runGraphMigrate,
}

var graphShowCmd = &cobra.Command{
	Use:   "show [node-id]",
	Short: "Show a node with its incoming and outgoing edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphShow,
}

var graphRelatedCmd = &cobra.Command{
	Use:   "related [node-id]",
	Short: "Breadth-first expansion from a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphRelated,
}

var graphContradictionsCmd = &cobra.Command{
	Use:   "contradictions",
	Short: "List all CONTRADICTS edges",
	RunE:  runGraphContradictions,
}

var graphPathCmd = &cobra.Command{
	Use:   "path [from-id] [to-id]",
	Short: "Find a shortest path between two nodes",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraphPath,
}

var graphQueryCmd = &cobra.Command{
	Use:   "query [sql]",
	Short: "Run a read-only SQL query against the graph database",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphQuery,
}

var graphTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tag nodes",
	RunE:  runGraphTags,
}

func init() {
	graphCmd.PersistentFlags().StringVar(&graphDBPath, "path", "", "Graph database path (default: .dmm/index/knowledge.sqlite)")
	graphRelatedCmd.Flags().IntVar(&graphDepth, "depth", 2, "Maximum hop count")
	graphRelatedCmd.Flags().StringSliceVar(&graphEdgeTypes, "type", nil, "Edge types to follow (default: all)")
	graphRelatedCmd.Flags().Float64Var(&graphMinWeight, "min-weight", 0, "Minimum edge weight")
	graphPathCmd.Flags().StringSliceVar(&graphEdgeTypes, "type", nil, "Edge types to follow (default: all)")
	graphPathCmd.Flags().IntVar(&graphMaxDepth, "max-depth", 0, "Bound the search to this many hops (0 = unbounded)")

	graphCmd.AddCommand(graphStatusCmd)
	graphCmd.AddCommand(graphMigrateCmd)
	graphCmd.AddCommand(graphShowCmd)
	graphCmd.AddCommand(graphRelatedCmd)
	graphCmd.AddCommand(graphContradictionsCmd)
	graphCmd.AddCommand(graphPathCmd)
	graphCmd.AddCommand(graphQueryCmd)
	graphCmd.AddCommand(graphTagsCmd)
}

func parseEdgeTypes(names []string) []types.EdgeType {
	out := make([]types.EdgeType, 0, len(names))
	for _, n := range names {
		out = append(out, types.EdgeType(strings.ToUpper(n)))
	}
	return out
}

func runGraphStatus(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	stats, err := g.GetStats()
	if err != nil {
		return err
	}
	version, err := g.SchemaVersion()
	if err != nil {
		return err
	}

	return emit(struct {
		SchemaVersion int          `json:"schema_version"`
		Stats         *graph.Stats `json:"stats"`
	}{version, stats}, func() {
		fmt.Printf("Schema version: %d (current %d)\n", version, graph.CurrentSchemaVersion)
		fmt.Printf("Nodes: %d  Edges: %d\n", stats.Nodes, stats.Edges)
		for _, k := range sortedKeys(stats.NodesByType) {
			fmt.Printf("  node %-10s %d\n", k, stats.NodesByType[k])
		}
		for _, k := range sortedKeys(stats.EdgesByType) {
			fmt.Printf("  edge %-16s %d\n", k, stats.EdgesByType[k])
		}
	})
}

func runGraphMigrate(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	result, err := g.Migrate()
	if err != nil {
		return err
	}
	logger.Info("graph migration finished",
		zap.Int("from", result.FromVersion),
		zap.Int("to", result.ToVersion),
		zap.Int("applied", result.Applied))

	return emit(result, func() {
		if result.Applied == 0 {
			fmt.Printf("Schema already at v%d\n", result.FromVersion)
			return
		}
		fmt.Printf("Migrated v%d -> v%d (%d migrations, %s)\n",
			result.FromVersion, result.ToVersion, result.Applied, result.Duration)
	})
}

func runGraphShow(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	node, err := g.GetNode(args[0])
	if err != nil {
		return err
	}
	out, err := g.EdgesFrom(node.ID)
	if err != nil {
		return err
	}
	in, err := g.EdgesTo(node.ID)
	if err != nil {
		return err
	}

	return emit(struct {
		Node     *graph.Node  `json:"node"`
		Outgoing []types.Edge `json:"outgoing"`
		Incoming []types.Edge `json:"incoming"`
	}{node, out, in}, func() {
		fmt.Printf("%s (%s)\n", node.ID, node.Type)
		for k, v := range node.Properties {
			fmt.Printf("  %s: %v\n", k, v)
		}
		for _, e := range out {
			fmt.Printf("  -[%s %.2f]-> %s\n", e.Type, e.Weight, e.ToID)
		}
		for _, e := range in {
			fmt.Printf("  <-[%s %.2f]- %s\n", e.Type, e.Weight, e.FromID)
		}
	})
}

func runGraphRelated(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	related, err := g.GetRelatedMemories(args[0], graphDepth, parseEdgeTypes(graphEdgeTypes))
	if err != nil {
		return err
	}
	if graphMinWeight > 0 {
		filtered := related[:0]
		for _, r := range related {
			if r.Weight >= graphMinWeight {
				filtered = append(filtered, r)
			}
		}
		related = filtered
	}

	return emit(related, func() {
		for _, r := range related {
			fmt.Printf("%-40s hop=%d via %s from %s (%.2f)\n",
				r.NodeID, r.HopCount, r.EdgeType, r.SourceID, r.Weight)
		}
		fmt.Printf("%d related nodes\n", len(related))
	})
}

func runGraphContradictions(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	pairs, err := g.GetContradictionPairs()
	if err != nil {
		return err
	}
	return emit(pairs, func() {
		for _, p := range pairs {
			fmt.Printf("%s <-> %s (%.2f) %s\n", p.MemoryA, p.MemoryB, p.Weight, p.Description)
		}
		fmt.Printf("%d contradiction pairs\n", len(pairs))
	})
}

func runGraphPath(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	path, err := g.FindPath(args[0], args[1], graphMaxDepth, parseEdgeTypes(graphEdgeTypes))
	if err != nil {
		return err
	}
	return emit(path, func() {
		if len(path) == 0 {
			fmt.Println("No path found")
			return
		}
		fmt.Println(strings.Join(path, " -> "))
	})
}

func runGraphQuery(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	rows, err := g.ExecuteSQL(args[0])
	if err != nil {
		return err
	}
	return emit(rows, func() {
		for _, row := range rows {
			parts := make([]string, 0, len(row))
			for _, k := range sortedRowKeys(row) {
				parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
			}
			fmt.Println(strings.Join(parts, "  "))
		}
		fmt.Printf("%d rows\n", len(rows))
	})
}

func runGraphTags(cmd *cobra.Command, args []string) error {
	g, err := openGraph(graphDBPath)
	if err != nil {
		return err
	}
	defer g.Close()

	nodes, err := g.ListNodes(types.NodeTag)
	if err != nil {
		return err
	}
	return emit(nodes, func() {
		for _, n := range nodes {
			fmt.Println(n.ID)
		}
		fmt.Printf("%d tags\n", len(nodes))
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRowKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
