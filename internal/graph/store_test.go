package graph

import (
	"testing"

	"agentos/internal/types"
)

func newTestGraph(t *testing.T) *GraphStore {
	t.Helper()
	g, err := NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create graph store: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func addMemoryNodes(t *testing.T, g *GraphStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := g.UpsertNode(Node{ID: id, Type: types.NodeMemory}); err != nil {
			t.Fatalf("UpsertNode(%s) failed: %v", id, err)
		}
	}
}

func TestUpsertNodeReplacesProperties(t *testing.T) {
	g := newTestGraph(t)

	if err := g.UpsertNode(Node{
		ID:         "m1",
		Type:       types.NodeMemory,
		Properties: map[string]interface{}{"title": "first", "old": true},
	}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}
	if err := g.UpsertNode(Node{
		ID:         "m1",
		Type:       types.NodeMemory,
		Properties: map[string]interface{}{"title": "second"},
	}); err != nil {
		t.Fatalf("UpsertNode replace failed: %v", err)
	}

	n, err := g.GetNode("m1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Properties["title"] != "second" {
		t.Errorf("Expected title replaced, got %v", n.Properties["title"])
	}
	if _, stale := n.Properties["old"]; stale {
		t.Error("Expected old property gone after replace")
	}
}

func TestCreateEdgeValidation(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2")
	if err := g.UpsertNode(Node{ID: "tag:go", Type: types.NodeTag}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}

	// Self-loop.
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m1", Type: types.EdgeRelatesTo, Weight: 0.5}); !types.IsValidation(err) {
		t.Errorf("Expected validation error for self-loop, got %v", err)
	}

	// Weight out of range.
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 1.5}); !types.IsValidation(err) {
		t.Errorf("Expected validation error for weight > 1, got %v", err)
	}

	// Endpoint type mismatch: HAS_TAG requires Memory->Tag.
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeHasTag, Weight: 1}); !types.IsValidation(err) {
		t.Errorf("Expected validation error for endpoint mismatch, got %v", err)
	}

	// Missing endpoint.
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "ghost", Type: types.EdgeRelatesTo, Weight: 0.5}); !types.IsNotFound(err) {
		t.Errorf("Expected not-found for missing endpoint, got %v", err)
	}

	// Valid edges.
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.5}); err != nil {
		t.Errorf("Expected valid memory edge, got %v", err)
	}
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "tag:go", Type: types.EdgeHasTag, Weight: 1}); err != nil {
		t.Errorf("Expected valid HAS_TAG edge, got %v", err)
	}
}

func TestCreateEdgeUpsertsOnDuplicate(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2")

	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.4}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.9}); err != nil {
		t.Fatalf("CreateEdge upsert failed: %v", err)
	}

	edges, err := g.EdgesFrom("m1", types.EdgeRelatesTo)
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("Expected 1 edge after upsert, got %d", len(edges))
	}
	if edges[0].Weight != 0.9 {
		t.Errorf("Expected updated weight 0.9, got %v", edges[0].Weight)
	}
}

func TestSupersedesCycleRejected(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3")

	must := func(e types.Edge) {
		t.Helper()
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}
	must(types.Edge{FromID: "m3", ToID: "m2", Type: types.EdgeSupersedes, Weight: 1})
	must(types.Edge{FromID: "m2", ToID: "m1", Type: types.EdgeSupersedes, Weight: 1})

	// m1 -> m3 would close the cycle m3 -> m2 -> m1 -> m3.
	err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m3", Type: types.EdgeSupersedes, Weight: 1})
	if !types.IsValidation(err) {
		t.Errorf("Expected cycle rejection, got %v", err)
	}
}

func TestGetSupersessionChain(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3")

	for _, e := range []types.Edge{
		{FromID: "m3", ToID: "m2", Type: types.EdgeSupersedes, Weight: 1},
		{FromID: "m2", ToID: "m1", Type: types.EdgeSupersedes, Weight: 1},
	} {
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	chain, err := g.GetSupersessionChain("m3")
	if err != nil {
		t.Fatalf("GetSupersessionChain failed: %v", err)
	}
	if len(chain) != 2 || chain[0] != "m2" || chain[1] != "m1" {
		t.Errorf("Expected chain [m2 m1], got %v", chain)
	}

	by, err := g.GetSupersededBy("m1")
	if err != nil {
		t.Fatalf("GetSupersededBy failed: %v", err)
	}
	if len(by) != 1 || by[0] != "m2" {
		t.Errorf("Expected m1 superseded by [m2], got %v", by)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3")

	for _, e := range []types.Edge{
		{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.5},
		{FromID: "m3", ToID: "m2", Type: types.EdgeSupports, Weight: 0.7},
	} {
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	if err := g.DeleteNode("m2"); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}

	if _, err := g.GetNode("m2"); !types.IsNotFound(err) {
		t.Errorf("Expected node gone, got %v", err)
	}
	edges, err := g.EdgesFrom("m1")
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("Expected edges cascaded away, got %v", edges)
	}
}

func TestGetRelatedMemoriesDepthAndDedup(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3", "m4")

	for _, e := range []types.Edge{
		{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.9},
		{FromID: "m2", ToID: "m3", Type: types.EdgeSupports, Weight: 0.8},
		{FromID: "m1", ToID: "m3", Type: types.EdgeRelatesTo, Weight: 0.3}, // direct shortcut
		{FromID: "m3", ToID: "m4", Type: types.EdgeRelatesTo, Weight: 0.5},
	} {
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	related, err := g.GetRelatedMemories("m1", 2,
		[]types.EdgeType{types.EdgeRelatesTo, types.EdgeSupports})
	if err != nil {
		t.Fatalf("GetRelatedMemories failed: %v", err)
	}

	hops := make(map[string]int)
	for _, r := range related {
		if prev, dup := hops[r.NodeID]; dup {
			t.Errorf("Node %s reported twice (hops %d and %d)", r.NodeID, prev, r.HopCount)
		}
		hops[r.NodeID] = r.HopCount
	}
	if hops["m2"] != 1 {
		t.Errorf("Expected m2 at hop 1, got %d", hops["m2"])
	}
	// m3 is reachable at hop 1 directly; BFS must report the shortest hop.
	if hops["m3"] != 1 {
		t.Errorf("Expected m3 at hop 1 via direct edge, got %d", hops["m3"])
	}
	if hops["m4"] != 2 {
		t.Errorf("Expected m4 at hop 2, got %d", hops["m4"])
	}

	// Depth 0 returns nothing.
	none, err := g.GetRelatedMemories("m1", 0, nil)
	if err != nil {
		t.Fatalf("GetRelatedMemories failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no expansion at depth 0, got %v", none)
	}
}

func TestFindPath(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3", "m4", "m5")

	for _, e := range []types.Edge{
		{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.5},
		{FromID: "m2", ToID: "m3", Type: types.EdgeRelatesTo, Weight: 0.5},
		{FromID: "m3", ToID: "m4", Type: types.EdgeRelatesTo, Weight: 0.5},
		{FromID: "m1", ToID: "m4", Type: types.EdgeSupports, Weight: 0.5}, // shortcut
	} {
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	path, err := g.FindPath("m1", "m4", 0, nil)
	if err != nil {
		t.Fatalf("FindPath failed: %v", err)
	}
	if len(path) != 2 || path[0] != "m1" || path[1] != "m4" {
		t.Errorf("Expected shortest path [m1 m4], got %v", path)
	}

	// Restricted to RELATES_TO the shortcut disappears.
	path, err = g.FindPath("m1", "m4", 0, []types.EdgeType{types.EdgeRelatesTo})
	if err != nil {
		t.Fatalf("FindPath failed: %v", err)
	}
	want := []string{"m1", "m2", "m3", "m4"}
	if len(path) != len(want) {
		t.Fatalf("Expected path %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("Expected path %v, got %v", want, path)
		}
	}

	// The RELATES_TO route needs three hops; a two-hop bound cuts it off.
	if _, err := g.FindPath("m1", "m4", 2, []types.EdgeType{types.EdgeRelatesTo}); !types.IsNotFound(err) {
		t.Errorf("Expected not-found with depth bound 2, got %v", err)
	}
	path, err = g.FindPath("m1", "m4", 3, []types.EdgeType{types.EdgeRelatesTo})
	if err != nil || len(path) != 4 {
		t.Errorf("Expected full path within depth bound 3, got %v err=%v", path, err)
	}

	if _, err := g.FindPath("m1", "m5", 0, nil); !types.IsNotFound(err) {
		t.Errorf("Expected not-found for unreachable node, got %v", err)
	}

	same, err := g.FindPath("m1", "m1", 0, nil)
	if err != nil || len(same) != 1 {
		t.Errorf("Expected single-node path for identical endpoints, got %v err=%v", same, err)
	}
}

func TestGetContradictionPairs(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2", "m3")

	for _, e := range []types.Edge{
		{FromID: "m2", ToID: "m1", Type: types.EdgeContradicts, Weight: 0.9,
			Properties: map[string]interface{}{"description": "opposite retry advice"}},
		{FromID: "m3", ToID: "m2", Type: types.EdgeContradicts, Weight: 0.6},
	} {
		if err := g.CreateEdge(e); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	pairs, err := g.GetContradictionPairs()
	if err != nil {
		t.Fatalf("GetContradictionPairs failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("Expected 2 contradiction pairs, got %d", len(pairs))
	}
	if pairs[0].Description != "opposite retry advice" {
		t.Errorf("Expected description preserved, got %q", pairs[0].Description)
	}
}

func TestExecuteSQLRejectsWrites(t *testing.T) {
	g := newTestGraph(t)
	if _, err := g.ExecuteSQL("DELETE FROM nodes"); !types.IsValidation(err) {
		t.Errorf("Expected validation error for mutating query, got %v", err)
	}
	if _, err := g.ExecuteSQL("SELECT COUNT(*) AS n FROM nodes"); err != nil {
		t.Errorf("Expected SELECT allowed, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	g := newTestGraph(t)
	addMemoryNodes(t, g, "m1", "m2")
	if err := g.UpsertNode(Node{ID: "tag:go", Type: types.NodeTag}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}
	if err := g.CreateEdge(types.Edge{FromID: "m1", ToID: "m2", Type: types.EdgeRelatesTo, Weight: 0.5}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	stats, err := g.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Nodes != 3 || stats.Edges != 1 {
		t.Errorf("Expected 3 nodes / 1 edge, got %d / %d", stats.Nodes, stats.Edges)
	}
	if stats.NodesByType["Memory"] != 2 || stats.NodesByType["Tag"] != 1 {
		t.Errorf("Unexpected node type counts: %v", stats.NodesByType)
	}
}
