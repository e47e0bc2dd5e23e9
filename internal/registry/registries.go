package registry

import (
	"fmt"
	"path/filepath"

	"agentos/internal/graph"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// GraphWriter is the slice of the GraphStore the sync writes to.
type GraphWriter interface {
	UpsertNode(n graph.Node) error
	CreateEdge(e types.Edge) error
}

// Registries bundles the three definition registries rooted at one
// directory: <root>/agents, <root>/skills, <root>/tools.
type Registries struct {
	Agents *Registry[*types.AgentDefinition]
	Skills *Registry[*types.SkillDefinition]
	Tools  *Registry[*types.ToolDefinition]
	root   string
}

// Open builds the registries for a root directory without loading anything.
func Open(root string) *Registries {
	return &Registries{
		Agents: NewAgentRegistry(filepath.Join(root, "agents")),
		Skills: NewSkillRegistry(filepath.Join(root, "skills")),
		Tools:  NewToolRegistry(filepath.Join(root, "tools")),
		root:   root,
	}
}

// Dirs returns the three registry directories, for watchers.
func (r *Registries) Dirs() []string {
	return []string{
		filepath.Join(r.root, "agents"),
		filepath.Join(r.root, "skills"),
		filepath.Join(r.root, "tools"),
	}
}

// LoadAll loads every registry, then cross-validates agent references.
// Skills come before agents so validation sees the full skill set.
func (r *Registries) LoadAll() error {
	if _, err := r.Skills.LoadAll(); err != nil {
		return err
	}
	if _, err := r.Tools.LoadAll(); err != nil {
		return err
	}
	if _, err := r.Agents.LoadAll(); err != nil {
		return err
	}
	r.validateReferences()
	return nil
}

// Reload is LoadAll under another name, for watcher wiring.
func (r *Registries) Reload() error {
	return r.LoadAll()
}

// validateReferences flags agents referencing unknown skills or tools. The
// agent stays loadable; the finding lands in its Warnings.
func (r *Registries) validateReferences() {
	for _, agent := range r.Agents.ListAll() {
		for _, group := range [][]string{agent.Skills.Primary, agent.Skills.Secondary} {
			for _, skillID := range group {
				if _, err := r.Skills.FindByID(skillID); err != nil {
					agent.Warnings = append(agent.Warnings,
						fmt.Sprintf("references unknown skill %s", skillID))
				}
			}
		}
		for _, toolID := range agent.Tools.Enabled {
			if _, err := r.Tools.FindByID(toolID); err != nil {
				agent.Warnings = append(agent.Warnings,
					fmt.Sprintf("references unknown tool %s", toolID))
			}
		}
		if len(agent.Warnings) > 0 {
			logging.Registry("Agent %s loaded with %d warnings", agent.ID, len(agent.Warnings))
		}
	}
}

// =============================================================================
// GRAPH SYNC
// =============================================================================

// scopeNodeID names the Scope node for a memory scope.
func scopeNodeID(s types.Scope) string {
	return "scope:" + string(s)
}

// SyncToGraph upserts every loaded definition as a graph node and recreates
// the typed edges between them. Upserts and edge creation are idempotent, so
// repeated syncs converge. Edges pointing at definitions that are not loaded
// are skipped.
func (r *Registries) SyncToGraph(g GraphWriter) error {
	skills := r.Skills.ListAll()
	tools := r.Tools.ListAll()
	agents := r.Agents.ListAll()

	skillKnown := make(map[string]bool, len(skills))
	for _, s := range skills {
		if err := g.UpsertNode(graph.Node{
			ID:   s.ID,
			Type: types.NodeSkill,
			Properties: map[string]interface{}{
				"name":     s.Name,
				"category": s.Category,
			},
		}); err != nil {
			return err
		}
		skillKnown[s.ID] = true
	}

	toolKnown := make(map[string]bool, len(tools))
	for _, t := range tools {
		if err := g.UpsertNode(graph.Node{
			ID:   t.ID,
			Type: types.NodeTool,
			Properties: map[string]interface{}{
				"name": t.Name,
				"type": string(t.Type),
			},
		}); err != nil {
			return err
		}
		toolKnown[t.ID] = true
	}

	scopeKnown := make(map[string]bool)
	ensureScope := func(s types.Scope) error {
		id := scopeNodeID(s)
		if scopeKnown[id] {
			return nil
		}
		if err := g.UpsertNode(graph.Node{ID: id, Type: types.NodeScope}); err != nil {
			return err
		}
		scopeKnown[id] = true
		return nil
	}

	edges := 0
	for _, a := range agents {
		if err := g.UpsertNode(graph.Node{
			ID:   a.ID,
			Type: types.NodeAgent,
			Properties: map[string]interface{}{
				"name":     a.Name,
				"category": a.Category,
			},
		}); err != nil {
			return err
		}

		for _, skillID := range a.Skills.Primary {
			if !skillKnown[skillID] {
				continue
			}
			if err := g.CreateEdge(types.Edge{
				FromID: a.ID, ToID: skillID, Type: types.EdgeHasSkill, Weight: 1.0,
				Properties: map[string]interface{}{"role": "primary"},
			}); err != nil {
				return err
			}
			edges++
		}
		for _, skillID := range a.Skills.Secondary {
			if !skillKnown[skillID] {
				continue
			}
			if err := g.CreateEdge(types.Edge{
				FromID: a.ID, ToID: skillID, Type: types.EdgeHasSkill, Weight: 0.5,
				Properties: map[string]interface{}{"role": "secondary"},
			}); err != nil {
				return err
			}
			edges++
		}
		for _, toolID := range a.Tools.Enabled {
			if !toolKnown[toolID] {
				continue
			}
			if err := g.CreateEdge(types.Edge{
				FromID: a.ID, ToID: toolID, Type: types.EdgeHasTool, Weight: 1.0,
			}); err != nil {
				return err
			}
			edges++
		}
		for _, scope := range a.Memory.PreferredScopes {
			if err := ensureScope(scope); err != nil {
				return err
			}
			if err := g.CreateEdge(types.Edge{
				FromID: a.ID, ToID: scopeNodeID(scope), Type: types.EdgePrefersScope, Weight: 1.0,
			}); err != nil {
				return err
			}
			edges++
		}
	}

	for _, s := range skills {
		for _, dep := range s.DependsOn {
			if !skillKnown[dep] || dep == s.ID {
				continue
			}
			if err := g.CreateEdge(types.Edge{
				FromID: s.ID, ToID: dep, Type: types.EdgeSkillDependsOn, Weight: 1.0,
			}); err != nil {
				return err
			}
			edges++
		}
		for _, toolID := range s.UsesTools {
			if !toolKnown[toolID] {
				continue
			}
			if err := g.CreateEdge(types.Edge{
				FromID: s.ID, ToID: toolID, Type: types.EdgeUsesTool, Weight: 1.0,
			}); err != nil {
				return err
			}
			edges++
		}
	}

	logging.Registry("Graph sync complete: %d agents, %d skills, %d tools, %d edges",
		len(agents), len(skills), len(tools), edges)
	return nil
}
