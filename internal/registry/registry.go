// Package registry loads agent, skill, and tool definitions from YAML
// directories and serves lookups, scored search, and graph sync over them.
// Definitions are read-mostly: a full Reload swaps the in-memory set while
// runtime enable/disable overrides survive across reloads.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// Meta is the searchable surface every definition kind shares.
type Meta struct {
	ID          string
	Name        string
	Description string
	Category    string
	Tags        []string
	Enabled     bool
}

// Registry is a generic in-memory registry over one definition kind, loaded
// from a directory of YAML files (one definition per file).
type Registry[T any] struct {
	mu        sync.RWMutex
	dir       string
	kind      string
	load      func(path string) (T, error)
	meta      func(T) Meta
	items     map[string]T
	sources   map[string]string // id -> file path
	overrides map[string]bool   // runtime enable/disable, survives Reload
}

func newRegistry[T any](dir, kind string, load func(string) (T, error), meta func(T) Meta) *Registry[T] {
	return &Registry[T]{
		dir:       dir,
		kind:      kind,
		load:      load,
		meta:      meta,
		items:     make(map[string]T),
		sources:   make(map[string]string),
		overrides: make(map[string]bool),
	}
}

// LoadAll scans the registry directory and loads every .yaml/.yml file.
// Files that fail to parse are skipped with a warning; the rest load. A
// missing directory is not an error and yields an empty registry.
func (r *Registry[T]) LoadAll() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.RegistryDebug("No %s directory at %s", r.kind, r.dir)
			return 0, nil
		}
		return 0, types.Storef("failed to read %s registry directory: %v", r.kind, err)
	}

	items := make(map[string]T)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		item, err := r.load(path)
		if err != nil {
			logging.Registry("Skipping %s definition %s: %v", r.kind, entry.Name(), err)
			continue
		}
		m := r.meta(item)
		if prev, dup := sources[m.ID]; dup {
			logging.Registry("Duplicate %s id %s in %s (first seen in %s), keeping first",
				r.kind, m.ID, path, prev)
			continue
		}
		items[m.ID] = item
		sources[m.ID] = path
	}

	r.mu.Lock()
	r.items = items
	r.sources = sources
	r.mu.Unlock()

	logging.Registry("Loaded %d %s definitions from %s", len(items), r.kind, r.dir)
	return len(items), nil
}

// Reload re-reads the directory, replacing the loaded set. Enable/disable
// overrides are kept.
func (r *Registry[T]) Reload() (int, error) {
	return r.LoadAll()
}

// LoadByID re-reads a single definition from its source file.
func (r *Registry[T]) LoadByID(id string) (T, error) {
	var zero T
	r.mu.RLock()
	path, ok := r.sources[id]
	r.mu.RUnlock()
	if !ok {
		return zero, types.NotFoundf("%s %s", r.kind, id)
	}
	item, err := r.load(path)
	if err != nil {
		return zero, err
	}
	r.mu.Lock()
	r.items[id] = item
	r.mu.Unlock()
	return item, nil
}

// FindByID returns the definition for id.
func (r *Registry[T]) FindByID(id string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		var zero T
		return zero, types.NotFoundf("%s %s", r.kind, id)
	}
	return item, nil
}

// FindByCategory returns definitions in the category, ordered by id.
func (r *Registry[T]) FindByCategory(category string) []T {
	return r.filter(func(m Meta) bool { return m.Category == category })
}

// FindByTags returns definitions carrying the tags. With matchAll, every
// requested tag must be present; otherwise one suffices.
func (r *Registry[T]) FindByTags(tags []string, matchAll bool) []T {
	return r.filter(func(m Meta) bool {
		have := make(map[string]bool, len(m.Tags))
		for _, t := range m.Tags {
			have[t] = true
		}
		hits := 0
		for _, t := range tags {
			if have[t] {
				hits++
			}
		}
		if matchAll {
			return hits == len(tags) && len(tags) > 0
		}
		return hits > 0
	})
}

// ListAll returns every loaded definition, ordered by id.
func (r *Registry[T]) ListAll() []T {
	return r.filter(func(Meta) bool { return true })
}

// ListEnabled returns the effectively enabled definitions, ordered by id.
func (r *Registry[T]) ListEnabled() []T {
	return r.filter(func(m Meta) bool { return r.effectiveEnabled(m) })
}

func (r *Registry[T]) filter(keep func(Meta) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []T
	for _, id := range ids {
		if keep(r.meta(r.items[id])) {
			out = append(out, r.items[id])
		}
	}
	return out
}

// effectiveEnabled applies the runtime override on top of the definition's
// own enabled flag. Caller must hold at least a read lock.
func (r *Registry[T]) effectiveEnabled(m Meta) bool {
	if v, ok := r.overrides[m.ID]; ok {
		return v
	}
	return m.Enabled
}

// IsEnabled reports whether the definition is effectively enabled.
func (r *Registry[T]) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return false
	}
	return r.effectiveEnabled(r.meta(item))
}

// Enable turns a definition on at runtime.
func (r *Registry[T]) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable turns a definition off at runtime.
func (r *Registry[T]) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry[T]) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return types.NotFoundf("%s %s", r.kind, id)
	}
	r.overrides[id] = enabled
	logging.Registry("%s %s enabled=%v", r.kind, id, enabled)
	return nil
}

// =============================================================================
// SEARCH
// =============================================================================

// Relevance weights. An exact id hit dominates; the rest accumulate.
const (
	scoreExactID      = 100
	scoreNameContains = 50
	scoreNamePrefix   = 25
	scoreDescContains = 20
	scoreTagContains  = 10
)

// SearchResult pairs a definition with its relevance score.
type SearchResult[T any] struct {
	Item  T
	Score int
}

// Search scores every definition against the query and returns the hits
// sorted by descending relevance, ties broken by id. Matching is
// case-insensitive substring matching.
func (r *Registry[T]) Search(query string, enabledOnly bool) []SearchResult[T] {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		id    string
		item  T
		score int
	}
	var hits []scored
	for id, item := range r.items {
		m := r.meta(item)
		if enabledOnly && !r.effectiveEnabled(m) {
			continue
		}
		score := 0
		if strings.ToLower(m.ID) == q {
			score += scoreExactID
		}
		name := strings.ToLower(m.Name)
		if strings.Contains(name, q) {
			score += scoreNameContains
			if strings.HasPrefix(name, q) {
				score += scoreNamePrefix
			}
		}
		if strings.Contains(strings.ToLower(m.Description), q) {
			score += scoreDescContains
		}
		for _, tag := range m.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				score += scoreTagContains
				break
			}
		}
		if score > 0 {
			hits = append(hits, scored{id: id, item: item, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	out := make([]SearchResult[T], len(hits))
	for i, h := range hits {
		out[i] = SearchResult[T]{Item: h.item, Score: h.score}
	}
	return out
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes one registry.
type Stats struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	Disabled   int            `json:"disabled"`
	ByCategory map[string]int `json:"by_category"`
}

// GetStats counts loaded definitions by enablement and category.
func (r *Registry[T]) GetStats() *Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{ByCategory: make(map[string]int)}
	for _, item := range r.items {
		m := r.meta(item)
		stats.Total++
		if r.effectiveEnabled(m) {
			stats.Enabled++
		} else {
			stats.Disabled++
		}
		if m.Category != "" {
			stats.ByCategory[m.Category]++
		}
	}
	return stats
}
