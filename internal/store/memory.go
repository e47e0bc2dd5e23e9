package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentos/internal/embedding"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// =============================================================================
// MEMORY CRUD
// =============================================================================

// UpsertMemory inserts or replaces a memory row keyed by id. Callers are
// responsible for running Validate first; the store enforces it anyway so a
// bad row can never land on disk.
func (s *MemoryStore) UpsertMemory(m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, _ := json.Marshal(types.SortedTags(m.Tags))
	supersedesJSON, _ := json.Marshal(m.Supersedes)
	relatedJSON, _ := json.Marshal(m.Related)

	var expires interface{}
	if m.Expires != nil {
		expires = m.Expires.UTC().Format(time.RFC3339)
	}
	var lastUsed interface{}
	if !m.LastUsed.IsZero() {
		lastUsed = m.LastUsed.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (
			id, path, directory, title, scope, priority, confidence, status,
			tags, token_count, created, last_used, usage_count, content_hash,
			content, supersedes, related, expires,
			composite_embedding, directory_embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			directory = excluded.directory,
			title = excluded.title,
			scope = excluded.scope,
			priority = excluded.priority,
			confidence = excluded.confidence,
			status = excluded.status,
			tags = excluded.tags,
			token_count = excluded.token_count,
			last_used = excluded.last_used,
			usage_count = excluded.usage_count,
			content_hash = excluded.content_hash,
			content = excluded.content,
			supersedes = excluded.supersedes,
			related = excluded.related,
			expires = excluded.expires,
			composite_embedding = excluded.composite_embedding,
			directory_embedding = excluded.directory_embedding`,
		m.ID, m.Path, m.Directory, m.Title, string(m.Scope), m.Priority,
		string(m.Confidence), string(m.Status), string(tagsJSON), m.TokenCount,
		m.Created.UTC().Format(time.RFC3339), lastUsed, m.UsageCount,
		m.ContentHash, m.Content, string(supersedesJSON), string(relatedJSON),
		expires,
		embedding.EncodeVector(m.CompositeEmbedding),
		embedding.EncodeVector(m.DirectoryEmbedding),
	)
	if err != nil {
		return types.Storef("failed to upsert memory %s: %v", m.ID, err)
	}
	logging.StoreDebug("Upserted memory %s (path=%s, scope=%s)", m.ID, m.Path, m.Scope)
	return nil
}

// GetMemory fetches a memory by id.
func (s *MemoryStore) GetMemory(id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneLocked("SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
}

// GetByPath fetches a memory by its file path.
func (s *MemoryStore) GetByPath(path string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneLocked("SELECT "+memoryColumns+" FROM memories WHERE path = ?", path)
}

// DeleteMemory removes the row entirely. Normal lifecycle uses Deprecate;
// delete exists for the reindex/repair paths.
func (s *MemoryStore) DeleteMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return types.Storef("failed to delete memory %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("memory %s", id)
	}
	return nil
}

// Deprecate marks a memory deprecated. Deprecated memories stay addressable
// by id but never appear in retrieval.
func (s *MemoryStore) Deprecate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE memories SET status = ?, scope = ?, confidence = ? WHERE id = ?",
		string(types.MemoryDeprecated), string(types.ScopeDeprecated),
		string(types.ConfidenceDeprecated), id,
	)
	if err != nil {
		return types.Storef("failed to deprecate memory %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("memory %s", id)
	}
	logging.Store("Deprecated memory %s", id)
	return nil
}

// TouchUsage increments usage_count and stamps last_used.
func (s *MemoryStore) TouchUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE memories SET usage_count = usage_count + 1, last_used = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return types.Storef("failed to touch memory %s: %v", id, err)
	}
	return nil
}

// =============================================================================
// LISTING
// =============================================================================

// ListFilter narrows ListMemories. Zero value lists all active memories.
type ListFilter struct {
	Scopes            []types.Scope
	Directory         string
	Tag               string
	IncludeDeprecated bool
	NotUsedSince      time.Time // non-zero: last_used older than this (or never used)
}

// ListMemories returns memories matching the filter, sorted by path.
func (s *MemoryStore) ListMemories(filter ListFilter) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []interface{}

	if !filter.IncludeDeprecated {
		conds = append(conds, "status != ?")
		args = append(args, string(types.MemoryDeprecated))
	}
	if len(filter.Scopes) > 0 {
		placeholders := make([]string, len(filter.Scopes))
		for i, sc := range filter.Scopes {
			placeholders[i] = "?"
			args = append(args, string(sc))
		}
		conds = append(conds, "scope IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.Directory != "" {
		conds = append(conds, "directory = ?")
		args = append(args, filter.Directory)
	}
	if !filter.NotUsedSince.IsZero() {
		conds = append(conds, "(last_used IS NULL OR last_used < ?)")
		args = append(args, filter.NotUsedSince.UTC().Format(time.RFC3339))
	}

	query := "SELECT " + memoryColumns + " FROM memories"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY path"

	memories, err := s.queryManyLocked(query, args...)
	if err != nil {
		return nil, err
	}

	// Tag filtering happens in memory; tags are a JSON column.
	if filter.Tag != "" {
		filtered := memories[:0]
		for _, m := range memories {
			for _, tag := range m.Tags {
				if tag == filter.Tag {
					filtered = append(filtered, m)
					break
				}
			}
		}
		memories = filtered
	}
	return memories, nil
}

// ListBaseline returns all active baseline memories sorted by path. Baseline
// ordering must be deterministic so assembled context is reproducible.
func (s *MemoryStore) ListBaseline() ([]*types.Memory, error) {
	return s.ListMemories(ListFilter{Scopes: []types.Scope{types.ScopeBaseline}})
}

// CountMemories returns the active memory count.
func (s *MemoryStore) CountMemories() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM memories WHERE status != ?",
		string(types.MemoryDeprecated)).Scan(&n)
	if err != nil {
		return 0, types.Storef("failed to count memories: %v", err)
	}
	return n, nil
}

// =============================================================================
// VECTOR SEARCH
// =============================================================================

// SearchFilter narrows vector search candidates before ranking.
type SearchFilter struct {
	Scopes           []types.Scope // allow-list; empty = all non-deprecated
	MinPriority      float64
	MaxTokens        int // skip memories larger than this; 0 = no limit
	IncludeEphemeral bool
	IncludeBaseline  bool // baseline is injected separately by retrieval
}

// VectorHit is a memory with its cosine similarity to the query.
type VectorHit struct {
	Memory     *types.Memory
	Similarity float64
}

// VectorSearch ranks stored memories by cosine similarity of their composite
// embedding against the query vector, after applying the filter. Deprecated
// memories are always excluded. Results are sorted best-first and capped at
// limit.
func (s *MemoryStore) VectorSearch(query []float32, filter SearchFilter, limit int) ([]VectorHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorSearch")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	if len(query) == 0 {
		return nil, types.Validationf("empty query vector")
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates, err := s.searchCandidatesLocked(filter)
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(candidates))
	for _, m := range candidates {
		if len(m.CompositeEmbedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, m.CompositeEmbedding)
		if err != nil {
			// Dimension mismatch means the row predates a model change;
			// skip it and leave reindexing to reconcile.
			logging.StoreDebug("Skipping %s in vector search: %v", m.ID, err)
			continue
		}
		hits = append(hits, VectorHit{Memory: m, Similarity: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	logging.StoreDebug("Vector search: %d candidates, %d hits returned", len(candidates), len(hits))
	return hits, nil
}

// searchCandidatesLocked loads the rows eligible for vector ranking.
// Caller must hold at least a read lock.
func (s *MemoryStore) searchCandidatesLocked(filter SearchFilter) ([]*types.Memory, error) {
	conds := []string{"status != ?"}
	args := []interface{}{string(types.MemoryDeprecated)}

	if len(filter.Scopes) > 0 {
		placeholders := make([]string, len(filter.Scopes))
		for i, sc := range filter.Scopes {
			placeholders[i] = "?"
			args = append(args, string(sc))
		}
		conds = append(conds, "scope IN ("+strings.Join(placeholders, ",")+")")
	} else {
		if !filter.IncludeEphemeral {
			conds = append(conds, "scope != ?")
			args = append(args, string(types.ScopeEphemeral))
		}
		if !filter.IncludeBaseline {
			conds = append(conds, "scope != ?")
			args = append(args, string(types.ScopeBaseline))
		}
	}
	if filter.MinPriority > 0 {
		conds = append(conds, "priority >= ?")
		args = append(args, filter.MinPriority)
	}
	if filter.MaxTokens > 0 {
		conds = append(conds, "token_count <= ?")
		args = append(args, filter.MaxTokens)
	}

	query := "SELECT " + memoryColumns + " FROM memories WHERE " + strings.Join(conds, " AND ")
	return s.queryManyLocked(query, args...)
}

// =============================================================================
// REINDEXING
// =============================================================================

const reindexBatchSize = 32

// ReindexAll recomputes every composite embedding with the given embedder in
// batches, then refreshes directory embeddings and records the model name in
// system_meta. The needs_reconcile flag is cleared on success.
func (s *MemoryStore) ReindexAll(ctx context.Context, embedder embedding.Embedder) (int, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "ReindexAll")
	defer timer.Stop()

	s.mu.RLock()
	memories, err := s.queryManyLocked("SELECT " + memoryColumns + " FROM memories WHERE status != '" +
		string(types.MemoryDeprecated) + "' ORDER BY path")
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	reindexed := 0
	for start := 0; start < len(memories); start += reindexBatchSize {
		if err := ctx.Err(); err != nil {
			return reindexed, fmt.Errorf("reindex interrupted: %w", types.ErrCancelled)
		}

		end := start + reindexBatchSize
		if end > len(memories) {
			end = len(memories)
		}
		batch := memories[start:end]

		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = embeddingText(m)
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return reindexed, types.Upstreamf("embedding batch failed at offset %d: %v", start, err)
		}
		if len(vectors) != len(batch) {
			return reindexed, types.Upstreamf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}

		s.mu.Lock()
		for i, m := range batch {
			_, err := s.db.Exec("UPDATE memories SET composite_embedding = ? WHERE id = ?",
				embedding.EncodeVector(vectors[i]), m.ID)
			if err != nil {
				s.mu.Unlock()
				return reindexed, types.Storef("failed to store embedding for %s: %v", m.ID, err)
			}
			reindexed++
		}
		s.mu.Unlock()
		logging.Embedding("Reindexed batch %d-%d of %d", start, end, len(memories))
	}

	if err := s.RefreshDirectoryEmbeddings(); err != nil {
		return reindexed, err
	}
	if err := s.SetMeta("embedding_model", embedder.Name()); err != nil {
		return reindexed, err
	}
	if err := s.SetMeta("needs_reconcile", "false"); err != nil {
		return reindexed, err
	}

	logging.Embedding("Reindex complete: %d memories with model %s", reindexed, embedder.Name())
	return reindexed, nil
}

// ReindexOne recomputes the composite embedding for a single memory, used by
// the commit pipeline after a file write.
func (s *MemoryStore) ReindexOne(ctx context.Context, embedder embedding.Embedder, id string) error {
	m, err := s.GetMemory(id)
	if err != nil {
		return err
	}

	vec, err := embedder.Embed(ctx, embeddingText(m))
	if err != nil {
		return types.Upstreamf("embedding failed for %s: %v", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec("UPDATE memories SET composite_embedding = ? WHERE id = ?",
		embedding.EncodeVector(vec), id)
	if err != nil {
		return types.Storef("failed to store embedding for %s: %v", id, err)
	}
	return nil
}

// RefreshDirectoryEmbeddings recomputes each directory embedding as the mean
// of the composite embeddings in that directory.
func (s *MemoryStore) RefreshDirectoryEmbeddings() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.queryManyLocked("SELECT " + memoryColumns +
		" FROM memories WHERE status != '" + string(types.MemoryDeprecated) + "'")
	if err != nil {
		return err
	}

	byDir := make(map[string][][]float32)
	for _, m := range memories {
		if len(m.CompositeEmbedding) > 0 {
			byDir[m.Directory] = append(byDir[m.Directory], m.CompositeEmbedding)
		}
	}

	for dir, vecs := range byDir {
		mean := embedding.MeanVector(vecs)
		_, err := s.db.Exec("UPDATE memories SET directory_embedding = ? WHERE directory = ?",
			embedding.EncodeVector(mean), dir)
		if err != nil {
			return types.Storef("failed to update directory embedding for %s: %v", dir, err)
		}
	}
	return nil
}

// embeddingText builds the composite text an embedding represents: title,
// tags, and body together.
func embeddingText(m *types.Memory) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString(m.Title)
		b.WriteString("\n")
	}
	if len(m.Tags) > 0 {
		b.WriteString(strings.Join(m.Tags, ", "))
		b.WriteString("\n")
	}
	b.WriteString(m.Content)
	return b.String()
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const memoryColumns = `id, path, directory, title, scope, priority, confidence,
	status, tags, token_count, created, last_used, usage_count, content_hash,
	content, supersedes, related, expires, composite_embedding, directory_embedding`

// queryOneLocked runs a single-row memory query. Caller holds the lock.
func (s *MemoryStore) queryOneLocked(query string, args ...interface{}) (*types.Memory, error) {
	row := s.db.QueryRow(query, args...)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("memory not found (%v)", args)
	}
	if err != nil {
		return nil, types.Storef("memory query failed: %v", err)
	}
	return m, nil
}

// queryManyLocked runs a multi-row memory query. Caller holds the lock.
func (s *MemoryStore) queryManyLocked(query string, args ...interface{}) ([]*types.Memory, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Storef("memory query failed: %v", err)
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, types.Storef("memory scan failed: %v", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(r rowScanner) (*types.Memory, error) {
	var m types.Memory
	var scope, confidence, status string
	var tagsJSON, supersedesJSON, relatedJSON sql.NullString
	var created string
	var lastUsed, expires sql.NullString
	var compositeBlob, directoryBlob []byte

	err := r.Scan(&m.ID, &m.Path, &m.Directory, &m.Title, &scope, &m.Priority,
		&confidence, &status, &tagsJSON, &m.TokenCount, &created, &lastUsed,
		&m.UsageCount, &m.ContentHash, &m.Content, &supersedesJSON,
		&relatedJSON, &expires, &compositeBlob, &directoryBlob)
	if err != nil {
		return nil, err
	}

	m.Scope = types.Scope(scope)
	m.Confidence = types.Confidence(confidence)
	m.Status = types.MemoryStatus(status)

	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	if supersedesJSON.Valid && supersedesJSON.String != "" {
		_ = json.Unmarshal([]byte(supersedesJSON.String), &m.Supersedes)
	}
	if relatedJSON.Valid && relatedJSON.String != "" {
		_ = json.Unmarshal([]byte(relatedJSON.String), &m.Related)
	}

	if t, err := time.Parse(time.RFC3339, created); err == nil {
		m.Created = t
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			m.LastUsed = t
		}
	}
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
			m.Expires = &t
		}
	}

	if vec, err := embedding.DecodeVector(compositeBlob); err == nil {
		m.CompositeEmbedding = vec
	}
	if vec, err := embedding.DecodeVector(directoryBlob); err == nil {
		m.DirectoryEmbedding = vec
	}
	return &m, nil
}
