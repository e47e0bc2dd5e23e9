package main

import (
	"path/filepath"

	"agentos/internal/conflict"
	"agentos/internal/embedding"
	"agentos/internal/fsio"
	"agentos/internal/graph"
	"agentos/internal/registry"
	"agentos/internal/runtime"
	"agentos/internal/store"
	"agentos/internal/usage"
	"agentos/internal/writeback"
)

// Store filenames under <workspace>/.dmm/index/.
const (
	fileEmbeddings  = "embeddings.sqlite"
	fileKnowledge   = "knowledge.sqlite"
	fileConflicts   = "conflicts.sqlite"
	fileReviewQueue = "review_queue.sqlite"
	fileUsage       = "usage.sqlite"
	fileAgentOS     = "agentos.sqlite"
	fileTasks       = "tasks.sqlite"
)

func indexPath(name string) string {
	return filepath.Join(cfg.IndexDir(), name)
}

func openMemories() (*store.MemoryStore, error) {
	return store.NewMemoryStore(indexPath(fileEmbeddings))
}

func openGraph(override string) (*graph.GraphStore, error) {
	path := indexPath(fileKnowledge)
	if override != "" {
		path = override
	}
	return graph.NewGraphStore(path)
}

func openConflicts() (*conflict.ConflictStore, error) {
	return conflict.NewConflictStore(indexPath(fileConflicts))
}

func openQueue() (*writeback.ReviewQueue, error) {
	return writeback.NewReviewQueue(indexPath(fileReviewQueue))
}

func openUsage() (*usage.Tracker, error) {
	return usage.NewTracker(indexPath(fileUsage))
}

func openRuntimeStore() (*runtime.AgentOSStore, error) {
	return runtime.NewAgentOSStore(indexPath(fileAgentOS))
}

func openTaskStore() (*runtime.TaskStore, error) {
	return runtime.NewTaskStore(indexPath(fileTasks))
}

func openRegistries() (*registry.Registries, error) {
	r := registry.Open(cfg.DmmDir())
	if err := r.LoadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func newEmbedder() (embedding.Embedder, error) {
	return embedding.NewEmbedder(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
}

func memoryFS() (fsio.FileSystem, error) {
	return fsio.NewOSFileSystem(cfg.MemoryRoot())
}

// newDetector assembles the analyzer chain from config, optionally restricted
// to the named detection methods. The rule-extraction analyzer needs an LLM
// client and is not wired from the CLI. The staleness analyzer only fires
// when usage tracking is active; tracker may be nil.
func newDetector(memories conflict.MemoryLister, conflicts *conflict.ConflictStore, tracker *usage.Tracker, methods ...string) *conflict.Detector {
	analyzers := []conflict.Analyzer{
		&conflict.TagOverlapAnalyzer{Threshold: cfg.Detector.TagOverlapThreshold},
		&conflict.SemanticAnalyzer{Threshold: cfg.Detector.SemanticThreshold},
		&conflict.SupersessionAnalyzer{},
	}
	if tracker != nil {
		analyzers = append(analyzers, &conflict.StalenessAnalyzer{
			Threshold:       cfg.Detector.StalenessThreshold,
			TrackingEnabled: tracker.Enabled,
		})
	}
	if len(methods) > 0 {
		want := make(map[string]bool, len(methods))
		for _, m := range methods {
			want[m] = true
		}
		kept := analyzers[:0]
		for _, a := range analyzers {
			if want[string(a.Method())] {
				kept = append(kept, a)
			}
		}
		analyzers = kept
	}
	return conflict.NewDetector(memories, conflicts, analyzers, cfg.Detector)
}
