package conflict

import (
	"context"
	"sync"
	"time"

	"agentos/internal/logging"
	"agentos/internal/store"
	"agentos/internal/types"
)

// MaintenanceJob is one scheduled background pass. Run is invoked with the
// scheduler's context; a failing run is logged and the schedule continues.
type MaintenanceJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// EdgeBuilder is the slice of the extractor orchestrator the scheduler
// drives.
type EdgeBuilder interface {
	ExtractAndStore(ctx context.Context, memories []*types.Memory) (int, error)
}

// Scheduler runs maintenance jobs on fixed intervals until stopped. Each
// job gets its own goroutine and ticker; runs of the same job never overlap.
type Scheduler struct {
	jobs   []MaintenanceJob
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]int
	errs map[string]int
}

// NewScheduler creates a scheduler over the given jobs. Jobs with a zero or
// negative interval are dropped.
func NewScheduler(jobs ...MaintenanceJob) *Scheduler {
	s := &Scheduler{
		runs: make(map[string]int),
		errs: make(map[string]int),
	}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start launches the job loops. Call Stop (or cancel the parent context) to
// shut them down.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return types.Validationf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	logging.Conflicts("Scan scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop cancels the job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	logging.Conflicts("Scan scheduler stopped")
}

// Runs reports how many times the named job has completed successfully.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

// Errors reports how many runs of the named job have failed.
func (s *Scheduler) Errors(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[name]
}

func (s *Scheduler) loop(ctx context.Context, job MaintenanceJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				s.errs[job.Name]++
				s.mu.Unlock()
				logging.Get(logging.CategoryConflicts).Error(
					"Scheduled %s failed: %v", job.Name, err)
				continue
			}
			s.mu.Lock()
			s.runs[job.Name]++
			s.mu.Unlock()
			logging.ConflictsDebug("Scheduled %s completed in %s", job.Name, time.Since(start))
		}
	}
}

// FullScanJob schedules detector full scans.
func FullScanJob(d *Detector, interval time.Duration) MaintenanceJob {
	return MaintenanceJob{
		Name:     "conflict_full_scan",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := d.FullScan(ctx)
			return err
		},
	}
}

// ExtractorPassJob schedules edge-extraction passes over the live memories.
func ExtractorPassJob(memories MemoryLister, builder EdgeBuilder, interval time.Duration) MaintenanceJob {
	return MaintenanceJob{
		Name:     "edge_extraction",
		Interval: interval,
		Run: func(ctx context.Context) error {
			all, err := memories.ListMemories(store.ListFilter{})
			if err != nil {
				return err
			}
			_, err = builder.ExtractAndStore(ctx, all)
			return err
		},
	}
}
