// Package scheduler drives periodic re-scrapes of registered task
// configurations. Each tick it loads the task list, determines which tasks
// are due, and runs them. A task already in flight is skipped until it
// finishes, so a slow scrape never stacks up behind itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storefind/storefind/internal/storage"
)

// ErrTaskRunning is returned by RunTask when the task is already in flight.
var ErrTaskRunning = errors.New("task already running")

// RunFunc executes one task end to end (scrape and ingest). The scheduler
// records a successful run; a returned error leaves the task due.
type RunFunc func(ctx context.Context, task storage.Task) error

// Scheduler periodically runs due tasks from the catalog.
type Scheduler struct {
	catalog *storage.Catalog
	run     RunFunc
	tick    time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates a Scheduler ticking at the given interval.
func New(catalog *storage.Catalog, run RunFunc, tick time.Duration, log *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		catalog: catalog,
		run:     run,
		tick:    tick,
		log:     log,
		now:     time.Now,
		running: make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue fires every due task on its own goroutine.
func (s *Scheduler) runDue(ctx context.Context) {
	tasks, err := s.catalog.ListTasks()
	if err != nil {
		s.log.Error("scheduler: listing tasks", "error", err)
		return
	}

	for _, task := range tasks {
		if !s.due(task) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.runOne(ctx, task); err != nil && !errors.Is(err, ErrTaskRunning) {
				s.log.Error("scheduler: task run failed", "task", task.ID, "error", err)
			}
		}()
	}
}

// due reports whether a task should run now. A task with no recorded run is
// always due; failed runs are not recorded, so they retry on the next tick.
func (s *Scheduler) due(task storage.Task) bool {
	if task.LastRun == nil {
		return true
	}
	interval := time.Duration(task.IntervalMinutes) * time.Minute
	return s.now().Sub(*task.LastRun) >= interval
}

// RunTask runs a single task immediately, regardless of its interval.
// Returns ErrTaskRunning if the task is already in flight.
func (s *Scheduler) RunTask(ctx context.Context, id string) error {
	task, err := s.catalog.GetTask(id)
	if err != nil {
		return err
	}
	return s.runOne(ctx, task)
}

func (s *Scheduler) runOne(ctx context.Context, task storage.Task) error {
	s.mu.Lock()
	if s.running[task.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskRunning, task.ID)
	}
	s.running[task.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	start := s.now()
	s.log.Info("scheduler: running task", "task", task.ID, "store", task.StoreID)

	if err := s.run(ctx, task); err != nil {
		return err
	}

	if err := s.catalog.UpdateTaskLastRun(task.ID, start); err != nil {
		return fmt.Errorf("recording task run: %w", err)
	}
	s.log.Info("scheduler: task complete", "task", task.ID, "took", s.now().Sub(start))
	return nil
}
