// Package schedule provides a small in-process scheduler for recurring
// maintenance work such as reconciliation sweeps and queue promotion.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one recurring registration. Run receives a context that is
// cancelled when the scheduler stops.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Scheduler runs registered tasks on fixed intervals, one goroutine per
// task. Registration is declarative: registering a name twice replaces
// the earlier entry rather than doubling it up.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]Task
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Scheduler.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]Task),
		logger: log.With("component", "scheduler"),
	}
}

// Register adds or replaces a task. It returns an error once the
// scheduler is running; the task set is fixed at startup.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Every <= 0 {
		return fmt.Errorf("task %q has non-positive interval %v", task.Name, task.Every)
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, ok := s.tasks[task.Name]; ok {
		s.logger.Debug("replacing scheduled task", "task", task.Name)
	}
	s.tasks[task.Name] = task
	return nil
}

// Start launches one ticker goroutine per registered task. Calling Start
// twice is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, task)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop cancels all task contexts and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()

	log := s.logger.With("task", task.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, task, log)
		}
	}
}

// invoke runs one tick, absorbing panics so a bad task cannot take the
// scheduler down with it.
func (s *Scheduler) invoke(ctx context.Context, task Task, log *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("scheduled task panicked", "panic", p)
		}
	}()

	start := time.Now()
	task.Run(ctx)
	log.Debug("scheduled task finished", "duration", time.Since(start))
}
