// Package scheduler runs the periodic jobs of the service: the full account
// sync and the active-account cache refresh.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once when the scheduler starts instead of
	// waiting for the first interval.
	RunAtStart bool
	Handler    func(ctx context.Context) error
}

// Service owns a gocron scheduler. Tasks never overlap with themselves.
type Service struct {
	scheduler *gocron.Scheduler
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	tasks     map[string]Task
}

// New creates a stopped scheduler in UTC.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Service{
		scheduler: s,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]Task),
	}
}

// Register adds a task. Tasks with a non-positive interval are skipped.
func (s *Service) Register(task Task) error {
	if task.Interval <= 0 {
		s.log.Info("scheduled task disabled", zap.String("task", task.Name))
		return nil
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}

	sched := s.scheduler.Every(task.Interval)
	if !task.RunAtStart {
		sched = sched.WaitForSchedule()
	}
	job, err := sched.Tag(task.Name).Do(s.run, task)
	if err != nil {
		return fmt.Errorf("schedule task %q: %w", task.Name, err)
	}
	s.tasks[task.Name] = task
	s.log.Info("scheduled task registered",
		zap.String("task", task.Name),
		zap.Duration("interval", task.Interval),
		zap.Strings("tags", job.Tags()))
	return nil
}

func (s *Service) run(task Task) {
	start := time.Now()
	log := s.log.With(zap.String("task", task.Name))
	if err := task.Handler(s.ctx); err != nil {
		log.Error("scheduled task failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	log.Debug("scheduled task finished", zap.Duration("duration", time.Since(start)))
}

// Start runs the scheduler in the background.
func (s *Service) Start() {
	s.log.Info("starting scheduler", zap.Int("tasks", len(s.tasks)))
	s.scheduler.StartAsync()
}

// Stop halts the scheduler and cancels running task contexts.
func (s *Service) Stop() {
	s.log.Info("stopping scheduler")
	s.cancel()
	s.scheduler.Stop()
}
