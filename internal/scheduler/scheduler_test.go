package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRegister_SkipsDisabledTasks(t *testing.T) {
	s := New(zap.NewNop())
	if err := s.Register(Task{Name: "sync", Interval: 0, Handler: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(s.tasks) != 0 {
		t.Fatalf("registered %d tasks, want 0", len(s.tasks))
	}
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	s := New(zap.NewNop())
	task := Task{Name: "sync", Interval: time.Hour, Handler: func(context.Context) error { return nil }}
	if err := s.Register(task); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(task); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRunAtStart(t *testing.T) {
	s := New(zap.NewNop())
	var runs int64
	done := make(chan struct{}, 1)
	err := s.Register(Task{
		Name:       "refresh",
		Interval:   time.Hour,
		RunAtStart: true,
		Handler: func(context.Context) error {
			if atomic.AddInt64(&runs, 1) == 1 {
				done <- struct{}{}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run at start")
	}
}

func TestWaitForSchedule(t *testing.T) {
	s := New(zap.NewNop())
	var runs int64
	err := s.Register(Task{
		Name:     "sync",
		Interval: time.Hour,
		Handler: func(context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if n := atomic.LoadInt64(&runs); n != 0 {
		t.Fatalf("runs = %d, want 0 before first interval", n)
	}
}
