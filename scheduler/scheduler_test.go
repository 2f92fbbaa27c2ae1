// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

func TestCallbacksRun(t *testing.T) {
	s := scheduler.New(2, false, "test")
	s.Start()

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		if err := s.Schedule(func() { ran.Add(1) }, scheduler.AnyThread); err != nil {
			t.Fatalf("Schedule() error: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for ran.Load() != 50 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ran.Load(); got != 50 {
		t.Fatalf("ran = %d, want 50", got)
	}
	s.Stop()
}

func TestFiberTaskResumes(t *testing.T) {
	s := scheduler.New(1, false, "test")
	s.Start()

	var stage atomic.Int32
	f := fiber.New(func() {
		stage.Store(1)
		fiber.GetThis().Yield()
		stage.Store(2)
	}, true)

	if err := s.Schedule(f, scheduler.AnyThread); err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	waitFor(t, func() bool { return stage.Load() == 1 })

	// The fiber yielded back to the worker; submit it again to finish.
	if err := s.Schedule(f, scheduler.AnyThread); err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	waitFor(t, func() bool { return stage.Load() == 2 })
	s.Stop()

	if f.State() != fiber.StateTerm {
		t.Fatalf("fiber state = %v, want TERM", f.State())
	}
}

func TestAffinityTaskRunsOnRequestedWorker(t *testing.T) {
	s := scheduler.New(2, false, "test")
	s.Start()

	ids := s.ThreadIds()
	if len(ids) != 2 {
		t.Fatalf("worker count = %d, want 2", len(ids))
	}

	var ran atomic.Int32
	for _, id := range ids {
		if err := s.Schedule(func() { ran.Add(1) }, id); err != nil {
			t.Fatalf("Schedule() error: %v", err)
		}
	}
	waitFor(t, func() bool { return ran.Load() == 2 })
	s.Stop()
}

func TestStopDrainsQueue(t *testing.T) {
	s := scheduler.New(2, false, "test")
	s.Start()

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		_ = s.Schedule(func() { ran.Add(1) }, scheduler.AnyThread)
	}
	s.Stop()
	if got := ran.Load(); got != 20 {
		t.Fatalf("ran = %d after Stop, want 20 (queue must drain)", got)
	}
}

func TestScheduleAfterStop(t *testing.T) {
	s := scheduler.New(1, false, "test")
	s.Start()
	s.Stop()
	if err := s.Schedule(func() {}, scheduler.AnyThread); err != scheduler.ErrSchedulerStopped {
		t.Fatalf("Schedule() after Stop = %v, want ErrSchedulerStopped", err)
	}
}

func TestUseCallerDrainsOnStop(t *testing.T) {
	s := scheduler.New(3, true, "caller")
	s.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		_ = s.Schedule(func() { ran.Add(1) }, scheduler.AnyThread)
	}
	// Stop runs the caller's scheduler fiber, so by the time it returns
	// everything queued must have executed.
	s.Stop()
	if got := ran.Load(); got != 10 {
		t.Fatalf("ran = %d, want 10", got)
	}
}

func TestSchedulerStampOnFibers(t *testing.T) {
	s := scheduler.New(1, false, "stamp")
	s.Start()

	var got atomic.Value
	_ = s.Schedule(func() {
		got.Store(scheduler.GetThis())
	}, scheduler.AnyThread)
	waitFor(t, func() bool { return got.Load() != nil })
	s.Stop()

	if got.Load().(*scheduler.Scheduler) != s {
		t.Fatal("GetThis inside a scheduled callback did not return the owning scheduler")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
