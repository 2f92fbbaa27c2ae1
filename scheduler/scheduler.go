// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package scheduler multiplexes fibers and callbacks over a fixed pool of
// locked OS threads. Workers pull from a single FIFO task list with
// optional thread affinity; a worker with nothing to run resumes its idle
// fiber, whose body is supplied by the installed Driver (the reactor).

package scheduler

import (
	"container/list"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/gls"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/thread"
)

// ErrSchedulerStopped rejects submissions after Stop has completed.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// AnyThread submits a task with no worker affinity.
const AnyThread = -1

// Task is one unit of scheduled work: a fiber to resume or a callback to
// wrap in a fresh fiber, plus an optional worker-thread affinity.
type Task struct {
	Fiber  *fiber.Fiber
	Cb     func()
	Thread int
}

// Driver supplies the overridable pieces of the run loop: the wakeup
// side-channel, the idle-fiber body, and the stop predicate. The base
// scheduler is its own driver; the reactor installs itself instead.
type Driver interface {
	Tickle()
	Idle()
	Stopping() bool
}

// Scheduler owns the worker threads and the task queue.
type Scheduler struct {
	name string

	mu       sync.Mutex
	tasks    *list.List
	stopping bool
	stopped  bool

	threads     []*thread.Thread
	threadIDs   []int
	threadCount int

	activeCount atomic.Int32
	idleCount   atomic.Int32

	useCaller      bool
	schedulerFiber *fiber.Fiber
	rootThread     int

	drv   Driver
	owner any
}

var logger = logging.Component("scheduler")

// New builds a scheduler with threadCount workers. With useCaller the
// constructing thread becomes one of them: it is locked to its OS thread,
// one fewer worker is spawned, and a dedicated scheduler fiber is created
// so that Stop can drain the run loop on the caller without hijacking the
// caller's main flow.
func New(threadCount int, useCaller bool, name string) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:       name,
		tasks:      list.New(),
		useCaller:  useCaller,
		rootThread: -1,
	}
	s.drv = s
	s.owner = s
	if useCaller {
		threadCount--
		// The caller is now a worker identity; keep its tid stable.
		runtime.LockOSThread()
		thread.SetName(name)
		main := fiber.GetThis()
		main.SetScheduler(s.owner)
		s.rootThread = thread.GetThreadId()
		// The scheduler fiber inherits the caller's worker identity: it
		// drains on the caller's behalf even though its goroutine may sit
		// on another kernel thread.
		s.schedulerFiber = fiber.New(func() { s.run(s.rootThread) }, false)
		s.threadIDs = append(s.threadIDs, s.rootThread)
	}
	s.threadCount = threadCount
	return s
}

// SetDriver installs the run-loop overrides. Must be called before Start.
func (s *Scheduler) SetDriver(d Driver) { s.drv = d }

// SetOwner records the outermost object workers stamp onto fibers, so
// GetThis type assertions recover the reactor rather than the embedded
// base. Must be called before Start, on the constructing goroutine.
func (s *Scheduler) SetOwner(o any) {
	s.owner = o
	if s.useCaller {
		fiber.GetThis().SetScheduler(o)
	}
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// GetThis returns the base scheduler driving the calling fiber, or nil.
func GetThis() *Scheduler {
	if v := gls.Get(); v != nil {
		if f, ok := v.(*fiber.Fiber); ok {
			return From(f.Scheduler())
		}
	}
	return nil
}

// From extracts the base scheduler from a stamped owner value.
func From(owner any) *Scheduler {
	if h, ok := owner.(interface{ base() *Scheduler }); ok {
		return h.base()
	}
	return nil
}

func (s *Scheduler) base() *Scheduler { return s }

// Owner returns the value workers stamp onto fibers they resume.
func (s *Scheduler) Owner() any { return s.owner }

// Start spawns the worker threads. Idempotent only before Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		logger.Warn().Str("scheduler", s.name).Msg("start after stop ignored")
		return
	}
	if len(s.threads) != 0 {
		return
	}
	s.threads = make([]*thread.Thread, s.threadCount)
	for i := 0; i < s.threadCount; i++ {
		s.threads[i] = thread.New(s.workerMain, fmt.Sprintf("%s_%d", s.name, i))
		s.threadIDs = append(s.threadIDs, s.threads[i].Id())
	}
}

// Schedule submits a fiber, a callback, or a prebuilt Task. thrd is a
// worker thread id or AnyThread. Submissions are accepted while the
// scheduler drains (suspended fibers must still be able to resume) and
// rejected only once Stop has completed.
func (s *Scheduler) Schedule(v any, thrd int) error {
	var t Task
	switch x := v.(type) {
	case *fiber.Fiber:
		t.Fiber = x
	case func():
		t.Cb = x
	case Task:
		t = x
	default:
		return fmt.Errorf("scheduler: unsupported task type %T", v)
	}
	t.Thread = thrd
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	needTickle := s.tasks.Len() == 0
	s.tasks.PushBack(t)
	s.mu.Unlock()
	if needTickle {
		s.drv.Tickle()
	}
	return nil
}

// workerMain adapts a spawned worker thread to the run loop.
func (s *Scheduler) workerMain() {
	defer gls.Clear()
	s.run(thread.GetThreadId())
}

// run is the worker loop: extract the first affinity-compatible task,
// wake someone else if a mismatched task was passed over, run what was
// extracted, and otherwise hand the thread to the idle fiber.
func (s *Scheduler) run(tid int) {
	main := fiber.GetThis()
	main.SetScheduler(s.owner)

	idleFiber := fiber.New(func() { s.drv.Idle() }, true)

	for {
		var task Task
		tickleMe := false
		s.mu.Lock()
		for e := s.tasks.Front(); e != nil; e = e.Next() {
			t := e.Value.(Task)
			if t.Thread != AnyThread && t.Thread != tid {
				tickleMe = true
				continue
			}
			task = t
			s.tasks.Remove(e)
			s.activeCount.Add(1)
			break
		}
		s.mu.Unlock()
		if tickleMe {
			s.drv.Tickle()
		}

		switch {
		case task.Fiber != nil:
			if task.Fiber.State() != fiber.StateTerm {
				task.Fiber.SetScheduler(s.owner)
				task.Fiber.Resume()
			}
			s.activeCount.Add(-1)
		case task.Cb != nil:
			cbFiber := fiber.New(task.Cb, true)
			cbFiber.SetScheduler(s.owner)
			cbFiber.Resume()
			s.activeCount.Add(-1)
		default:
			if idleFiber.State() == fiber.StateTerm {
				return
			}
			s.idleCount.Add(1)
			idleFiber.SetScheduler(s.owner)
			idleFiber.Resume()
			s.idleCount.Add(-1)
		}
	}
}

// Stop initiates shutdown: workers drain the queue and pending reactor
// state, idle fibers terminate, and the call joins every worker. On a
// useCaller scheduler the caller blocks while its scheduler fiber runs the
// drain under the caller's worker id; that fiber's goroutine may sit on
// another kernel thread.
func (s *Scheduler) Stop() {
	if s.drv.Stopping() {
		return
	}
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	for i := 0; i < s.threadCount; i++ {
		s.drv.Tickle()
	}
	if s.schedulerFiber != nil {
		s.drv.Tickle()
		s.schedulerFiber.Resume()
	}

	s.mu.Lock()
	thrs := s.threads
	s.threads = nil
	s.mu.Unlock()
	for _, t := range thrs {
		t.Join()
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Tickle is the base wakeup: nothing to wake without a reactor.
func (s *Scheduler) Tickle() {}

// Idle is the base idle body: sleep briefly and hand the thread back
// until shutdown.
func (s *Scheduler) Idle() {
	for !s.drv.Stopping() {
		time.Sleep(time.Second)
		fiber.GetThis().Yield()
	}
}

// Stopping is the base stop predicate: stop requested, queue drained, and
// no worker mid-task.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping && s.tasks.Len() == 0 && s.activeCount.Load() == 0
}

// HasIdleThreads reports whether any worker currently sits in its idle
// fiber.
func (s *Scheduler) HasIdleThreads() bool { return s.idleCount.Load() > 0 }

// ThreadIds returns the worker thread ids, including the caller for a
// useCaller scheduler.
func (s *Scheduler) ThreadIds() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.threadIDs))
	copy(out, s.threadIDs)
	return out
}
