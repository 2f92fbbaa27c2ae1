// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package fiber implements the stackful-coroutine primitive of the
// runtime. Each fiber is backed by a dedicated goroutine parked on a
// resume channel; Resume hands a token to the goroutine and blocks until
// the fiber yields, Yield does the inverse. The handshake replaces the
// register-swap context primitive of thread-based designs, and the
// goroutine-local registry replaces thread_local "current fiber" state.

package fiber

import (
	"runtime"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/internal/gls"
)

// State is the fiber lifecycle state.
type State int32

const (
	// StateReady marks a fiber that can be resumed.
	StateReady State = iota
	// StateRunning marks the fiber currently on CPU for its worker.
	StateRunning
	// StateTerm marks a fiber whose entry function has returned.
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerm:
		return "TERM"
	}
	return "UNKNOWN"
}

var fiberID atomic.Uint64

// Fiber is a cooperatively scheduled task with resume/yield semantics.
//
// A fiber is in exactly one of three states. Resume is called by the host
// (a scheduler worker or plain user code); Yield is called by the fiber
// itself. Both block until the counterpart hands control over, so at most
// one side of the pair executes at any instant.
type Fiber struct {
	id    uint64
	state atomic.Int32

	cb func()

	// runInScheduler marks fibers driven by a scheduler run loop rather
	// than directly by user code. Control always returns to the resumer
	// either way; the flag is recorded at construction and nothing reads it.
	runInScheduler bool

	// main marks a promoted thread-main fiber. It has no goroutine of its
	// own and can be neither resumed nor yielded.
	main bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  bool

	// sched is the scheduler driving this fiber, stamped by the worker
	// before each resume. Stored untyped to keep this package below the
	// scheduler in the dependency order. The write happens while the
	// fiber is parked, so the channel handshake orders it before any read
	// from inside the fiber.
	sched any

	hookEnabled bool
}

// New creates a fiber in StateReady around cb. The backing goroutine is
// launched lazily on first resume. runInScheduler should be true for
// fibers owned by a scheduler run loop and false for fibers resumed
// directly by user code (the caller-thread scheduler fiber).
func New(cb func(), runInScheduler bool) *Fiber {
	f := &Fiber{
		id:             fiberID.Add(1) - 1,
		cb:             cb,
		runInScheduler: runInScheduler,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(StateReady))
	return f
}

// GetThis returns the fiber bound to the calling goroutine. A goroutine
// with no binding is promoted to a thread-main fiber: it is marked
// Running and installed as current, so plain code can create and resume
// fibers without a scheduler.
func GetThis() *Fiber {
	if v := gls.Get(); v != nil {
		return v.(*Fiber)
	}
	f := &Fiber{
		id:   fiberID.Add(1) - 1,
		main: true,
	}
	f.state.Store(int32(StateRunning))
	gls.Set(f)
	return f
}

// Current returns the fiber bound to the calling goroutine without
// promoting an unbound goroutine. Hot paths (the hook gate) use this to
// avoid allocating thread-main fibers for goroutines that never opted in.
func Current() *Fiber {
	if v := gls.Get(); v != nil {
		return v.(*Fiber)
	}
	return nil
}

// GetFiberId returns the id of the current fiber, or ^uint64(0) when the
// calling goroutine has no fiber bound and none is promoted.
func GetFiberId() uint64 {
	if v := gls.Get(); v != nil {
		return v.(*Fiber).id
	}
	return ^uint64(0)
}

// ID returns the fiber's unique id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// SetScheduler stamps the scheduler driving the fiber. Called by the
// worker immediately before resume and by workers on their own thread-main
// fiber at startup.
func (f *Fiber) SetScheduler(s any) { f.sched = s }

// Scheduler returns the scheduler stamped on the fiber, or nil.
func (f *Fiber) Scheduler() any { return f.sched }

// SetHookEnabled toggles syscall interposition for code running under this
// fiber. Read and written only from the fiber's own goroutine.
func (f *Fiber) SetHookEnabled(v bool) { f.hookEnabled = v }

// HookEnabled reports whether syscall interposition is active for this
// fiber.
func (f *Fiber) HookEnabled() bool { return f.hookEnabled }

// Resume transfers control into the fiber and blocks until it yields or
// terminates. Precondition: the fiber is Ready. A resume racing the
// owning fiber's own yield (the event fired before the suspension landed)
// waits for the yield to complete instead of failing.
func (f *Fiber) Resume() {
	if f.main {
		panic("fiber: resume of a thread-main fiber")
	}
	for !f.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		switch State(f.state.Load()) {
		case StateTerm:
			panic("fiber: resume of a terminated fiber")
		case StateRunning:
			// The fiber was rescheduled between registering a waiter and
			// parking. Wait for the in-flight yield to land.
			runtime.Gosched()
		}
	}
	if !f.started {
		f.started = true
		go f.run()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Yield hands control back to the resumer. A Running fiber transitions to
// Ready and parks until the next resume; a Terminated fiber hands over
// one final time and its goroutine exits.
func (f *Fiber) Yield() {
	st := State(f.state.Load())
	if st != StateRunning && st != StateTerm {
		panic("fiber: yield in state " + st.String())
	}
	if st != StateTerm {
		f.state.Store(int32(StateReady))
	}
	f.yieldCh <- struct{}{}
	if st == StateTerm {
		return
	}
	<-f.resumeCh
}

// Reset rebinds a terminated fiber to a new entry function, reusing the
// fiber identity and channels. The next resume starts a fresh goroutine.
func (f *Fiber) Reset(cb func()) {
	if State(f.state.Load()) != StateTerm {
		panic("fiber: reset of a non-terminated fiber")
	}
	f.cb = cb
	f.started = false
	f.state.Store(int32(StateReady))
}

// run is the trampoline: it binds the goroutine to the fiber, waits for
// the first resume, drives the entry to completion, marks the fiber
// terminated and performs the mandatory final yield.
func (f *Fiber) run() {
	gls.Set(f)
	defer gls.Clear()
	<-f.resumeCh
	f.cb()
	f.cb = nil
	f.state.Store(int32(StateTerm))
	f.Yield()
}
