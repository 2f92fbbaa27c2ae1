// File: iomanager/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd reactor state: the registered direction bits and one event slot
// per direction, each holding the single pending waiter.

package iomanager

import (
	"sync"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

// Event is a readiness direction bitset. The values mirror the epoll
// event bits so registration masks can be built by or-ing them in.
type Event uint32

const (
	// EventNone is the empty set.
	EventNone Event = 0
	// EventRead is read readiness (EPOLLIN).
	EventRead Event = 0x1
	// EventWrite is write readiness (EPOLLOUT).
	EventWrite Event = 0x4
)

// eventContext is one direction's slot: the waiter (fiber or callback)
// and the scheduler that originated the wait.
type eventContext struct {
	sched *scheduler.Scheduler
	fiber *fiber.Fiber
	cb    func()
}

func (c *eventContext) armed() bool {
	return c.sched != nil || c.fiber != nil || c.cb != nil
}

// fdContext is the reactor's record for one file descriptor. An event
// slot is occupied iff the matching bit in events is set; its mutex
// protects both.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) slot(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	}
	panic("iomanager: unsupported event type")
}

func resetEventContext(ctx *eventContext) {
	ctx.sched = nil
	ctx.fiber = nil
	ctx.cb = nil
}

// triggerEvent consumes the slot for ev: the stored waiter is submitted
// to its originating scheduler with no affinity and the slot is reset.
// Caller holds c.mu, and the direction bit must be set.
func (c *fdContext) triggerEvent(ev Event) {
	if c.events&ev == 0 {
		panic("iomanager: trigger on an unregistered event")
	}
	c.events &^= ev
	ctx := c.slot(ev)
	if !ctx.armed() {
		panic("iomanager: trigger on an empty event slot")
	}
	if ctx.cb != nil {
		_ = ctx.sched.Schedule(ctx.cb, scheduler.AnyThread)
	} else {
		_ = ctx.sched.Schedule(ctx.fiber, scheduler.AnyThread)
	}
	resetEventContext(ctx)
}
