// File: iomanager/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package iomanager is the reactor: it extends the scheduler with an
// edge-triggered epoll instance, a timer set, per-fd event slots and a
// tickle pipe. The scheduler's idle fiber body lives here — it is the
// epoll_wait loop that converts fd readiness and timer expiry back into
// scheduler tasks.

package iomanager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/gls"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

var logger = logging.Component("iomanager")

// ErrEventExists rejects a second waiter for the same (fd, direction).
var ErrEventExists = errors.New("iomanager: event already registered for fd")

// maxEpollEvents bounds one epoll_wait batch.
const maxEpollEvents = 256

// maxIdleTimeoutMS caps the epoll_wait timeout so workers re-check the
// stop predicate and clock drift periodically.
const maxIdleTimeoutMS = 5000

// IOManager multiplexes fd readiness and timers onto its scheduler.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd      int
	tickleFds [2]int

	pendingEventCount atomic.Int64

	mu         sync.RWMutex
	fdContexts []*fdContext

	closeOnce sync.Once
}

// New builds and starts a reactor with the given worker pool shape.
func New(threadCount int, useCaller bool, name string) (*IOManager, error) {
	iom := &IOManager{
		Scheduler: scheduler.New(threadCount, useCaller, name),
	}
	iom.Manager = timer.NewManager(iom.Tickle)

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	iom.epfd = epfd

	if err := unix.Pipe2(iom.tickleFds[:], unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("tickle pipe: %w", err)
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(iom.tickleFds[0]),
	}
	if err := unix.EpollCtl(iom.epfd, unix.EPOLL_CTL_ADD, iom.tickleFds[0], &ev); err != nil {
		unix.Close(epfd)
		unix.Close(iom.tickleFds[0])
		unix.Close(iom.tickleFds[1])
		return nil, fmt.Errorf("epoll ctl add tickle pipe: %w", err)
	}

	iom.mu.Lock()
	iom.contextResize(32)
	iom.mu.Unlock()

	iom.SetDriver(iom)
	iom.SetOwner(iom)
	iom.Start()
	return iom, nil
}

// GetThis returns the reactor driving the calling fiber, or nil.
func GetThis() *IOManager {
	if v := gls.Get(); v != nil {
		if f, ok := v.(*fiber.Fiber); ok {
			if iom, ok := f.Scheduler().(*IOManager); ok {
				return iom
			}
		}
	}
	return nil
}

// contextResize grows the fd-context table to size. Caller holds the
// write lock.
func (iom *IOManager) contextResize(size int) {
	ctxs := make([]*fdContext, size)
	copy(ctxs, iom.fdContexts)
	for i := range ctxs {
		if ctxs[i] == nil {
			ctxs[i] = &fdContext{fd: i}
		}
	}
	iom.fdContexts = ctxs
}

// fdContextFor fetches (growing the table if needed, ≥1.5×) the record
// for fd. With grow=false, returns nil when fd is beyond the table.
func (iom *IOManager) fdContextFor(fd int, grow bool) *fdContext {
	iom.mu.RLock()
	if fd < len(iom.fdContexts) {
		fc := iom.fdContexts[fd]
		iom.mu.RUnlock()
		return fc
	}
	iom.mu.RUnlock()
	if !grow {
		return nil
	}
	iom.mu.Lock()
	if fd >= len(iom.fdContexts) {
		size := fd + fd/2
		if size <= fd {
			size = fd + 1
		}
		iom.contextResize(size)
	}
	fc := iom.fdContexts[fd]
	iom.mu.Unlock()
	return fc
}

// AddEvent registers a waiter for (fd, direction). With a nil callback
// the current fiber is captured and will be resumed on readiness; at
// most one waiter per direction is allowed.
func (iom *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	fc := iom.fdContextFor(fd, true)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		return ErrEventExists
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epevent := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(fc.events) | uint32(ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(iom.epfd, op, fd, &epevent); err != nil {
		logger.Error().Err(err).Int("fd", fd).Uint32("event", uint32(ev)).Msg("addEvent epoll_ctl failed")
		return fmt.Errorf("epoll ctl: %w", err)
	}

	iom.pendingEventCount.Add(1)
	fc.events |= ev

	ctx := fc.slot(ev)
	if ctx.armed() {
		panic("iomanager: event slot not reset before reuse")
	}
	ctx.sched = scheduler.GetThis()
	if cb != nil {
		ctx.cb = cb
	} else {
		f := fiber.GetThis()
		if f.State() != fiber.StateRunning {
			panic("iomanager: addEvent from a non-running fiber")
		}
		ctx.fiber = f
	}
	return nil
}

// DelEvent removes the waiter for (fd, direction) without running it.
func (iom *IOManager) DelEvent(fd int, ev Event) bool {
	fc := iom.fdContextFor(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	op := unix.EPOLL_CTL_DEL
	if left != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epevent := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(left),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(iom.epfd, op, fd, &epevent); err != nil {
		logger.Error().Err(err).Int("fd", fd).Uint32("event", uint32(ev)).Msg("delEvent epoll_ctl failed")
		return false
	}

	iom.pendingEventCount.Add(-1)
	fc.events = left
	resetEventContext(fc.slot(ev))
	return true
}

// CancelEvent removes the waiter for (fd, direction) and runs it once —
// the synthesized wakeup behind every timeout.
func (iom *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := iom.fdContextFor(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	op := unix.EPOLL_CTL_DEL
	if left != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epevent := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(left),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(iom.epfd, op, fd, &epevent); err != nil {
		logger.Error().Err(err).Int("fd", fd).Uint32("event", uint32(ev)).Msg("cancelEvent epoll_ctl failed")
		return false
	}

	iom.pendingEventCount.Add(-1)
	fc.triggerEvent(ev)
	return true
}

// CancelAll removes the fd from the reactor and runs both pending
// waiters, if any. close() uses this to kick blocked fibers off a dying
// descriptor.
func (iom *IOManager) CancelAll(fd int) bool {
	fc := iom.fdContextFor(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events == 0 {
		return false
	}

	epevent := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(iom.epfd, unix.EPOLL_CTL_DEL, fd, &epevent); err != nil {
		logger.Error().Err(err).Int("fd", fd).Msg("cancelAll epoll_ctl failed")
		return false
	}

	if fc.events&EventRead != 0 {
		fc.triggerEvent(EventRead)
		iom.pendingEventCount.Add(-1)
	}
	if fc.events&EventWrite != 0 {
		fc.triggerEvent(EventWrite)
		iom.pendingEventCount.Add(-1)
	}
	return true
}

// PendingEventCount returns the number of armed (fd, direction) waiters.
func (iom *IOManager) PendingEventCount() int64 {
	return iom.pendingEventCount.Load()
}

// Tickle wakes exactly one worker out of epoll_wait. No-op when every
// worker is busy: they will re-scan the queue anyway.
func (iom *IOManager) Tickle() {
	if !iom.HasIdleThreads() {
		return
	}
	if _, err := unix.Write(iom.tickleFds[1], []byte{'T'}); err != nil && err != unix.EAGAIN {
		logger.Error().Err(err).Msg("tickle write failed")
	}
}

// Stopping extends the scheduler predicate: no pending waiter and no
// pending timer may remain.
func (iom *IOManager) Stopping() bool {
	return iom.NextTimer() == timer.Infinite &&
		iom.pendingEventCount.Load() == 0 &&
		iom.Scheduler.Stopping()
}

// Idle is the reactor loop run by each worker's idle fiber: wait for
// readiness or the next deadline, convert both into scheduler tasks,
// then hand the thread back.
func (iom *IOManager) Idle() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	var cbs []func()

	for !iom.Stopping() {
		var n int
		for {
			next := iom.NextTimer()
			if next > maxIdleTimeoutMS {
				next = maxIdleTimeoutMS
			}
			var err error
			n, err = unix.EpollWait(iom.epfd, events, int(next))
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("epoll wait failed")
			}
			break
		}

		cbs = iom.ListExpired(cbs[:0])
		for _, cb := range cbs {
			_ = iom.Schedule(cb, scheduler.AnyThread)
		}

		for i := 0; i < n; i++ {
			ev := &events[i]

			if int(ev.Fd) == iom.tickleFds[0] {
				// Edge-triggered: drain the pipe completely.
				var dummy [256]byte
				for {
					if rn, err := unix.Read(iom.tickleFds[0], dummy[:]); rn <= 0 || err != nil {
						break
					}
				}
				continue
			}

			fc := iom.fdContextFor(int(ev.Fd), false)
			if fc == nil {
				continue
			}

			fc.mu.Lock()
			got := ev.Events
			// Errors and hangups wake whichever directions are armed.
			if got&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				got |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fc.events)
			}
			var real Event
			if got&unix.EPOLLIN != 0 {
				real |= EventRead
			}
			if got&unix.EPOLLOUT != 0 {
				real |= EventWrite
			}
			real &= fc.events
			if real == 0 {
				fc.mu.Unlock()
				continue
			}

			left := fc.events &^ real
			op := unix.EPOLL_CTL_DEL
			if left != 0 {
				op = unix.EPOLL_CTL_MOD
			}
			nev := unix.EpollEvent{Events: unix.EPOLLET | uint32(left), Fd: ev.Fd}
			if err := unix.EpollCtl(iom.epfd, op, int(ev.Fd), &nev); err != nil {
				logger.Error().Err(err).Int32("fd", ev.Fd).Msg("idle epoll_ctl failed")
				fc.mu.Unlock()
				continue
			}

			if real&EventRead != 0 {
				fc.triggerEvent(EventRead)
				iom.pendingEventCount.Add(-1)
			}
			if real&EventWrite != 0 {
				fc.triggerEvent(EventWrite)
				iom.pendingEventCount.Add(-1)
			}
			fc.mu.Unlock()
		}

		fiber.GetThis().Yield()
	}
}

// Stop drains the scheduler and releases the epoll instance and tickle
// pipe.
func (iom *IOManager) Stop() {
	iom.Scheduler.Stop()
	iom.closeOnce.Do(func() {
		unix.Close(iom.epfd)
		unix.Close(iom.tickleFds[0])
		unix.Close(iom.tickleFds[1])
	})
}
