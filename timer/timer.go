// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package timer maintains the runtime's ordered set of deadlines: a
// binary heap of absolute wall-clock targets with cancel, refresh and
// reset, a head-change notification hook for the reactor, and a rollover
// guard against backward wall-clock jumps.

package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Infinite encodes "no deadline".
const Infinite = ^uint64(0)

// rolloverWindow is how far backward the wall clock must jump before
// every pending timer is treated as expired.
const rolloverWindow = int64(60 * 60 * 1000)

// nowMS reads the wall clock in milliseconds. Package variable so tests
// can inject clock jumps.
var nowMS = func() int64 { return time.Now().UnixMilli() }

// Timer is a single scheduled deadline owned by a Manager.
type Timer struct {
	recurring bool
	ms        uint64
	next      int64 // absolute wall-clock deadline, ms
	seq       uint64
	cb        func()
	index     int // heap index, -1 when not queued
	mgr       *Manager
}

// Manager is the ordered timer set. All mutation goes through a single
// reader/writer lock; the head-change notification runs outside it.
type Manager struct {
	mu       sync.RWMutex
	timers   timerHeap
	seq      uint64
	tickled  atomic.Bool
	previous int64

	// notify fires when an insertion lands at the head of the set and no
	// earlier insertion has notified since the last NextTimer call. The
	// reactor points this at its tickle.
	notify func()
}

// NewManager builds an empty timer set. notify may be nil.
func NewManager(notify func()) *Manager {
	return &Manager{
		previous: nowMS(),
		notify:   notify,
	}
}

// AddTimer schedules cb to run in ms milliseconds, rearming forever when
// recurring.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		recurring: recurring,
		ms:        ms,
		next:      nowMS() + int64(ms),
		cb:        cb,
		index:     -1,
		mgr:       m,
	}
	m.insert(t)
	return t
}

// AddConditionTimer schedules cb guarded by a liveness predicate: when
// the timer fires after cond has gone false, the callback is silently
// skipped. cond == nil behaves as always-live.
func (m *Manager) AddConditionTimer(ms uint64, cb func(), cond func() bool, recurring bool) *Timer {
	return m.AddTimer(ms, func() {
		if cond == nil || cond() {
			cb()
		}
	}, recurring)
}

// NextTimer returns the delay in milliseconds until the earliest
// deadline: 0 when it has already passed, Infinite when the set is
// empty. It also re-arms the head-change notification.
func (m *Manager) NextTimer() uint64 {
	m.tickled.Store(false)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.timers.Len() == 0 {
		return Infinite
	}
	now := nowMS()
	next := m.timers[0].next
	if now >= next {
		return 0
	}
	return uint64(next - now)
}

// ListExpired appends the callbacks of every expired timer to out and
// returns it. Recurring timers are re-armed at now+interval; one-shot
// timers are disarmed. A backward clock jump beyond the rollover window
// expires every timer in the set.
func (m *Manager) ListExpired(out []func()) []func() {
	now := nowMS()
	m.mu.Lock()
	defer m.mu.Unlock()
	rollover := m.detectClockRollover(now)
	var rearm []*Timer
	for m.timers.Len() > 0 {
		t := m.timers[0]
		if !rollover && t.next > now {
			break
		}
		heap.Pop(&m.timers)
		out = append(out, t.cb)
		if t.recurring {
			t.next = now + int64(t.ms)
			rearm = append(rearm, t)
		} else {
			t.cb = nil
		}
	}
	// Re-arming after the drain keeps a recurring timer from being
	// collected twice during a rollover sweep.
	for _, t := range rearm {
		t.seq = m.seq
		m.seq++
		heap.Push(&m.timers, t)
	}
	return out
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timers.Len() > 0
}

func (m *Manager) insert(t *Timer) {
	m.mu.Lock()
	t.seq = m.seq
	m.seq++
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && !m.tickled.Load()
	if atFront {
		m.tickled.Store(true)
	}
	m.mu.Unlock()
	if atFront && m.notify != nil {
		m.notify()
	}
}

func (m *Manager) detectClockRollover(now int64) bool {
	rollover := now < m.previous-rolloverWindow
	m.previous = now
	return rollover
}

// Cancel disarms the timer and removes it from the set. The first call
// returns true; any later call returns false.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh pushes the deadline out to now+interval. No-op on a cancelled
// or already-fired timer.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = nowMS() + int64(t.ms)
	t.seq = m.seq
	m.seq++
	heap.Push(&m.timers, t)
	return true
}

// Reset changes the interval. With fromNow the new deadline is
// now+ms, otherwise it is rebased on the original start point. Resetting
// to the current interval without fromNow is a no-op.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	if ms == t.ms && !fromNow {
		return true
	}
	m := t.mgr
	m.mu.Lock()
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	start := t.next - int64(t.ms)
	if fromNow {
		start = nowMS()
	}
	t.ms = ms
	t.next = start + int64(ms)
	m.mu.Unlock()
	// Reinsertion goes through the add path so a new earliest deadline
	// re-notifies the reactor.
	m.insert(t)
	return true
}

// timerHeap orders by deadline, ties broken by insertion sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
