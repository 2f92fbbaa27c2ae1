// File: iomanager/iomanager_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor behavior against real pipes: readiness dispatch, waiter
// round-trips, synthesized cancellations and timer integration.

package iomanager_test

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
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

func TestReadEventFiresOnReadiness(t *testing.T) {
	iom, err := iomanager.New(2, false, "ioreader")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r, w := newPipe(t)

	var fired atomic.Int32
	_ = iom.Schedule(func() {
		if err := iom.AddEvent(r, iomanager.EventRead, func() { fired.Add(1) }); err != nil {
			t.Errorf("AddEvent: %v", err)
		}
	}, scheduler.AnyThread)

	waitFor(t, func() bool { return iom.PendingEventCount() == 1 })
	if fired.Load() != 0 {
		t.Fatal("callback fired before readiness")
	}

	if _, err := unix.Write(w, []byte{'x'}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return fired.Load() == 1 })
	waitFor(t, func() bool { return iom.PendingEventCount() == 0 })
	iom.Stop()
}

func TestAddEventRejectsSecondWaiter(t *testing.T) {
	iom, err := iomanager.New(1, false, "iodup")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r, _ := newPipe(t)

	errs := make(chan error, 2)
	_ = iom.Schedule(func() {
		errs <- iom.AddEvent(r, iomanager.EventRead, func() {})
		errs <- iom.AddEvent(r, iomanager.EventRead, func() {})
	}, scheduler.AnyThread)

	if err := <-errs; err != nil {
		t.Fatalf("first AddEvent: %v", err)
	}
	if err := <-errs; err != iomanager.ErrEventExists {
		t.Fatalf("second AddEvent = %v, want ErrEventExists", err)
	}

	// Release the waiter so the reactor can quiesce.
	if !iom.CancelEvent(r, iomanager.EventRead) {
		t.Fatal("CancelEvent returned false")
	}
	iom.Stop()
}

func TestDelEventRoundTrip(t *testing.T) {
	iom, err := iomanager.New(1, false, "iodel")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r, w := newPipe(t)

	var fired atomic.Int32
	done := make(chan struct{}, 1)
	_ = iom.Schedule(func() {
		if err := iom.AddEvent(r, iomanager.EventRead, func() { fired.Add(1) }); err != nil {
			t.Errorf("AddEvent: %v", err)
		}
		if !iom.DelEvent(r, iomanager.EventRead) {
			t.Error("DelEvent returned false")
		}
		done <- struct{}{}
	}, scheduler.AnyThread)
	<-done

	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d after add+del, want 0", got)
	}
	if _, err := unix.Write(w, []byte{'x'}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("deleted waiter still fired")
	}
	if iom.DelEvent(r, iomanager.EventRead) {
		t.Fatal("DelEvent on an empty registration returned true")
	}
	iom.Stop()
}

func TestCancelEventSynthesizesWakeup(t *testing.T) {
	iom, err := iomanager.New(1, false, "iocancel")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r, _ := newPipe(t)

	var fired atomic.Int32
	armed := make(chan struct{}, 1)
	_ = iom.Schedule(func() {
		_ = iom.AddEvent(r, iomanager.EventRead, func() { fired.Add(1) })
		armed <- struct{}{}
	}, scheduler.AnyThread)
	<-armed

	if !iom.CancelEvent(r, iomanager.EventRead) {
		t.Fatal("CancelEvent returned false")
	}
	waitFor(t, func() bool { return fired.Load() == 1 })
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	iom.Stop()
}

func TestCancelAllTriggersBothDirections(t *testing.T) {
	iom, err := iomanager.New(1, false, "ioall")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Both waiters go on the pipe's write end: read readiness never
	// fires there, and the pipe is filled first so write readiness stays
	// pending too.
	_, w := newPipe(t)
	buf := make([]byte, 65536)
	for {
		if _, err := unix.Write(w, buf); err != nil {
			break
		}
	}

	var fired atomic.Int32
	armed := make(chan struct{}, 1)
	_ = iom.Schedule(func() {
		_ = iom.AddEvent(w, iomanager.EventRead, func() { fired.Add(1) })
		_ = iom.AddEvent(w, iomanager.EventWrite, func() { fired.Add(1) })
		armed <- struct{}{}
	}, scheduler.AnyThread)
	<-armed

	if got := iom.PendingEventCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if !iom.CancelAll(w) {
		t.Fatal("CancelAll returned false")
	}
	waitFor(t, func() bool { return fired.Load() == 2 })
	if got := iom.PendingEventCount(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	iom.Stop()
}

func TestTimersFireThroughIdleLoop(t *testing.T) {
	iom, err := iomanager.New(2, false, "iotimer")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var fired atomic.Int32
	start := time.Now()
	iom.AddTimer(50, func() { fired.Add(1) }, false)
	waitFor(t, func() bool { return fired.Load() == 1 })
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Fatalf("timer fired after %v, too early", d)
	}
	iom.Stop()
}

func TestRecurringTimerThroughReactor(t *testing.T) {
	iom, err := iomanager.New(1, false, "iorec")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var fired atomic.Int32
	tm := iom.AddTimer(30, func() { fired.Add(1) }, true)
	waitFor(t, func() bool { return fired.Load() >= 3 })
	if !tm.Cancel() {
		t.Fatal("Cancel returned false")
	}
	iom.Stop()
}

func TestSuspendedFiberResumesOnReadiness(t *testing.T) {
	iom, err := iomanager.New(2, false, "iofiber")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r, w := newPipe(t)

	var got atomic.Int32
	_ = iom.Schedule(func() {
		// Register without callback: the fiber itself is the waiter.
		if err := iom.AddEvent(r, iomanager.EventRead, nil); err != nil {
			t.Errorf("AddEvent: %v", err)
			return
		}
		// Suspend until the reactor sees readiness.
		fiber.GetThis().Yield()
		var b [8]byte
		n, err := unix.Read(r, b[:])
		if err != nil || n != 1 {
			t.Errorf("read after resume: n=%d err=%v", n, err)
			return
		}
		got.Store(int32(b[0]))
	}, scheduler.AnyThread)

	waitFor(t, func() bool { return iom.PendingEventCount() == 1 })
	if _, err := unix.Write(w, []byte{42}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return got.Load() == 42 })
	iom.Stop()
}
