// File: thread/thread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package thread wraps a worker OS thread. Workers lock their goroutine
// to a kernel thread so the tid stays a stable affinity identity for the
// scheduler, and propagate their name to the OS for debuggability.

package thread

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GetThreadId returns the kernel thread id of the calling thread.
func GetThreadId() int {
	return unix.Gettid()
}

// SetName applies name to the calling OS thread, truncated to the kernel
// limit of 15 bytes. Best effort.
func SetName(name string) {
	if len(name) > 15 {
		name = name[:15]
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}

// Thread runs fn on a dedicated, locked OS thread.
type Thread struct {
	id   int
	name string

	started chan struct{}
	done    chan struct{}
	joined  bool
	mu      sync.Mutex
}

// New spawns the thread and blocks until it has locked its OS thread and
// published its id and name, so the caller can rely on both immediately.
func New(fn func(), name string) *Thread {
	t := &Thread{
		name:    name,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run(fn)
	<-t.started
	return t
}

func (t *Thread) run(fn func()) {
	// The worker stays pinned for its whole life so its tid is a stable
	// affinity identity.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.id = GetThreadId()
	SetName(t.name)
	close(t.started)
	fn()
	close(t.done)
}

// Id returns the kernel thread id of the worker.
func (t *Thread) Id() int { return t.id }

// Name returns the worker's name.
func (t *Thread) Name() string { return t.name }

// Join blocks until the worker's function has returned. Idempotent.
func (t *Thread) Join() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joined {
		return
	}
	<-t.done
	t.joined = true
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread(%s, tid=%d)", t.name, t.id)
}
