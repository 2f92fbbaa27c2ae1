// File: hook/fdmanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The process-wide fd policy table. The hook layer consults it to decide
// whether a descriptor is interposed at all and which timeout applies to
// a direction. Sockets are forced kernel-nonblocking on first sight; the
// user's own non-blocking intent is tracked separately so fcntl can keep
// up the blocking illusion.

package hook

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/timer"
)

// FdCtx is the policy record for one descriptor.
type FdCtx struct {
	fd int

	initialized  bool
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool

	recvTimeout uint64
	sendTimeout uint64
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{
		fd:          fd,
		recvTimeout: timer.Infinite,
		sendTimeout: timer.Infinite,
	}
	c.init()
	return c
}

func (c *FdCtx) init() {
	if c.initialized {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		c.initialized = false
		c.isSocket = false
		return
	}
	c.initialized = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		c.sysNonblock = false
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock = true
}

// IsInit reports whether the descriptor could be queried at creation.
func (c *FdCtx) IsInit() bool { return c.initialized }

// IsSocket reports whether the descriptor is a socket.
func (c *FdCtx) IsSocket() bool { return c.isSocket }

// IsClosed reports whether the descriptor went through hooked close.
func (c *FdCtx) IsClosed() bool { return c.closed }

func (c *FdCtx) setClosed() { c.closed = true }

// SetUserNonblock records the non-blocking mode the user asked for.
func (c *FdCtx) SetUserNonblock(v bool) { c.userNonblock = v }

// UserNonblock returns the non-blocking mode the user asked for.
func (c *FdCtx) UserNonblock() bool { return c.userNonblock }

// SetSysNonblock records the actual kernel non-blocking state.
func (c *FdCtx) SetSysNonblock(v bool) { c.sysNonblock = v }

// SysNonblock returns the actual kernel non-blocking state.
func (c *FdCtx) SysNonblock() bool { return c.sysNonblock }

// SetTimeout stores the direction timeout in milliseconds; kind is
// unix.SO_RCVTIMEO or unix.SO_SNDTIMEO.
func (c *FdCtx) SetTimeout(kind int, ms uint64) {
	if kind == unix.SO_RCVTIMEO {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
}

// Timeout returns the direction timeout in milliseconds, timer.Infinite
// when unset.
func (c *FdCtx) Timeout(kind int) uint64 {
	if kind == unix.SO_RCVTIMEO {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// FdManager is the lazily grown fd → policy table.
type FdManager struct {
	mu    sync.Mutex
	datas []*FdCtx
}

var (
	fdMgr     *FdManager
	fdMgrOnce sync.Once
)

// FdMgr returns the process-wide policy table.
func FdMgr() *FdManager {
	fdMgrOnce.Do(func() {
		fdMgr = &FdManager{datas: make([]*FdCtx, 64)}
	})
	return fdMgr
}

// Get returns the record for fd, creating and initializing one when
// autoCreate is set. Growth is geometric, at least 1.5×.
func (m *FdManager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.datas) {
		if m.datas[fd] != nil || !autoCreate {
			return m.datas[fd]
		}
	} else if !autoCreate {
		return nil
	}
	if fd >= len(m.datas) {
		size := fd + fd/2
		if size <= fd {
			size = fd + 1
		}
		grown := make([]*FdCtx, size)
		copy(grown, m.datas)
		m.datas = grown
	}
	if m.datas[fd] == nil {
		m.datas[fd] = newFdCtx(fd)
	}
	return m.datas[fd]
}

// Del drops the record for fd.
func (m *FdManager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= 0 && fd < len(m.datas) {
		m.datas[fd] = nil
	}
}

// Size returns the current table capacity.
func (m *FdManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.datas)
}
