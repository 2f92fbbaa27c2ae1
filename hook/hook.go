// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package hook reinterprets blocking POSIX I/O as reactor-driven waits.
// Each entry point mirrors its libc counterpart: when interposition is
// enabled for the calling fiber and the descriptor is a blocking socket,
// a would-block result registers the fiber with the reactor (plus an
// optional deadline) and yields; readiness or timeout resumes it and the
// call retries or fails with the errno the caller expects. With
// interposition disabled every entry point forwards verbatim.

package hook

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

var logger = logging.Component("hook")

// fionbio is the standard Linux ioctl request code for toggling
// non-blocking I/O (asm-generic/ioctls.h). golang.org/x/sys/unix does
// not export this constant, so it is defined here verbatim.
const fionbio = 0x5421

// connectTimeoutMS is the process default for hooked Connect,
// timer.Infinite until configured.
var connectTimeoutMS atomic.Uint64

func init() {
	connectTimeoutMS.Store(timer.Infinite)
}

// SetConnectTimeout sets the default deadline, in milliseconds, applied
// by hooked Connect.
func SetConnectTimeout(ms uint64) { connectTimeoutMS.Store(ms) }

// Enable toggles syscall interposition for the calling fiber.
func Enable(v bool) {
	fiber.GetThis().SetHookEnabled(v)
}

// Enabled reports whether interposition is active for the calling fiber.
func Enabled() bool {
	f := fiber.Current()
	return f != nil && f.HookEnabled()
}

// timerInfo is the per-call liveness token shared between a blocked call
// and its deadline timer.
type timerInfo struct {
	cancelled atomic.Int32
	alive     atomic.Bool
}

// doIO is the retry template shared by every hooked I/O entry point. op
// performs the underlying non-blocking syscall; ev and timeoutKind pick
// the direction and which per-fd timeout governs it.
func doIO(fd int, op func() (int, error), name string, ev iomanager.Event, timeoutKind int) (int, error) {
	if !Enabled() {
		return op()
	}
	ctx := FdMgr().Get(fd, false)
	if ctx == nil {
		return op()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}

	timeout := ctx.Timeout(timeoutKind)
	tinfo := &timerInfo{}
	tinfo.alive.Store(true)
	defer tinfo.alive.Store(false)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		iom := iomanager.GetThis()
		if iom == nil {
			return n, err
		}

		var t *timer.Timer
		if timeout != timer.Infinite {
			t = iom.AddConditionTimer(timeout, func() {
				if tinfo.cancelled.Load() != 0 {
					return
				}
				tinfo.cancelled.Store(int32(unix.ETIMEDOUT))
				iom.CancelEvent(fd, ev)
			}, tinfo.alive.Load, false)
		}

		if err := iom.AddEvent(fd, ev, nil); err != nil {
			logger.Warn().Err(err).Str("op", name).Int("fd", fd).Msg("addEvent failed")
			if t != nil {
				t.Cancel()
			}
			return -1, unix.EINVAL
		}

		fiber.GetThis().Yield()

		if t != nil {
			t.Cancel()
		}
		if ec := tinfo.cancelled.Load(); ec != 0 {
			return -1, unix.Errno(ec)
		}
	}
}

// Sleep suspends the calling fiber for the given number of seconds
// without holding a worker thread. Always reports complete sleep.
func Sleep(seconds uint) uint {
	if !Enabled() {
		time.Sleep(time.Duration(seconds) * time.Second)
		return 0
	}
	sleepMS(uint64(seconds) * 1000)
	return 0
}

// Usleep suspends the calling fiber for usec microseconds.
func Usleep(usec uint64) int {
	if !Enabled() {
		time.Sleep(time.Duration(usec) * time.Microsecond)
		return 0
	}
	sleepMS(usec / 1000)
	return 0
}

// Nanosleep suspends the calling fiber for the requested duration,
// rounded down to milliseconds. The remainder out-parameter of the
// POSIX contract is not modeled.
func Nanosleep(req *unix.Timespec) int {
	if !Enabled() {
		time.Sleep(time.Duration(req.Nano()))
		return 0
	}
	sleepMS(uint64(req.Sec)*1000 + uint64(req.Nsec)/1000/1000)
	return 0
}

func sleepMS(ms uint64) {
	f := fiber.GetThis()
	iom := iomanager.GetThis()
	if iom == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom.AddTimer(ms, func() {
		_ = iom.Schedule(f, scheduler.AnyThread)
	}, false)
	f.Yield()
}

// Socket creates a socket and installs its policy record, which forces
// the descriptor kernel-nonblocking.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if !Enabled() || err != nil {
		return fd, err
	}
	FdMgr().Get(fd, true)
	return fd, nil
}

// Connect applies the process-default connect timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, connectTimeoutMS.Load())
}

// ConnectWithTimeout performs a hooked connect: an in-progress attempt
// suspends the fiber until the socket turns writable or the deadline
// fires, then reports the result of SO_ERROR.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMS uint64) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx := FdMgr().Get(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	iom := iomanager.GetThis()
	if iom == nil {
		return err
	}

	tinfo := &timerInfo{}
	tinfo.alive.Store(true)
	defer tinfo.alive.Store(false)

	var t *timer.Timer
	if timeoutMS != timer.Infinite {
		t = iom.AddConditionTimer(timeoutMS, func() {
			if tinfo.cancelled.Load() != 0 {
				return
			}
			tinfo.cancelled.Store(int32(unix.ETIMEDOUT))
			iom.CancelEvent(fd, iomanager.EventWrite)
		}, tinfo.alive.Load, false)
	}

	if err := iom.AddEvent(fd, iomanager.EventWrite, nil); err == nil {
		fiber.GetThis().Yield()
		if t != nil {
			t.Cancel()
		}
		if ec := tinfo.cancelled.Load(); ec != 0 {
			return unix.Errno(ec)
		}
	} else {
		if t != nil {
			t.Cancel()
		}
		logger.Warn().Err(err).Int("fd", fd).Msg("connect addEvent failed")
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr == 0 {
		return nil
	}
	return unix.Errno(soerr)
}

// Accept waits for an incoming connection and installs a policy record
// for the accepted descriptor.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	n, err := doIO(fd, func() (int, error) {
		nfd, a, e := unix.Accept(fd)
		if e == nil {
			sa = a
		}
		return nfd, e
	}, "accept", iomanager.EventRead, unix.SO_RCVTIMEO)
	if err == nil && n >= 0 && Enabled() {
		FdMgr().Get(n, true)
	}
	return n, sa, err
}

// Read reads from fd into p.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.Read(fd, p)
	}, "read", iomanager.EventRead, unix.SO_RCVTIMEO)
}

// Readv performs a vectored read into iovs.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.Readv(fd, iovs)
	}, "readv", iomanager.EventRead, unix.SO_RCVTIMEO)
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	}, "recv", iomanager.EventRead, unix.SO_RCVTIMEO)
}

// Recvfrom receives a datagram and its source address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, func() (int, error) {
		rn, a, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return rn, e
	}, "recvfrom", iomanager.EventRead, unix.SO_RCVTIMEO)
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, func() (int, error) {
		var e error
		n, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return n, e
	}, "recvmsg", iomanager.EventRead, unix.SO_RCVTIMEO)
	return
}

// Write writes p to fd.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.Write(fd, p)
	}, "write", iomanager.EventWrite, unix.SO_SNDTIMEO)
}

// Writev performs a vectored write of iovs.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.Writev(fd, iovs)
	}, "writev", iomanager.EventWrite, unix.SO_SNDTIMEO)
}

// Send sends p on a connected socket. Implemented over sendmsg so the
// byte count of the POSIX contract is preserved.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	}, "send", iomanager.EventWrite, unix.SO_SNDTIMEO)
}

// Sendto sends a datagram to the given address.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	}, "sendto", iomanager.EventWrite, unix.SO_SNDTIMEO)
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	}, "sendmsg", iomanager.EventWrite, unix.SO_SNDTIMEO)
}

// Close cancels any waiters blocked on fd, drops its policy record and
// closes the descriptor.
func Close(fd int) error {
	if !Enabled() {
		return unix.Close(fd)
	}
	if ctx := FdMgr().Get(fd, false); ctx != nil {
		ctx.setClosed()
		if iom := iomanager.GetThis(); iom != nil {
			iom.CancelAll(fd)
		}
		FdMgr().Del(fd)
	}
	return unix.Close(fd)
}

// Fcntl interposes the O_NONBLOCK bit: F_SETFL records the user's intent
// but always forwards the kernel state the runtime needs, and F_GETFL
// reports the flag the user asked for rather than the real one. Other
// int-argument commands pass through.
func Fcntl(fd, cmd, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		ctx := FdMgr().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		ctx := FdMgr().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return flags, nil
		}
		if ctx.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl interposes FIONBIO the same way Fcntl interposes O_NONBLOCK and
// forwards everything.
func Ioctl(fd int, req uint, arg int) error {
	if req == fionbio {
		if ctx := FdMgr().Get(fd, false); ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
			ctx.SetUserNonblock(arg != 0)
			if ctx.SysNonblock() {
				arg = 1
			} else {
				arg = 0
			}
		}
	}
	return unix.IoctlSetPointerInt(fd, req, arg)
}

// GetsockoptInt is a transparent pass-through.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt is a transparent pass-through.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval records SO_RCVTIMEO/SO_SNDTIMEO in the policy table
// so the runtime honors them, and forwards to the kernel as well.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET &&
		(opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := FdMgr().Get(fd, false); ctx != nil {
			ctx.SetTimeout(opt, uint64(tv.Sec)*1000+uint64(tv.Usec)/1000)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}
