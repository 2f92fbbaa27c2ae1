// File: hook/fdmanager_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/timer"
)

func newSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		FdMgr().Del(fds[0])
		FdMgr().Del(fds[1])
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSocketRecordForcesNonblock(t *testing.T) {
	fd, _ := newSocketpair(t)

	ctx := FdMgr().Get(fd, true)
	require.NotNil(t, ctx)
	require.True(t, ctx.IsInit())
	require.True(t, ctx.IsSocket())
	require.True(t, ctx.SysNonblock())
	require.False(t, ctx.UserNonblock())
	require.False(t, ctx.IsClosed())

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK, "kernel O_NONBLOCK must be forced on sockets")
}

func TestNonSocketRecord(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], 0))
	t.Cleanup(func() {
		FdMgr().Del(p[0])
		unix.Close(p[0])
		unix.Close(p[1])
	})

	ctx := FdMgr().Get(p[0], true)
	require.NotNil(t, ctx)
	require.True(t, ctx.IsInit())
	require.False(t, ctx.IsSocket())
	require.False(t, ctx.SysNonblock())

	flags, err := unix.FcntlInt(uintptr(p[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.O_NONBLOCK, "non-sockets are left blocking")
}

func TestTimeouts(t *testing.T) {
	fd, _ := newSocketpair(t)
	ctx := FdMgr().Get(fd, true)

	require.Equal(t, timer.Infinite, ctx.Timeout(unix.SO_RCVTIMEO))
	require.Equal(t, timer.Infinite, ctx.Timeout(unix.SO_SNDTIMEO))

	ctx.SetTimeout(unix.SO_RCVTIMEO, 150)
	ctx.SetTimeout(unix.SO_SNDTIMEO, 250)
	require.Equal(t, uint64(150), ctx.Timeout(unix.SO_RCVTIMEO))
	require.Equal(t, uint64(250), ctx.Timeout(unix.SO_SNDTIMEO))
}

func TestGetSemantics(t *testing.T) {
	require.Nil(t, FdMgr().Get(-1, true))

	fd, _ := newSocketpair(t)
	require.Nil(t, FdMgr().Get(fd, false), "no record without autoCreate")

	ctx := FdMgr().Get(fd, true)
	require.NotNil(t, ctx)
	require.Same(t, ctx, FdMgr().Get(fd, false))
	require.Same(t, ctx, FdMgr().Get(fd, true))

	FdMgr().Del(fd)
	require.Nil(t, FdMgr().Get(fd, false))
}

func TestTableGrowth(t *testing.T) {
	m := &FdManager{datas: make([]*FdCtx, 4)}
	before := len(m.datas)

	fd, _ := newSocketpair(t)
	// Force growth through a large virtual index backed by a real fd is
	// not possible, so grow with the real fd against a tiny table.
	require.Less(t, before, 64)
	ctx := m.Get(fd, true)
	require.NotNil(t, ctx)
	require.GreaterOrEqual(t, m.Size(), fd+1)
	if fd >= before {
		require.GreaterOrEqual(t, m.Size(), fd+fd/2)
	}
}
