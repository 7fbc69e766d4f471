//go:build linux

package bufpool

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	rt, err := runtime.New()
	if err != nil {
		switch err {
		case syscall.ENOSYS:
			t.Skip("io_uring not supported on this kernel")
		case syscall.EPERM:
			t.Skip("io_uring blocked by seccomp or permissions")
		default:
			t.Skipf("io_uring unavailable: %v", err)
		}
	}
	return rt
}

func TestPoolRecvSelectRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	pool, err := NewPool(rt.Ring(), 7, 4, 64)
	require.NoError(t, err)
	defer pool.Close()

	want := []byte("provided buffer round trip")
	_, err = syscall.Write(fds[1], want)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	task.Spawn(rt, func(c *task.Context) struct{} {
		op, h := ops.RecvSelect(rt, fds[0], pool, 0)
		c.Await(op)
		buf, bid, ok := pool.Buffer(h.Result, h.Flags)
		require.True(t, ok, "Buffer() ok = false, res=%d", h.Result)
		require.Equal(t, string(want), string(buf))
		pool.Release(bid)
		return struct{}{}
	}).Wait()

	rt.AllowExit()
	<-done
}
