//go:build linux

package bufpool

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/task"
)

func TestQueueRecvSelectVariableSize(t *testing.T) {
	rt := newTestRuntime(t)

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	q, err := NewQueue(rt.Ring(), 9, 4)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Add(128)
	require.NoError(t, err)

	want := []byte("short message")
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
		op, h := ops.RecvSelect(rt, fds[0], q, 0)
		c.Await(op)
		buf, bid, ok := q.Buffer(h.Result, h.Flags)
		require.True(t, ok, "Buffer() ok = false, res=%d", h.Result)
		require.Equal(t, string(want), string(buf))
		q.Release(bid)
		return struct{}{}
	}).Wait()

	rt.AllowExit()
	<-done
}
