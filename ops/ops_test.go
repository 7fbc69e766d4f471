//go:build linux

package ops

import (
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/kestrelio/kestrel/bufpool"
	"github.com/kestrelio/kestrel/internal/work"
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

func runUntilDone(t *testing.T, rt *runtime.Runtime, fn func(c *task.Context)) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()
	task.Spawn(rt, func(c *task.Context) struct{} {
		fn(c)
		return struct{}{}
	}).Wait()
	rt.AllowExit()
	<-done
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	f, err := os.CreateTemp("", "kestrel-ops-test")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	fd := int(f.Fd())
	want := []byte("hello io_uring")

	runUntilDone(t, rt, func(c *task.Context) {
		n := c.Await(Write(rt, fd, want, 0))
		if n != int32(len(want)) {
			t.Fatalf("Write() = %d, want %d", n, len(want))
		}

		got := make([]byte, len(want))
		n = c.Await(Read(rt, fd, got, 0))
		if n != int32(len(want)) {
			t.Fatalf("Read() = %d, want %d", n, len(want))
		}
		if string(got) != string(want) {
			t.Fatalf("Read() = %q, want %q", got, want)
		}
	})
}

func TestOpenatPathAndClose(t *testing.T) {
	rt := newTestRuntime(t)

	f, err := os.CreateTemp("", "kestrel-ops-openat")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	runUntilDone(t, rt, func(c *task.Context) {
		fdRes := c.Await(OpenatPath(rt, syscall.AT_FDCWD, name, os.O_RDONLY, 0))
		if fdRes < 0 {
			t.Fatalf("Openat() = %d, want a valid fd", fdRes)
		}
		closeRes := c.Await(Close(rt, int(fdRes)))
		if closeRes != 0 {
			t.Fatalf("Close() = %d, want 0", closeRes)
		}
	})
}

func TestSpliceFileIntoPipe(t *testing.T) {
	rt := newTestRuntime(t)

	f, err := os.CreateTemp("", "kestrel-ops-splice")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	want := []byte("splice me straight into the pipe")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	defer pr.Close()
	defer pw.Close()

	runUntilDone(t, rt, func(c *task.Context) {
		n := c.Await(Splice(rt, int(f.Fd()), 0, int(pw.Fd()), -1, uint32(len(want)), 0))
		if n != int32(len(want)) {
			t.Fatalf("Splice() = %d, want %d", n, len(want))
		}
	})

	got := make([]byte, len(want))
	if _, err := io.ReadFull(pr, got); err != nil {
		t.Fatalf("reading spliced pipe: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("spliced content = %q, want %q", got, want)
	}
}

func TestRecvMultishotSelectCollectsEveryMessage(t *testing.T) {
	rt := newTestRuntime(t)

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	defer syscall.Close(fds[0])

	pool, err := bufpool.NewPool(rt.Ring(), 11, 4, 64)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close()

	messages := [][]byte{[]byte("first"), []byte("second")}
	for _, m := range messages {
		if _, err := syscall.Write(fds[1], m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	// Closing the write end after both messages are queued gives the
	// multishot recv a terminal (non-F_MORE) completion to finish on —
	// a 0-byte EOF read — once it has drained them.
	syscall.Close(fds[1])

	var got []string
	runUntilDone(t, rt, func(c *task.Context) {
		op, _ := RecvMultishotSelect(rt, fds[0], pool, 0, func(r work.SelectBufferResult) {
			if r.Res <= 0 {
				return
			}
			buf, bid, ok := pool.Buffer(r.Res, uint32(r.BufferID)<<16)
			if !ok {
				t.Fatalf("Buffer() ok = false, res=%d", r.Res)
			}
			got = append(got, string(buf))
			pool.Release(bid)
		})
		final := c.Await(op)
		if final > 0 {
			t.Fatalf("terminal recv result = %d, want <= 0 (EOF/cancel)", final)
		}
	})

	if len(got) != len(messages) {
		t.Fatalf("collected %d messages, want %d: %v", len(got), len(messages), got)
	}
	for i, m := range messages {
		if got[i] != string(m) {
			t.Fatalf("message %d = %q, want %q", i, got[i], m)
		}
	}
}
