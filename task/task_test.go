//go:build linux

package task

import (
	"os"
	"syscall"
	"testing"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/runtime"
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

func TestSpawnWaitReturnsResult(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	task := Spawn(rt, func(c *Context) int { return 42 })
	if got := task.Wait(); got != 42 {
		t.Fatalf("Wait() = %d, want 42", got)
	}
	rt.AllowExit()
	<-done
}

func TestSpawnWaitPropagatesPanic(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	task := Spawn(rt, func(c *Context) int { panic("boom") })

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Wait() did not re-panic")
		}
		rt.AllowExit()
		<-done
	}()
	task.Wait()
}

func TestTaskGetAwaitsAnotherTaskOnSameRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	outer := Spawn(rt, func(c *Context) int {
		inner := Spawn(rt, func(c *Context) int { return 7 })
		return inner.Get(c) * 6
	})

	if got := outer.Wait(); got != 42 {
		t.Fatalf("outer.Wait() = %d, want 42", got)
	}
	rt.AllowExit()
	<-done
}

func TestContextAwaitLinkChainsWriteThenRead(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	f, err := os.CreateTemp("", "kestrel-task-link")
	if err != nil {
		t.Fatalf("CreateTemp() error = %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	fd := int(f.Fd())

	want := []byte("linked write then read")
	got := make([]byte, len(want))

	Spawn(rt, func(c *Context) struct{} {
		results, err := c.AwaitLink(
			ops.Write(rt, fd, want, 0),
			ops.Read(rt, fd, got, 0),
		)
		if err != nil {
			t.Fatalf("AwaitLink() error = %v", err)
		}
		if results[0] != int32(len(want)) || results[1] != int32(len(want)) {
			t.Fatalf("AwaitLink() results = %v, want both %d", results, len(want))
		}
		return struct{}{}
	}).Wait()

	if string(got) != string(want) {
		t.Fatalf("linked read = %q, want %q", got, want)
	}

	rt.AllowExit()
	<-done
}

func TestDetachMarksTaskDetached(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	go func() {
		if err := rt.Run(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
		close(done)
	}()

	task := Spawn(rt, func(c *Context) int { return 1 })
	task.Detach()
	if !task.Detached() {
		t.Fatal("Detached() = false after Detach()")
	}
	task.Wait()
	rt.AllowExit()
	<-done
}
