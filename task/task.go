// Package task implements coroutine-shaped concurrent work on top of a
// runtime.Runtime (condy::Task / condy::Coro). Go has no stackless
// coroutines, so each Task here is a goroutine handed the runtime's
// execution token for as long as it is actively running, and parked the
// rest of the time — see runtime.Runtime.RunOnToken/Suspend for the
// handoff this package drives.
package task

import (
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelio/kestrel/internal/work"
	"github.com/kestrelio/kestrel/runtime"
)

// Task is a handle to a coroutine spawned with Spawn. It can be waited
// on synchronously from outside any runtime (Wait), or awaited from
// inside another coroutine running on the same runtime (Get).
//
// A Task left neither waited on nor detached is the Go equivalent of the
// original's TaskBase destructor firing with a live handle_: since Go has
// no destructors, Spawn instead registers a finalizer that panics if the
// task is collected without ever having been joined (Wait/Get) or
// explicitly Detached. The finalizer only fires once the Task value
// itself becomes unreachable, so it catches "dropped the handle on the
// floor", not "still running" — same class of bug the original's
// destructor assert catches, at GC time instead of scope-exit time.
type Task[T any] struct {
	id uuid.UUID
	rt *runtime.Runtime

	mu        sync.Mutex
	finished  bool
	detached  bool
	joined    bool
	result    T
	recovered interface{}
	waiters   []func()
}

// taskFinalizer is installed via runtime.SetFinalizer in Spawn. It mirrors
// TaskBase::~TaskBase's "handle_ still set" check: a Task that was never
// joined or detached panics here instead of quietly vanishing.
func taskFinalizer[T any](t *Task[T]) {
	t.mu.Lock()
	joined := t.joined || t.detached
	t.mu.Unlock()
	if !joined {
		panic(fmt.Sprintf("task: Task %s destroyed without being awaited or detached", t.id))
	}
}

// Context is handed to a spawned coroutine's body; it carries the
// runtime the coroutine is running on; used to await operations and
// other tasks without an ambient "current runtime" lookup.
type Context struct {
	rt *runtime.Runtime
}

// Runtime returns the runtime this coroutine is running on.
func (c *Context) Runtime() *runtime.Runtime { return c.rt }

// Spawn launches fn as a coroutine on rt, immediately running it on a
// fresh goroutine until its first suspend point (or completion). fn
// receives a Context to await operations and other tasks through.
func Spawn[T any](rt *runtime.Runtime, fn func(c *Context) T) *Task[T] {
	t := &Task[T]{id: uuid.New(), rt: rt}
	rt.PendWork()
	rt.RunOnToken(func() {
		defer func() {
			if r := recover(); r != nil {
				t.mu.Lock()
				t.recovered = r
				t.mu.Unlock()
			}
			rt.ResumeWork()
			t.finish()
		}()
		c := &Context{rt: rt}
		t.result = fn(c)
	})
	goruntime.SetFinalizer(t, taskFinalizer[T])
	return t
}

// Detach marks the task as not needing Wait/Get. A panic inside a
// detached task is recovered and stored like any other; since nothing
// then calls Wait or Get, it is neither re-raised nor reported, and the
// runtime's gopool panic handler never sees it.
func (t *Task[T]) Detach() {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

// Detached reports whether Detach has been called.
func (t *Task[T]) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// onDone registers fn to run once the task finishes. It returns false
// (and does not register fn) if the task had already finished, in which
// case the caller should proceed as if fn had already run.
func (t *Task[T]) onDone(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.waiters = append(t.waiters, fn)
	return true
}

func (t *Task[T]) finish() {
	t.mu.Lock()
	t.finished = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, w := range waiters {
		w()
	}
}

// takeResult reads back the coroutine's result, re-panicking whatever it
// panicked with.
func (t *Task[T]) takeResult() T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recovered != nil {
		panic(t.recovered)
	}
	return t.result
}

// Wait blocks the calling goroutine until the task completes and
// returns its result, re-panicking any unhandled panic from inside the
// coroutine. It must be called from outside the task's own runtime —
// calling it from a coroutine running on the same runtime would block
// the one goroutine that could ever finish the task; use Get instead.
func (t *Task[T]) Wait() T {
	done := make(chan struct{})
	if t.onDone(func() { close(done) }) {
		<-done
	}
	t.mu.Lock()
	t.joined = true
	t.mu.Unlock()
	return t.takeResult()
}

// Get awaits the task from inside another coroutine running on c's
// runtime, suspending the caller until t finishes without blocking the
// runtime's event loop. Panics if t belongs to a different runtime.
func (t *Task[T]) Get(c *Context) T {
	if t.rt != c.rt {
		panic(fmt.Sprintf("task: awaiting task %s from a different runtime", t.id))
	}
	h := work.NewFinishHandle()
	registered := t.onDone(func() {
		c.rt.Schedule(h, c.rt)
	})
	if registered {
		c.rt.Suspend(h)
	}
	t.mu.Lock()
	t.joined = true
	t.mu.Unlock()
	return t.takeResult()
}

// ID returns the uuid assigned to this task at Spawn, used only for
// logging/diagnostics.
func (t *Task[T]) ID() uuid.UUID { return t.id }
