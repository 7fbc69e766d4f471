// Package pipe implements Channel, a bounded multi-producer/multi-consumer
// queue coroutines can push into and pop from across runtimes (§4.9,
// condy::Channel). Unlike every other awaiter in this module it never
// touches the ring — a channel operation either resolves immediately
// under its own mutex, or suspends the calling coroutine on a plain
// work.FinishHandle that some other goroutine (on some other runtime)
// resolves later via Runtime.Schedule.
package pipe

import (
	"errors"
	"sync"

	"github.com/cloudwego/gopkg/container/ring"

	"github.com/kestrelio/kestrel/internal/work"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

// ErrClosed is returned by a push operation against a closed channel.
var ErrClosed = errors.New("pipe: channel closed")

type pushWaiter[T any] struct {
	rt     *runtime.Runtime
	handle *work.FinishHandle
	item   T
}

type popWaiter[T any] struct {
	rt     *runtime.Runtime
	handle *work.FinishHandle
	result T
	closed bool
}

// Channel is a thread-safe bounded queue. Capacity zero makes it an
// unbuffered rendezvous channel: every push blocks until a pop is ready
// to receive it and vice versa, mirroring Channel<T, N>(0) in the
// original.
type Channel[T any] struct {
	mu   sync.Mutex
	buf  *ring.Ring[T]
	mask int

	head, tail, size int
	closed           bool

	pushWaiters []*pushWaiter[T]
	popWaiters  []*popWaiter[T]
}

// New builds a channel with room for capacity items, rounded up to the
// next power of two (matching the original's std::bit_ceil sizing).
func New[T any](capacity int) *Channel[T] {
	c := &Channel[T]{}
	if capacity > 0 {
		size := bitCeil(capacity)
		c.buf = ring.NewFromSlice(make([]T, size))
		c.mask = size - 1
	}
	return c
}

func bitCeil(n int) int {
	k := 1
	for k < n {
		k <<= 1
	}
	return k
}

// Capacity returns the channel's buffer size (0 for an unbuffered
// channel).
func (c *Channel[T]) Capacity() int {
	if c.buf == nil {
		return 0
	}
	return c.buf.Len()
}

// Len returns the number of items currently buffered. Racy the instant
// it returns, same caveat as the original's size().
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Closed reports whether PushClose has been called.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TryPush pushes item without blocking. ok is false if the channel is
// currently full; err is ErrClosed if the channel has been closed.
func (c *Channel[T]) TryPush(item T) (ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.tryPushLocked(item), nil
}

// TryPop pops without blocking. ok is false either because the channel
// is empty (try again later) or because it is closed and drained — use
// Closed to tell those apart, matching the (value, ok) convention of a
// receive from a built-in Go channel.
func (c *Channel[T]) TryPop() (item T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok, resolved := c.tryPopLocked()
	if !resolved {
		var zero T
		return zero, false
	}
	return v, ok
}

// ForcePush pushes item even if the channel is full, growing the
// internal waiter queue instead of blocking. The caller is responsible
// for sizing the channel so this queue cannot grow without bound —
// ForcePush itself enforces no limit, matching force_push in the
// original.
func (c *Channel[T]) ForcePush(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic("pipe: force push to closed channel")
	}
	if c.tryPushLocked(item) {
		return
	}
	c.pushWaiters = append(c.pushWaiters, &pushWaiter[T]{handle: work.NewFinishHandle(), item: item})
}

// Push pushes item, suspending the calling coroutine if the channel is
// full until space opens up or the channel is closed.
func (c *Channel[T]) Push(ctx *task.Context, item T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.tryPushLocked(item) {
		c.mu.Unlock()
		return nil
	}
	rt := ctx.Runtime()
	h := work.NewFinishHandle()
	w := &pushWaiter[T]{rt: rt, handle: h, item: item}
	c.pushWaiters = append(c.pushWaiters, w)
	c.mu.Unlock()

	rt.PendWork()
	rt.Suspend(h)
	rt.ResumeWork()
	if h.Result < 0 {
		return ErrClosed
	}
	return nil
}

// Pop pops an item, suspending the calling coroutine if the channel is
// empty until an item arrives or the channel is closed.
func (c *Channel[T]) Pop(ctx *task.Context) (item T, ok bool) {
	c.mu.Lock()
	if v, ok, resolved := c.tryPopLocked(); resolved {
		c.mu.Unlock()
		return v, ok
	}
	rt := ctx.Runtime()
	h := work.NewFinishHandle()
	w := &popWaiter[T]{rt: rt, handle: h}
	c.popWaiters = append(c.popWaiters, w)
	c.mu.Unlock()

	rt.PendWork()
	rt.Suspend(h)
	rt.ResumeWork()
	return w.result, !w.closed
}

// PushClose closes the channel: every pending and future push fails
// with ErrClosed, every pending and future pop drains whatever is
// already buffered and then returns ok=false. Idempotent.
func (c *Channel[T]) PushClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pushWaiters := c.pushWaiters
	c.pushWaiters = nil
	popWaiters := c.popWaiters
	c.popWaiters = nil
	c.mu.Unlock()

	for _, w := range pushWaiters {
		w.handle.Result = -1
		if w.rt != nil {
			w.rt.Schedule(w.handle, nil)
		}
	}
	for _, w := range popWaiters {
		w.closed = true
		w.rt.Schedule(w.handle, nil)
	}
}

// tryPushLocked must be called with mu held and the channel known open.
func (c *Channel[T]) tryPushLocked(item T) bool {
	if len(c.popWaiters) > 0 {
		w := c.popWaiters[0]
		c.popWaiters = c.popWaiters[1:]
		w.result = item
		w.rt.Schedule(w.handle, nil)
		return true
	}
	if !c.fullLocked() {
		c.pushLocked(item)
		return true
	}
	return false
}

// tryPopLocked must be called with mu held. resolved is false only when
// the channel is open, empty, and has no queued push waiter — the
// caller must suspend in that case.
func (c *Channel[T]) tryPopLocked() (item T, ok bool, resolved bool) {
	if len(c.pushWaiters) > 0 {
		w := c.pushWaiters[0]
		c.pushWaiters = c.pushWaiters[1:]
		result := w.item
		if w.rt != nil {
			w.handle.Result = 0
			w.rt.Schedule(w.handle, nil)
		}
		if c.buf == nil {
			return result, true, true
		}
		popped := c.popLocked()
		c.pushLocked(result)
		return popped, true, true
	}
	if !c.emptyLocked() {
		return c.popLocked(), true, true
	}
	if c.closed {
		var zero T
		return zero, false, true
	}
	var zero T
	return zero, false, false
}

func (c *Channel[T]) noBuffer() bool { return c.buf == nil }

func (c *Channel[T]) emptyLocked() bool {
	if c.noBuffer() {
		return true
	}
	return c.size == 0
}

func (c *Channel[T]) fullLocked() bool {
	if c.noBuffer() {
		return true
	}
	return c.size == c.buf.Len()
}

func (c *Channel[T]) pushLocked(item T) {
	it, _ := c.buf.Get(c.tail & c.mask)
	*it.Pointer() = item
	c.tail++
	c.size++
}

func (c *Channel[T]) popLocked() T {
	it, _ := c.buf.Get(c.head & c.mask)
	v := it.Value()
	var zero T
	*it.Pointer() = zero
	c.head++
	c.size--
	return v
}
