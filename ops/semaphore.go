package ops

import (
	"sync/atomic"

	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

// maxSpinRetries bounds how many times Acquire spins on the atomic
// counter before falling back to FutexWait, trading a little CPU for
// avoiding a syscall under light contention.
const maxSpinRetries = 32

// Semaphore is a user-space counting semaphore built entirely out of
// async_futex_wait/async_futex_wake (§6.2), the supplemented feature
// condy ships as examples/futex-semaphore.cpp: a plain atomic counter
// for the fast, uncontended path, and the kernel's futex wait queue for
// the slow path instead of a second lock.
type Semaphore struct {
	rt    *runtime.Runtime
	count uint32
}

// NewSemaphore builds a semaphore starting at initial permits.
func NewSemaphore(rt *runtime.Runtime, initial uint32) *Semaphore {
	return &Semaphore{rt: rt, count: initial}
}

// Acquire blocks the calling coroutine until a permit is available.
func (s *Semaphore) Acquire(c *task.Context) {
	for {
		var cur uint32
		acquired := false
		for retries := 0; retries < maxSpinRetries; retries++ {
			cur = atomic.LoadUint32(&s.count)
			if cur > 0 && atomic.CompareAndSwapUint32(&s.count, cur, cur-1) {
				acquired = true
				break
			}
		}
		if acquired {
			return
		}
		op := FutexWait(s.rt, &s.count, uint64(cur), sys.FUTEX_BITSET_MATCH_ANY, sys.FUTEX2_SIZE_U32)
		c.Await(op)
	}
}

// Release returns n permits and wakes up to n waiters.
func (s *Semaphore) Release(c *task.Context, n uint32) {
	atomic.AddUint32(&s.count, n)
	op := FutexWake(s.rt, &s.count, uint64(n), sys.FUTEX_BITSET_MATCH_ANY, sys.FUTEX2_SIZE_U32)
	c.Await(op)
}
