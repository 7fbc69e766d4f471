//go:build linux

package ops

import (
	"sync"
	"testing"

	"github.com/kestrelio/kestrel/task"
)

func TestSemaphoreSerializesAccess(t *testing.T) {
	rt := newTestRuntime(t)
	sem := NewSemaphore(rt, 1)

	var mu sync.Mutex
	count := 0
	maxSeen := 0

	runUntilDone(t, rt, func(c *task.Context) {
		workers := make([]*task.Task[struct{}], 3)
		for i := range workers {
			workers[i] = task.Spawn(rt, func(c *task.Context) struct{} {
				sem.Acquire(c)
				mu.Lock()
				count++
				if count > maxSeen {
					maxSeen = count
				}
				mu.Unlock()

				mu.Lock()
				count--
				mu.Unlock()
				sem.Release(c, 1)
				return struct{}{}
			})
		}
		for _, w := range workers {
			w.Get(c)
		}
	})

	if maxSeen != 1 {
		t.Fatalf("maxSeen concurrent holders = %d, want 1", maxSeen)
	}
}
