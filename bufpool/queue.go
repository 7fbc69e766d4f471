package bufpool

import (
	"fmt"
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"

	"github.com/kestrelio/kestrel"
)

// Queue is the variable-sized buffer-pool flavor (condy's plain
// BundledProvidedBufferQueue, as opposed to the fixed-slot Pool above):
// every pushed buffer can be any size and is individually
// mempool-allocated, useful for ops whose response size varies a lot
// (recv on a message-oriented socket) where a fixed slot size would
// either waste memory or truncate.
type Queue struct {
	mu   sync.Mutex
	br   *kestrel.BufRing
	next uint16
	live map[uint16][]byte
}

// NewQueue registers an empty queue of up to capacity outstanding
// buffers under gid on ring.
func NewQueue(ring *kestrel.Ring, gid uint16, capacity uint16) (*Queue, error) {
	br, err := kestrel.NewBufRing(ring, gid, capacity)
	if err != nil {
		return nil, fmt.Errorf("bufpool: %w", err)
	}
	return &Queue{br: br, live: make(map[uint16][]byte)}, nil
}

// GroupID returns the buffer-group id to tag an IOSQE_BUFFER_SELECT SQE
// with.
func (q *Queue) GroupID() uint16 { return q.br.GroupID() }

// Capacity returns the maximum number of outstanding buffers.
func (q *Queue) Capacity() uint16 { return q.br.Capacity() }

// Add allocates a size-byte buffer and makes it available to the
// kernel, returning the bid it was queued under.
func (q *Queue) Add(size int) (uint16, error) {
	buf := mempool.Malloc(size)
	q.mu.Lock()
	bid := q.next
	q.next++
	q.live[bid] = buf
	q.mu.Unlock()
	if err := q.br.Push(bid, buf); err != nil {
		q.mu.Lock()
		delete(q.live, bid)
		q.mu.Unlock()
		mempool.Free(buf)
		return 0, err
	}
	return bid, nil
}

// Buffer returns the n valid bytes of the buffer the kernel selected
// for a completed op, along with its bid.
func (q *Queue) Buffer(res int32, flags uint32) (buf []byte, bid uint16, ok bool) {
	bid, ok = q.br.Reclaim(res, flags)
	if !ok {
		return nil, 0, false
	}
	q.mu.Lock()
	full := q.live[bid]
	q.mu.Unlock()
	n := int(res)
	if n > len(full) {
		n = len(full)
	}
	return full[:n], bid, true
}

// Release frees the buffer behind bid permanently — unlike Pool, a
// Queue buffer is never requeued automatically since its next use may
// need a different size; call Add again to queue a fresh one.
func (q *Queue) Release(bid uint16) {
	q.mu.Lock()
	buf := q.live[bid]
	delete(q.live, bid)
	q.mu.Unlock()
	if buf != nil {
		mempool.Free(buf)
	}
}

// Close unregisters the queue's buffer ring and frees every buffer
// still live within it.
func (q *Queue) Close() error {
	err := q.br.Close()
	q.mu.Lock()
	for bid, buf := range q.live {
		mempool.Free(buf)
		delete(q.live, bid)
	}
	q.mu.Unlock()
	return err
}
