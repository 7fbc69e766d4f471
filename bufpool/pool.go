// Package bufpool implements provided-buffer pools backed by an
// io_uring PBUF_RING (§4.10 supplement, condy's provided_buffers.hpp):
// a group of pre-registered buffers the kernel chooses from for any op
// whose SQE carries IOSQE_BUFFER_SELECT, so a coroutine blocked on a
// recv never has to guess a buffer size up front, and the kernel never
// copies into a buffer nobody picked.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"

	"github.com/kestrelio/kestrel"
)

// Group is the surface the ops package needs from either buffer-pool
// flavor: a group id to tag SQEs with, and a way to return a consumed
// buffer once the awaiting coroutine is done with it.
type Group interface {
	GroupID() uint16
	Release(bid uint16)
}

// Pool is a fixed-size buffer pool (condy::BundledProvidedBufferPool):
// every slot is bufSize bytes, carved out of one mempool.Malloc arena,
// and bid is simply the slot's index into that arena.
type Pool struct {
	mu      sync.Mutex
	br      *kestrel.BufRing
	arena   []byte
	bufSize int
	slots   [][]byte
}

// NewPool registers a pool of bufSize-byte buffers under gid on ring. The
// buffer count is the ring's capacity: numBuffers rounded up to a power
// of two by NewBufRing.
func NewPool(ring *kestrel.Ring, gid uint16, numBuffers uint16, bufSize int) (*Pool, error) {
	br, err := kestrel.NewBufRing(ring, gid, numBuffers)
	if err != nil {
		return nil, fmt.Errorf("bufpool: %w", err)
	}
	capacity := br.Capacity()
	arena := mempool.Malloc(int(capacity) * bufSize)

	p := &Pool{br: br, arena: arena, bufSize: bufSize}
	p.slots = make([][]byte, capacity)
	for i := uint16(0); i < capacity; i++ {
		slot := arena[int(i)*bufSize : int(i+1)*bufSize]
		p.slots[i] = slot
		if err := br.Push(i, slot); err != nil {
			mempool.Free(arena)
			return nil, fmt.Errorf("bufpool: seed slot %d: %w", i, err)
		}
	}
	return p, nil
}

// GroupID returns the buffer-group id to tag an IOSQE_BUFFER_SELECT SQE
// with.
func (p *Pool) GroupID() uint16 { return p.br.GroupID() }

// Buffer returns the n valid bytes of the slot the kernel selected for
// a completed op, given the op's raw (res, flags), along with the bid
// to pass back to Release once the caller is done reading it.
func (p *Pool) Buffer(res int32, flags uint32) (buf []byte, bid uint16, ok bool) {
	bid, ok = p.br.Reclaim(res, flags)
	if !ok {
		return nil, 0, false
	}
	p.mu.Lock()
	slot := p.slots[bid]
	p.mu.Unlock()
	n := int(res)
	if n > len(slot) {
		n = len(slot)
	}
	return slot[:n], bid, true
}

// Release returns buffer bid to the ring, making it eligible for the
// kernel to pick again. The bid matches whatever Buffer's companion
// Reclaim call reported.
func (p *Pool) Release(bid uint16) {
	p.mu.Lock()
	slot := p.slots[bid]
	p.mu.Unlock()
	p.br.Push(bid, slot)
}

// Close unregisters the pool's buffer ring and frees its arena.
func (p *Pool) Close() error {
	err := p.br.Close()
	mempool.Free(p.arena)
	return err
}
