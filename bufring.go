//go:build linux

package kestrel

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/kestrelio/kestrel/internal/sys"
)

// bufRingEntrySize is sizeof(io_uring_buf): an 8-byte addr, 4-byte len,
// 2-byte bid, 2-byte resv — the same 16 bytes the ring's header
// (BufRing.Tail at the last two bytes) overlays onto slot 0.
const bufRingEntrySize = 16

// BufRing is a provided-buffer ring registered via IORING_REGISTER_PBUF_RING
// (§4.1/§4.10 supplement): instead of a coroutine picking a buffer size
// before issuing a recv, it tags the SQE IOSQE_BUFFER_SELECT against this
// ring's group id and the kernel picks one of the buffers queued here,
// reporting which in the CQE's upper flag bits (work.SelectBufferHandle).
type BufRing struct {
	mu   sync.Mutex
	fd   int
	gid  uint16
	mask uint16
	mem  []byte
	tail uint16
	size uint16
}

// NewBufRing mmaps and registers a provided-buffer ring of capacity
// entries (rounded up to a power of two) under gid on ring.
func NewBufRing(ring *Ring, gid uint16, capacity uint16) (*BufRing, error) {
	capacity = uint16(bitCeilU32(uint32(capacity)))
	size := int(capacity) * bufRingEntrySize
	mem, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANONYMOUS|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("kestrel: bufring mmap: %w", err)
	}

	setup := &sys.BufRingSetup{
		RingAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Nentries: capacity,
		BGid:     gid,
	}
	if err := sys.RegisterPBufRing(ring.fd, setup); err != nil {
		syscall.Munmap(mem)
		return nil, fmt.Errorf("kestrel: register pbuf ring: %w", err)
	}

	return &BufRing{fd: ring.fd, gid: gid, mask: capacity - 1, mem: mem}, nil
}

func bitCeilU32(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	k := uint32(1)
	for k < n {
		k <<= 1
	}
	return k
}

func (br *BufRing) bufAt(i uint16) *sys.Buf {
	off := uintptr(i) * bufRingEntrySize
	return (*sys.Buf)(unsafe.Pointer(&br.mem[off]))
}

// GroupID returns the bgid to set on an SQE's buf_group field alongside
// IOSQE_BUFFER_SELECT.
func (br *BufRing) GroupID() uint16 { return br.gid }

// Capacity returns the number of entries this ring holds.
func (br *BufRing) Capacity() uint16 { return br.mask + 1 }

// Push makes buf available to the kernel under the caller-chosen bid,
// which is returned verbatim in a completion's CQE flags once the
// kernel selects it. Callers that need a stable bid-to-memory mapping
// (bufpool.Pool) always push the same bid back for the same backing
// slice; the ring itself imposes no such requirement.
func (br *BufRing) Push(bid uint16, buf []byte) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.size >= br.Capacity() {
		return fmt.Errorf("kestrel: bufring capacity exceeded")
	}
	b := br.bufAt(br.tail & br.mask)
	b.Addr = 0
	if len(buf) > 0 {
		b.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	b.Len = uint32(len(buf))
	b.Bid = bid
	b.Resv = 0
	br.tail++
	br.size++
	// The kernel only ever reads tail after an io_uring_enter, which is
	// itself a syscall and therefore a full barrier; no atomic store is
	// needed for the write above to be visible in time.
	*(*uint16)(unsafe.Pointer(&br.mem[14])) = br.tail
	return nil
}

// Reclaim decodes a completion's chosen buffer id from its CQE flags and
// accounts for one buffer leaving the ring. Returns ok=false if res was
// negative (no buffer was ever selected).
func (br *BufRing) Reclaim(res int32, flags uint32) (bid uint16, ok bool) {
	if res < 0 {
		return 0, false
	}
	br.mu.Lock()
	if br.size > 0 {
		br.size--
	}
	br.mu.Unlock()
	return uint16(flags >> 16), true
}

// Close unregisters the ring and releases its backing memory.
func (br *BufRing) Close() error {
	if err := sys.UnregisterPBufRing(br.fd, br.gid); err != nil {
		return err
	}
	return syscall.Munmap(br.mem)
}
