//go:build linux

package kestrel

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/kestrelio/kestrel/internal/sys"
)

// FdTable is the sparse, 0-based index space of file descriptors a Ring has
// registered with the kernel (§4.1, §4.10). Entries can be updated in
// place and the whole table can be cloned into another Ring for fleet-wide
// registration.
type FdTable struct {
	mu       sync.Mutex
	ring     *Ring
	size     int
	accepter func(fd int)
}

func newFdTable(r *Ring) *FdTable {
	return &FdTable{ring: r}
}

// Init reserves size fixed-file slots, all initially empty (-1).
func (t *FdTable) Init(size int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]int32, size)
	for i := range fds {
		fds[i] = -1
	}
	if err := sys.RegisterFiles(t.ring.fd, fds); err != nil {
		return err
	}
	t.size = size
	return nil
}

// Update installs fds starting at offset; a value of -1 clears that slot.
func (t *FdTable) Update(offset int, fds []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset < 0 || offset+len(fds) > t.size {
		return fmt.Errorf("kestrel: fd table update out of range: offset=%d n=%d size=%d", offset, len(fds), t.size)
	}
	fds32 := make([]int32, len(fds))
	for i, fd := range fds {
		fds32[i] = int32(fd)
	}
	upd := sys.FilesUpdate{
		Offset: uint32(offset),
		Fds:    uint64(uintptr(unsafe.Pointer(&fds32[0]))),
	}
	return sys.Register(t.ring.fd, sys.IORING_REGISTER_FILES_UPDATE, unsafe.Pointer(&upd), 1)
}

// Size returns the number of slots reserved in this table.
func (t *FdTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// SetAccepter installs the callback invoked when another runtime sends a
// file descriptor across with the SendFd work tag (§4.6, §4.10) — the
// mechanism behind fleet-wide socket passing. Passing nil clears it.
func (t *FdTable) SetAccepter(fn func(fd int)) {
	t.mu.Lock()
	t.accepter = fn
	t.mu.Unlock()
}

// Accepter returns the currently installed accepter, or nil.
func (t *FdTable) Accepter() func(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepter
}

// CloneInto registers the same fixed-file slot count on another ring. It
// does not copy descriptor values — each ring must populate its own table
// via Update, since registered fds are process-local.
func (t *FdTable) CloneInto(other *Ring) error {
	t.mu.Lock()
	size := t.size
	t.mu.Unlock()
	if size == 0 {
		return nil
	}
	return other.FdTable().Init(size)
}

// BufferRange describes one entry of a BufferTable: a registered memory
// range the kernel may read/write directly (§4.1).
type BufferRange struct {
	Base []byte
}

// BufferTable is the sparse, 0-based index space of fixed buffers a Ring
// has registered with the kernel (§4.1, §4.10).
type BufferTable struct {
	mu    sync.Mutex
	ring  *Ring
	bufs  []BufferRange
	inUse bool
}

func newBufferTable(r *Ring) *BufferTable {
	return &BufferTable{ring: r}
}

// Init registers the given buffers as the fixed table, 0-indexed in order.
func (t *BufferTable) Init(bufs []BufferRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	iovecs := make([]syscall.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b.Base) > 0 {
			iovecs[i].Base = &b.Base[0]
			iovecs[i].SetLen(len(b.Base))
		}
	}
	if err := sys.RegisterBuffers(t.ring.fd, iovecs); err != nil {
		return err
	}
	t.bufs = append([]BufferRange(nil), bufs...)
	t.inUse = true
	return nil
}

// Update replaces the registered buffers in place via BUFFERS_UPDATE,
// starting at offset. Requires IORING_FEAT_RSRC_TAGS-era kernels; callers
// should check Ring.HasRsrcTags first.
func (t *BufferTable) Update(offset int, bufs []BufferRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset < 0 || offset+len(bufs) > len(t.bufs) {
		return fmt.Errorf("kestrel: buffer table update out of range: offset=%d n=%d size=%d", offset, len(bufs), len(t.bufs))
	}
	iovecs := make([]syscall.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b.Base) > 0 {
			iovecs[i].Base = &b.Base[0]
			iovecs[i].SetLen(len(b.Base))
		}
	}
	upd := sys.RsrcUpdate{
		Offset: uint32(offset),
		Nr:     uint32(len(bufs)),
		Data:   uint64(uintptr(unsafe.Pointer(&iovecs[0]))),
	}
	if err := sys.Register(t.ring.fd, sys.IORING_REGISTER_BUFFERS_UPDATE, unsafe.Pointer(&upd), 1); err != nil {
		return err
	}
	copy(t.bufs[offset:], bufs)
	return nil
}

// At returns the registered range at idx.
func (t *BufferTable) At(idx int) (BufferRange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.bufs) {
		return BufferRange{}, false
	}
	return t.bufs[idx], true
}

// Len returns the number of registered buffer slots.
func (t *BufferTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bufs)
}

// CloneInto registers the same buffer set on another ring, for fleet-wide
// fixed-buffer sharing (§4.1).
func (t *BufferTable) CloneInto(other *Ring) error {
	t.mu.Lock()
	bufs := append([]BufferRange(nil), t.bufs...)
	t.mu.Unlock()
	if len(bufs) == 0 {
		return nil
	}
	return other.BufferTable().Init(bufs)
}

// FdTable returns this ring's fixed-file table, creating it on first use.
func (r *Ring) FdTable() *FdTable {
	r.tablesOnce.Do(r.initTables)
	return r.fdTable
}

// BufferTable returns this ring's fixed-buffer table, creating it on first use.
func (r *Ring) BufferTable() *BufferTable {
	r.tablesOnce.Do(r.initTables)
	return r.bufferTable
}

func (r *Ring) initTables() {
	r.fdTable = newFdTable(r)
	r.bufferTable = newBufferTable(r)
}
