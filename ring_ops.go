//go:build linux

package kestrel

import (
	"syscall"
	"unsafe"

	"github.com/kestrelio/kestrel/internal/sys"
)

// AcquireSQE returns a fresh submission slot, submitting already-queued SQEs
// and retrying if the submission queue is full. It never returns a nil slot
// on success; it blocks (via Submit + a short retry loop) until space opens
// up. This is the §4.1 acquire_sqe contract: ring.GetSQE alone only returns
// nil on a full queue, callers that need the "never nil" guarantee should
// use this instead.
func (r *Ring) AcquireSQE() (*sys.SQE, error) {
	for {
		if sqe := r.GetSQE(); sqe != nil {
			return sqe, nil
		}
		if _, err := r.Submit(); err != nil {
			return nil, err
		}
		if sqe := r.GetSQE(); sqe != nil {
			return sqe, nil
		}
		// Still full after a flush: an SQPOLL kernel thread has not yet
		// consumed the queued entries. Wait for SQ space before retrying.
		if _, err := sys.Enter(r.fd, 0, 0, sys.IORING_ENTER_SQ_WAIT, nil); err != nil && err != syscall.EINTR {
			return nil, err
		}
	}
}

// ReserveSpace guarantees n contiguous SQE slots are available before
// returning, submitting whatever is already queued if necessary. Link
// chains (await.Link / await.HardLink) call this before acquiring any SQE
// in the chain so the whole chain enters the kernel as one contiguous
// submission (§4.4).
func (r *Ring) ReserveSpace(n uint32) error {
	if n > r.SQEntries() {
		return ErrSQFull
	}
	for r.SQSpace() < n {
		if _, err := r.Submit(); err != nil {
			return err
		}
		if r.SQSpace() >= n {
			return nil
		}
		if _, err := sys.Enter(r.fd, 0, 0, sys.IORING_ENTER_SQ_WAIT, nil); err != nil && err != syscall.EINTR {
			return err
		}
	}
	return nil
}

// Reap drains whatever completions are already available, invoking cb on
// each and acknowledging them in one batch (§4.1 reap).
func (r *Ring) Reap(cb func(userData uint64, res int32, flags uint32)) int {
	return r.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
		cb(userData, res, flags)
		return true
	})
}

// ReapWait blocks for at least one completion, retrying transparently on
// EINTR, then drains everything else already pending (§4.1 reap_wait).
func (r *Ring) ReapWait(cb func(userData uint64, res int32, flags uint32)) (int, error) {
	for {
		_, _, _, err := r.WaitCQE()
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return r.Reap(cb), nil
	}
}

// EnableRings lifts IORING_SETUP_R_DISABLED, allowing the kernel to start
// processing submissions. Runtimes built with WithFlags(sys.IORING_SETUP_R_DISABLED)
// must call this exactly once before their first Submit.
func (r *Ring) EnableRings() error {
	return sys.Register(r.fd, sys.IORING_REGISTER_ENABLE_RINGS, nil, 0)
}

// RegisterRingFd registers this ring's own fd with the kernel so later
// io_uring_enter calls can reference it via IORING_ENTER_REGISTERED_RING,
// skipping an fd table lookup per call.
func (r *Ring) RegisterRingFd() error {
	upd := sys.RsrcUpdate{
		Offset: 0xffffffff, // auto-allocate a registered-ring slot
		Data:   uint64(r.fd),
	}
	return sys.Register(r.fd, sys.IORING_REGISTER_RING_FDS, unsafe.Pointer(&upd), 1)
}
