// Package await adapts a single io_uring operation, or a composite group
// of them, into something a goroutine can block on. There is no native
// coroutine suspension point in Go, so the adaptation is a rendezvous: a
// Scheduler (implemented by package runtime) registers itself as the
// finish handle's invoker and parks the calling goroutine until the
// event loop calls Invoke on it.
package await

import (
	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/internal/work"
)

// Scheduler is the suspend hook every Awaiter needs. A Runtime satisfies
// this without await ever importing package runtime, which would
// otherwise cycle back through task and pipe.
type Scheduler interface {
	// Suspend attaches the calling goroutine as h's invoker, hands
	// execution back to the event loop, and blocks until h.Invoke() is
	// called — i.e. until the operation h represents has completed.
	Suspend(h *work.FinishHandle)
}

// Op is the single-operation awaiter (§4.3/§4.4): prep fills and submits
// exactly one SQE tagged with this op's finish handle.
type Op struct {
	handle    *work.FinishHandle
	prep      func(h *work.FinishHandle) *sys.SQE
	sqe       *sys.SQE
	submitted bool
}

// NewOp builds an awaiter around prep, which must acquire an SQE, fill it
// in, tag its user_data with the handle it is given, and return it.
func NewOp(prep func(h *work.FinishHandle) *sys.SQE) *Op {
	return &Op{handle: work.NewFinishHandle(), prep: prep}
}

// NewOpFromHandle is NewOp for callers that already built a specialised
// handle — MultiShotHandle, ZeroCopyHandle, SelectBufferHandle — and need
// the *Op wrapper to address that handle's embedded FinishHandle rather
// than a plain one.
func NewOpFromHandle(h *work.FinishHandle, prep func(h *work.FinishHandle) *sys.SQE) *Op {
	return &Op{handle: h, prep: prep}
}

// Handle exposes the underlying finish handle, mainly so composite
// awaiters can wire it into a parent handle before submission.
func (o *Op) Handle() *work.FinishHandle { return o.handle }

// submit runs prep exactly once, caching the SQE it produced so combinator
// awaiters can still adjust flags (IOSQE_IO_LINK and friends) before the
// batch is actually entered.
func (o *Op) submit() *sys.SQE {
	if !o.submitted {
		o.sqe = o.prep(o.handle)
		o.submitted = true
	}
	return o.sqe
}

// Await submits the op if it hasn't been already, then blocks the calling
// goroutine until the kernel completes it, returning the raw result
// (bytes transferred, or a negative errno).
func (o *Op) Await(sched Scheduler) int32 {
	o.submit()
	sched.Suspend(o.handle)
	return o.handle.Result
}

// Cancel issues IORING_OP_ASYNC_CANCEL against this op's user_data. The
// cancellation SQE itself is fire-and-forget (IOSQE_CQE_SKIP_SUCCESS,
// tagged Ignore), matching OpFinishHandle::cancel in the original.
func (o *Op) Cancel(acquire func() (*sys.SQE, error), tagIgnore func(sqe *sys.SQE)) error {
	sqe, err := acquire()
	if err != nil {
		return err
	}
	sqe.Opcode = uint8(sys.IORING_OP_ASYNC_CANCEL)
	sqe.Addr = uint64(uintptrOf(o.handle))
	sqe.Flags |= sys.IOSQE_CQE_SKIP_SUCCESS
	tagIgnore(sqe)
	return nil
}
