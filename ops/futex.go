package ops

import (
	"unsafe"

	"github.com/kestrelio/kestrel"
	"github.com/kestrelio/kestrel/await"
	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/runtime"
)

// FutexWait suspends until *futex no longer holds val, or a wake
// targeting any bit in mask arrives (§6.2 async_futex_wait). futex must
// stay alive and unmoved until the op completes — it is typically a
// field inside a heap-allocated struct, never a stack local.
func FutexWait(rt *runtime.Runtime, futex *uint32, val uint64, mask uint64, futexFlags uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_FUTEX_WAIT)
		sqe.Fd = int32(futexFlags)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(futex)))
		sqe.Off = val
		sqe.Addr3 = mask
	})
}

// FutexWake wakes up to val waiters blocked on *futex whose wait mask
// intersects mask (§6.2 async_futex_wake).
func FutexWake(rt *runtime.Runtime, futex *uint32, val uint64, mask uint64, futexFlags uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_FUTEX_WAKE)
		sqe.Fd = int32(futexFlags)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(futex)))
		sqe.Off = val
		sqe.Addr3 = mask
	})
}
