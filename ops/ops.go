// Package ops is the set of syscall wrapper functions a coroutine calls
// to do actual I/O: each one fills and submits exactly one SQE and
// returns an *await.Op the caller awaits through a task.Context (§6.2 of
// the external interface). They are intentionally thin — all of the
// reusable plumbing (SQE acquisition, user_data tagging, finish handle
// wiring) lives in package await and package runtime; this package only
// knows how to fill in one opcode's fields, the same division the
// teacher's own PrepXxx methods draw between "acquire a slot" and "fill
// it in for this opcode".
package ops

import (
	"syscall"
	"unsafe"

	"github.com/kestrelio/kestrel"
	"github.com/kestrelio/kestrel/await"
	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/internal/work"
	"github.com/kestrelio/kestrel/runtime"
)

// newOp builds an *await.Op around fill, wiring PendWork bookkeeping to
// match the single decrement Runtime.processCQE issues for a Common-
// tagged completion.
func newOp(rt *runtime.Runtime, fill func(ring *kestrel.Ring, sqe *sys.SQE)) *await.Op {
	rt.PendWork()
	return await.NewOp(func(h *work.FinishHandle) *sys.SQE {
		ring := rt.Ring()
		sqe, err := ring.AcquireSQE()
		if err != nil {
			panic("ops: acquire sqe: " + err.Error())
		}
		fill(ring, sqe)
		sqe.UserData = work.EncodeUserData(unsafe.Pointer(h), work.Common)
		return sqe
	})
}

// Read issues an async read of len(buf) bytes from fd at offset.
func Read(rt *runtime.Runtime, fd int, buf []byte, offset uint64) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_READ)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.Off = offset
	})
}

// Write issues an async write of buf to fd at offset.
func Write(rt *runtime.Runtime, fd int, buf []byte, offset uint64) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_WRITE)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.Off = offset
	})
}

// Splice moves n bytes from fdIn to fdOut entirely inside the kernel,
// without ever copying through userspace. offIn/offOut of -1 mean "use
// the file's current position" (only valid for pipes on one side).
func Splice(rt *runtime.Runtime, fdIn int, offIn int64, fdOut int, offOut int64, n uint32, flags uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_SPLICE)
		sqe.Fd = int32(fdOut)
		sqe.SpliceFdIn = int32(fdIn)
		sqe.Off = uint64(offOut)
		sqe.SetSpliceOffIn(uint64(offIn))
		sqe.Len = n
		sqe.OpFlags = flags
	})
}

// Recv issues an async recv of up to len(buf) bytes from fd.
func Recv(rt *runtime.Runtime, fd int, buf []byte, flags int32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_RECV)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.OpFlags = uint32(flags)
	})
}

// Send issues an async send of buf to fd.
func Send(rt *runtime.Runtime, fd int, buf []byte, flags int32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_SEND)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.OpFlags = uint32(flags)
	})
}

// bufferGroup is the subset of bufpool.Group RecvSelect needs, kept
// local so this package doesn't import bufpool just for one method.
type bufferGroup interface {
	GroupID() uint16
}

// RecvSelect issues an async recv on fd without a caller-supplied
// buffer: the SQE carries IOSQE_BUFFER_SELECT against group's id, and
// the kernel picks which registered buffer to write into. Once
// c.Await(op) returns, pass the returned handle's Result/Flags straight
// to the buffer group's Buffer method (Pool.Buffer/Queue.Buffer) to get
// the actual bytes back.
func RecvSelect(rt *runtime.Runtime, fd int, group bufferGroup, flags int32) (*await.Op, *work.SelectBufferHandle) {
	rt.PendWork()
	h := work.NewSelectBufferHandle()
	op := await.NewOpFromHandle(h.FinishHandle, func(hh *work.FinishHandle) *sys.SQE {
		ring := rt.Ring()
		sqe, err := ring.AcquireSQE()
		if err != nil {
			panic("ops: acquire sqe: " + err.Error())
		}
		sqe.Opcode = uint8(sys.IORING_OP_RECV)
		sqe.Fd = int32(fd)
		sqe.OpFlags = uint32(flags)
		sqe.Flags |= sys.IOSQE_BUFFER_SELECT
		sqe.SetBufGroup(group.GroupID())
		sqe.UserData = work.EncodeUserData(unsafe.Pointer(hh), work.Common)
		return sqe
	})
	return op, h
}

// RecvMultishotSelect issues a multishot recv on fd against a
// provided-buffer group: the kernel keeps the SQE alive across many
// completions, picking a fresh buffer out of group for each one, until
// either the caller cancels it or the kernel stops it for a reason
// carried in the terminal CQE (peer shutdown, out of buffers, error).
// onResult is called once per CQE — including every intermediate one —
// with the result and buffer id the kernel selected for it; the
// returned handle only ever reflects the terminal completion once
// c.Await(op) returns. This is the combination spec.md calls out
// explicitly (multishot+selectbuffer) that RecvSelect alone can't
// express, since RecvSelect's SQE never sets IORING_RECV_MULTISHOT.
func RecvMultishotSelect(rt *runtime.Runtime, fd int, group bufferGroup, flags int32, onResult func(work.SelectBufferResult)) (*await.Op, *work.MultiShotSelectBufferHandle) {
	rt.PendWork()
	h := work.NewMultiShotSelectBufferHandle(onResult)
	op := await.NewOpFromHandle(h.FinishHandle, func(hh *work.FinishHandle) *sys.SQE {
		ring := rt.Ring()
		sqe, err := ring.AcquireSQE()
		if err != nil {
			panic("ops: acquire sqe: " + err.Error())
		}
		sqe.Opcode = uint8(sys.IORING_OP_RECV)
		sqe.Fd = int32(fd)
		sqe.OpFlags = uint32(flags)
		sqe.Flags |= sys.IOSQE_BUFFER_SELECT
		sqe.Ioprio = sys.IORING_RECV_MULTISHOT
		sqe.SetBufGroup(group.GroupID())
		sqe.UserData = work.EncodeUserData(unsafe.Pointer(hh), work.MultiShot)
		return sqe
	})
	return op, h
}

// Accept issues a single accept on fd; addr/addrLen may be nil when the
// peer address isn't needed.
func Accept(rt *runtime.Runtime, fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_ACCEPT)
		sqe.Fd = int32(fd)
		sqe.Addr = uint64(uintptr(addr))
		sqe.Off = uint64(uintptr(unsafe.Pointer(addrLen)))
		sqe.OpFlags = flags
	})
}

// MultiShotAccept repeatedly accepts connections on fd, invoking
// onAccept with the new fd for every CQE carrying IORING_CQE_F_MORE;
// the op only finishes (and its awaiter resumes) once the kernel stops
// setting F_MORE, e.g. because the listening socket was closed.
func MultiShotAccept(rt *runtime.Runtime, fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32, onAccept func(fd int)) *await.Op {
	rt.PendWork()
	h := work.NewMultiShotHandle(func(res int32) { onAccept(int(res)) })
	return await.NewOpFromHandle(h.FinishHandle, func(hh *work.FinishHandle) *sys.SQE {
		ring := rt.Ring()
		sqe, err := ring.AcquireSQE()
		if err != nil {
			panic("ops: acquire sqe: " + err.Error())
		}
		sqe.Opcode = uint8(sys.IORING_OP_ACCEPT)
		sqe.Fd = int32(fd)
		sqe.Addr = uint64(uintptr(addr))
		sqe.Off = uint64(uintptr(unsafe.Pointer(addrLen)))
		sqe.OpFlags = flags
		sqe.Ioprio = uint16(sys.IORING_ACCEPT_MULTISHOT)
		sqe.UserData = work.EncodeUserData(unsafe.Pointer(hh), work.MultiShot)
		return sqe
	})
}

// Timeout suspends for ts, or until count other operations complete,
// whichever comes first (flags carries IORING_TIMEOUT_ABS and friends).
// ts must stay valid until the operation completes.
func Timeout(rt *runtime.Runtime, ts *sys.Timespec, count uint64, flags uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_TIMEOUT)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(ts)))
		sqe.Len = 1
		sqe.Off = count
		sqe.OpFlags = flags
	})
}

// Openat opens path relative to dfd (syscall.AT_FDCWD for the process's
// cwd). path must be a NUL-terminated byte slice that outlives the op.
func Openat(rt *runtime.Runtime, dfd int, path *byte, flags int, mode uint32) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_OPENAT)
		sqe.Fd = int32(dfd)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(path)))
		sqe.OpFlags = uint32(flags)
		sqe.Len = mode
	})
}

// Close closes fd asynchronously.
func Close(rt *runtime.Runtime, fd int) *await.Op {
	return newOp(rt, func(_ *kestrel.Ring, sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_CLOSE)
		sqe.Fd = int32(fd)
	})
}

// OpenatPath is a convenience over Openat for callers holding a Go
// string rather than an already NUL-terminated buffer.
func OpenatPath(rt *runtime.Runtime, dfd int, path string, flags int, mode uint32) *await.Op {
	b, err := syscall.BytePtrFromString(path)
	if err != nil {
		panic("ops: path contains a NUL byte: " + path)
	}
	return Openat(rt, dfd, b, flags, mode)
}
