package work

import "syscall"

// CQE is the subset of a completion queue entry a finish handle needs to
// process itself; it decouples this package from the ring's own CQE type.
type CQE struct {
	Res   int32
	Flags uint32
}

const (
	cqeFMore  uint32 = 1 << 1
	cqeFNotif uint32 = 1 << 3
)

// Action tells the runtime what to do after a finish handle has processed
// one CQE: whether to enqueue the attached invoker as runnable work, and
// whether the op is done (so the runtime can stop tracking it).
type Action struct {
	QueueWork bool
	OpFinish  bool
}

// Invoker is anything that can be resumed once an operation's finish
// handle decides the attached work should run. Concrete implementations
// live in package await and package task.
type Invoker interface {
	Invoke()
}

// FinishHandle is the per-operation completion record an SQE's user_data
// points at. The zero value is not ready for use; call NewFinishHandle.
//
// A *FinishHandle is always passed around as a pointer and its address is
// exactly what gets folded into the SQE's user_data with Encode, so it
// must never be copied after Encode has captured its address.
type FinishHandle struct {
	// HandleCQE processes one CQE addressed to this handle. The default
	// set by NewFinishHandle records Result/Flags and finishes the op;
	// the wrapper handles below (MultiShotHandle, ZeroCopyHandle,
	// SelectBufferHandle and their combinations) replace it with their
	// own multishot/zero-copy/select-buffer logic.
	HandleCQE func(cqe CQE) Action

	Result  int32
	Flags   uint32
	Invoker Invoker

	// PostInvoke runs after the invoker resumes, if set. It exists so
	// wrappers like ZeroCopyHandle can hook the resume point without
	// needing Invoke to be virtual — a decoded user_data pointer is
	// always a bare *FinishHandle, never the wrapper that built it.
	PostInvoke func()

	// Next links this handle into the runtime's intrusive work queue.
	// It is only ever touched by the scheduler, never by this package.
	Next *FinishHandle
}

// NewFinishHandle returns a handle ready to receive exactly one CQE.
func NewFinishHandle() *FinishHandle {
	h := &FinishHandle{Result: -int32(syscall.ENOTRECOVERABLE)}
	h.HandleCQE = h.handleCQEBase
	return h
}

func (h *FinishHandle) handleCQEBase(cqe CQE) Action {
	h.Result = cqe.Res
	h.Flags = cqe.Flags
	return Action{QueueWork: true, OpFinish: true}
}

// Invoke resumes whatever is waiting on this handle. Panics if no invoker
// has been set, matching the assert in the original's invoke().
func (h *FinishHandle) Invoke() {
	if h.Invoker == nil {
		panic("work: FinishHandle.Invoke called with no invoker set")
	}
	h.Invoker.Invoke()
	if h.PostInvoke != nil {
		h.PostInvoke()
	}
}

// MultiShotHandle wraps a base FinishHandle so every CQE carrying
// IORING_CQE_F_MORE is delivered to onResult instead of finishing the op;
// only the terminal CQE (no F_MORE) completes it.
type MultiShotHandle struct {
	*FinishHandle
	onResult func(res int32)
}

// NewMultiShotHandle builds a multishot wrapper around a fresh base
// handle, invoking onResult for every intermediate completion.
func NewMultiShotHandle(onResult func(res int32)) *MultiShotHandle {
	m := &MultiShotHandle{FinishHandle: NewFinishHandle(), onResult: onResult}
	m.HandleCQE = m.handleCQE
	return m
}

func (m *MultiShotHandle) handleCQE(cqe CQE) Action {
	if cqe.Flags&cqeFMore != 0 {
		m.Result = cqe.Res
		m.Flags = cqe.Flags
		m.onResult(cqe.Res)
		return Action{QueueWork: false, OpFinish: false}
	}
	m.Result = cqe.Res
	m.Flags = cqe.Flags
	return Action{QueueWork: true, OpFinish: true}
}

// ZeroCopyHandle tracks the two-CQE completion sequence of a zero-copy
// send (IOSQE op completion, then a later IORING_CQE_F_NOTIF CQE once the
// kernel is done with the buffer). freeFunc only runs once both the
// awaiting coroutine has resumed and the notification has arrived,
// whichever happens last, matching the race the original guards against.
type ZeroCopyHandle struct {
	*FinishHandle
	freeFunc  func(res int32)
	notifyRes int32
	resumed   bool
	notified  bool
}

// NewZeroCopyHandle builds a zero-copy wrapper; freeFunc is invoked with
// the notification result once it is safe to reclaim the send buffer.
func NewZeroCopyHandle(freeFunc func(res int32)) *ZeroCopyHandle {
	z := &ZeroCopyHandle{
		FinishHandle: NewFinishHandle(),
		freeFunc:     freeFunc,
		notifyRes:    -int32(syscall.ENOTRECOVERABLE),
	}
	z.HandleCQE = z.handleCQE
	z.PostInvoke = z.afterInvoke
	return z
}

func (z *ZeroCopyHandle) handleCQE(cqe CQE) Action {
	if cqe.Flags&cqeFMore != 0 {
		z.Result = cqe.Res
		z.Flags = cqe.Flags
		return Action{QueueWork: true, OpFinish: false}
	}
	if cqe.Flags&cqeFNotif != 0 {
		z.notify(cqe.Res)
		return Action{QueueWork: false, OpFinish: true}
	}
	// A single CQE with neither flag: the send finished without a
	// separate notification. Rare, but possible on some kernels.
	z.notify(0)
	z.Result = cqe.Res
	z.Flags = cqe.Flags
	return Action{QueueWork: true, OpFinish: true}
}

// afterInvoke runs once the waiter has resumed, releasing the send buffer
// if the notification (possibly already arrived) makes that safe.
func (z *ZeroCopyHandle) afterInvoke() {
	z.resumed = true
	z.maybeFree()
}

func (z *ZeroCopyHandle) notify(res int32) {
	z.notifyRes = res
	z.notified = true
	z.maybeFree()
}

func (z *ZeroCopyHandle) maybeFree() {
	if z.resumed && z.notified {
		z.freeFunc(z.notifyRes)
	}
}

// SelectBufferResult pairs the raw op result with the buffer id the
// kernel selected, for a handle whose SQE carried IOSQE_BUFFER_SELECT.
type SelectBufferResult struct {
	Res      int32
	BufferID uint16
}

// SelectBufferHandle records the buffer id the kernel chose, found in
// the CQE flags' upper bits, alongside the normal result.
type SelectBufferHandle struct {
	*FinishHandle
}

// NewSelectBufferHandle builds a handle for an op using a provided-buffer
// group.
func NewSelectBufferHandle() *SelectBufferHandle {
	s := &SelectBufferHandle{FinishHandle: NewFinishHandle()}
	s.HandleCQE = s.handleCQE
	return s
}

func (s *SelectBufferHandle) handleCQE(cqe CQE) Action {
	s.Result = cqe.Res
	s.Flags = cqe.Flags
	return Action{QueueWork: true, OpFinish: true}
}

// ExtractResult reports the op result plus the buffer id the kernel
// selected, valid for IORING_CQE_F_BUFFER results only.
func (s *SelectBufferHandle) ExtractResult() SelectBufferResult {
	return SelectBufferResult{Res: s.Result, BufferID: uint16(s.Flags >> 16)}
}

// extractSelectBufferResult reads the buffer id a CQE's flags carry, the same bit layout SelectBufferHandle.ExtractResult decodes.
// Factored out so the combined handles below can offer the identical
// method without embedding SelectBufferHandle itself (which would pull
// in its own, incompatible HandleCQE).
func extractSelectBufferResult(res int32, flags uint32) SelectBufferResult {
	return SelectBufferResult{Res: res, BufferID: uint16(flags >> 16)}
}

// MultiShotSelectBufferHandle is the Go counterpart of the original's
// MultiShotSelectBufferOpFinishHandle: a multishot op (e.g. a multishot
// recv) whose every completion, intermediate or terminal, also carries a
// provided-buffer selection that must be decoded per-CQE rather than
// just once at the end. Plain MultiShotHandle only keeps the latest
// Result/Flags around for the awaiting coroutine to read after the
// final CQE, which loses every intermediate completion's buffer id;
// this variant hands each one to onResult as it arrives.
type MultiShotSelectBufferHandle struct {
	*FinishHandle
	onResult func(SelectBufferResult)
}

// NewMultiShotSelectBufferHandle builds a handle for a multishot op
// reading from a provided-buffer group, invoking onResult once per CQE
// (both IORING_CQE_F_MORE intermediates and the terminal completion)
// with the result and buffer id the kernel selected for that CQE.
func NewMultiShotSelectBufferHandle(onResult func(SelectBufferResult)) *MultiShotSelectBufferHandle {
	m := &MultiShotSelectBufferHandle{FinishHandle: NewFinishHandle(), onResult: onResult}
	m.HandleCQE = m.handleCQE
	return m
}

func (m *MultiShotSelectBufferHandle) handleCQE(cqe CQE) Action {
	m.Result = cqe.Res
	m.Flags = cqe.Flags
	m.onResult(extractSelectBufferResult(cqe.Res, cqe.Flags))
	if cqe.Flags&cqeFMore != 0 {
		return Action{QueueWork: false, OpFinish: false}
	}
	return Action{QueueWork: true, OpFinish: true}
}

// ExtractResult reports the most recent CQE's result and buffer id,
// mirroring SelectBufferHandle.ExtractResult for callers that only care
// about the terminal completion.
func (m *MultiShotSelectBufferHandle) ExtractResult() SelectBufferResult {
	return extractSelectBufferResult(m.Result, m.Flags)
}

// ZeroCopySelectBufferHandle combines ZeroCopyHandle's two-CQE
// send-completion/notification sequencing with SelectBufferHandle's
// buffer-id decoding, the original's zero-copy analogue of
// MultiShotSelectBufferOpFinishHandle (a zero-copy send reading its
// payload out of a provided-buffer group rather than a caller buffer).
type ZeroCopySelectBufferHandle struct {
	*FinishHandle
	freeFunc  func(res int32)
	notifyRes int32
	resumed   bool
	notified  bool
}

// NewZeroCopySelectBufferHandle builds a zero-copy + select-buffer
// wrapper; freeFunc runs once both the waiter has resumed and the
// notification CQE has arrived, exactly as NewZeroCopyHandle's does.
func NewZeroCopySelectBufferHandle(freeFunc func(res int32)) *ZeroCopySelectBufferHandle {
	z := &ZeroCopySelectBufferHandle{
		FinishHandle: NewFinishHandle(),
		freeFunc:     freeFunc,
		notifyRes:    -int32(syscall.ENOTRECOVERABLE),
	}
	z.HandleCQE = z.handleCQE
	z.PostInvoke = z.afterInvoke
	return z
}

func (z *ZeroCopySelectBufferHandle) handleCQE(cqe CQE) Action {
	if cqe.Flags&cqeFMore != 0 {
		z.Result = cqe.Res
		z.Flags = cqe.Flags
		return Action{QueueWork: true, OpFinish: false}
	}
	if cqe.Flags&cqeFNotif != 0 {
		z.notify(cqe.Res)
		return Action{QueueWork: false, OpFinish: true}
	}
	z.notify(0)
	z.Result = cqe.Res
	z.Flags = cqe.Flags
	return Action{QueueWork: true, OpFinish: true}
}

func (z *ZeroCopySelectBufferHandle) afterInvoke() {
	z.resumed = true
	z.maybeFree()
}

func (z *ZeroCopySelectBufferHandle) notify(res int32) {
	z.notifyRes = res
	z.notified = true
	z.maybeFree()
}

func (z *ZeroCopySelectBufferHandle) maybeFree() {
	if z.resumed && z.notified {
		z.freeFunc(z.notifyRes)
	}
}

// ExtractResult reports the send result plus the buffer id the kernel
// selected for the payload, read from the op-completion CQE (not the
// later notification CQE, which carries no buffer selection).
func (z *ZeroCopySelectBufferHandle) ExtractResult() SelectBufferResult {
	return extractSelectBufferResult(z.Result, z.Flags)
}
