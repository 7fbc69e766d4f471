// Package runtime implements the single-threaded io_uring event loop:
// submit work, block for completions, dispatch each one to whatever
// goroutine (or plain callback) is waiting on it, repeat until there is
// nothing left pending. It is the Go counterpart of condy::Runtime,
// re-architected around a goroutine rendezvous instead of C++ stackless
// coroutines — see await.Scheduler for the suspend/resume contract a
// Runtime provides, and RunOnToken for how a coroutine is first handed
// the execution token.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/kestrelio/kestrel"
	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/internal/work"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateEnabled
	stateStopped
)

// Runtime owns one io_uring instance and runs it on whatever goroutine
// calls Run. Every other method is safe to call from any goroutine;
// Run itself must only ever be called once, from the goroutine that will
// become "the" event loop goroutine for this Runtime's lifetime.
//
// Exactly one goroutine is ever doing work for a given Runtime at a time:
// the event loop goroutine itself, or a coroutine it has handed the
// execution token to via RunOnToken/Suspend's resumeSignal. Whichever
// side handed off the token immediately blocks waiting to get it back,
// so two goroutines belonging to the same Runtime never run
// concurrently — the single-threaded-cooperative invariant the original
// gets for free from stackless coroutines, reconstructed here on top of
// real goroutines and channels.
type Runtime struct {
	ring *kestrel.Ring

	mu         sync.Mutex
	globalHead *work.FinishHandle
	globalTail *work.FinishHandle

	localHead *work.FinishHandle
	localTail *work.FinishHandle

	pendingWorks atomic.Int64
	st           atomic.Int32

	tickCount     uint64
	eventInterval uint64

	notifier notifier

	pool   *gopool.GoPool
	logger *log.Logger

	disableRegisterRingFd bool

	// activeYield is the channel whoever currently holds the execution
	// token will close to hand it back. It is only ever touched while
	// holding the token (or, for its very first value, by whichever
	// goroutine is about to hand the token away), so it needs no lock.
	activeYield chan struct{}
}

var errAlreadyRunning = errors.New("runtime: already running or stopped")

// New builds a Runtime and its ring, applying opts over sensible
// defaults (§4.6, §9 RuntimeOptions). The ring starts in the
// IORING_SETUP_R_DISABLED state; Run enables it.
func New(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	ringOpts := []kestrel.Option{kestrel.WithFlags(o.setupFlags())}
	if o.cqSize != 0 {
		ringOpts = append(ringOpts, kestrel.WithCQSize(o.cqSize))
	}
	if o.enableSQPoll {
		ringOpts = append(ringOpts, kestrel.WithSQPollIdle(o.sqpollIdleMS))
	}
	if o.sqpollCPUSet {
		ringOpts = append(ringOpts, kestrel.WithSQPollCPU(o.sqpollCPU))
	}

	ring, err := kestrel.New(o.sqSize, ringOpts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: ring setup: %w", err)
	}

	r := &Runtime{
		ring:                  ring,
		eventInterval:         o.eventInterval,
		disableRegisterRingFd: o.disableRegisterRingFd,
		pool:                  gopool.NewGoPool("kestrel-runtime", nil),
		logger:                log.Default().With("component", "runtime"),
	}
	r.pendingWorks.Store(1)
	r.pool.SetPanicHandler(func(ctx context.Context, rec interface{}) {
		r.logger.Error("task panicked", "recover", rec)
	})
	r.notifier = newNotifier(ring)
	return r, nil
}

// Ring exposes the underlying ring, mainly so the ops package can call
// AcquireSQE/ReserveSpace directly.
func (r *Runtime) Ring() *kestrel.Ring { return r.ring }

// AllowExit marks one unit of the runtime's implicit "keep running"
// reference as done; once pendingWorks reaches zero and the queues are
// empty, Run returns. Every Task adds its own pending-work unit on
// Spawn and removes it on completion, so this is only needed to let a
// Runtime with no tasks at all exit instead of blocking forever.
func (r *Runtime) AllowExit() {
	r.pendingWorks.Add(-1)
	r.Notify()
}

// Notify wakes the event loop if it is blocked waiting for completions,
// via whichever notifier variant this Runtime picked at construction.
func (r *Runtime) Notify() {
	r.notifier.notify(r.ring)
}

// PendWork records one more outstanding operation the loop must wait
// for before it may exit.
func (r *Runtime) PendWork() { r.pendingWorks.Add(1) }

// ResumeWork undoes one PendWork once the corresponding operation has
// been fully processed.
func (r *Runtime) ResumeWork() { r.pendingWorks.Add(-1) }

// Schedule queues work for execution on r (§4.6/§4.7 cross-runtime
// wakeup). from is the Runtime the calling goroutine currently holds the
// execution token of, or nil if the caller isn't running as part of any
// Runtime's coroutine. When from == r the work is pushed straight onto
// the local queue (the caller *is* r's active goroutine); otherwise it
// crosses via msg_ring/eventfd and the global queue, exactly like
// condy::Runtime::schedule's is-it-the-current-runtime check.
func (r *Runtime) Schedule(h *work.FinishHandle, from *Runtime) {
	if from == r {
		r.localPush(h)
		return
	}

	r.mu.Lock()
	needNotify := r.globalHead == nil
	r.globalPush(h)
	r.mu.Unlock()
	if needNotify {
		r.Notify()
	}
}

func (r *Runtime) localPush(h *work.FinishHandle) {
	h.Next = nil
	if r.localTail == nil {
		r.localHead = h
	} else {
		r.localTail.Next = h
	}
	r.localTail = h
}

func (r *Runtime) localPop() *work.FinishHandle {
	h := r.localHead
	if h == nil {
		return nil
	}
	r.localHead = h.Next
	if r.localHead == nil {
		r.localTail = nil
	}
	h.Next = nil
	return h
}

// globalPush must be called with mu held.
func (r *Runtime) globalPush(h *work.FinishHandle) {
	h.Next = nil
	if r.globalTail == nil {
		r.globalHead = h
	} else {
		r.globalTail.Next = h
	}
	r.globalTail = h
}

// flushGlobalQueue splices the global queue onto the back of the local
// queue and re-arms the notifier for the next cross-runtime wakeup. Must
// be called with mu held.
func (r *Runtime) flushGlobalQueue() {
	if r.globalHead != nil {
		if r.localTail == nil {
			r.localHead = r.globalHead
		} else {
			r.localTail.Next = r.globalHead
		}
		r.localTail = r.globalTail
		r.globalHead, r.globalTail = nil, nil
	}
	r.notifier.asyncWait(r.ring)
}

// Run starts the event loop on the calling goroutine and blocks until
// there is no more pending work. It may only be called once.
func (r *Runtime) Run() error {
	if !r.st.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errAlreadyRunning
	}
	defer r.st.Store(int32(stateStopped))

	if err := r.ring.EnableRings(); err != nil {
		return fmt.Errorf("runtime: enable rings: %w", err)
	}
	r.st.Store(int32(stateEnabled))

	if !r.disableRegisterRingFd {
		if err := r.ring.RegisterRingFd(); err != nil {
			return fmt.Errorf("runtime: register ring fd: %w", err)
		}
	}

	r.mu.Lock()
	r.flushGlobalQueue()
	r.mu.Unlock()

	for {
		r.tickCount++
		if r.tickCount%r.eventInterval == 0 {
			r.flushRing()
		}

		if h := r.localPop(); h != nil {
			h.Invoke()
			continue
		}

		if r.pendingWorks.Load() == 0 {
			return nil
		}
		if err := r.flushRingWait(); err != nil {
			return err
		}
	}
}

func (r *Runtime) flushRing() int {
	return r.ring.Reap(r.processCQE)
}

func (r *Runtime) flushRingWait() error {
	_, err := r.ring.ReapWait(r.processCQE)
	return err
}

func handleFromPointer(ptr unsafe.Pointer) *work.FinishHandle {
	return (*work.FinishHandle)(ptr)
}

func (r *Runtime) processCQE(userData uint64, res int32, flags uint32) {
	ptr, tag := work.DecodeUserData(userData)

	switch tag {
	case work.Ignore:
		// Fire-and-forget cancellation SQEs land here; nothing to do.

	case work.Notify:
		if res == -int32(syscall.EOPNOTSUPP) {
			// eventfd notifier racing IOPOLL; see DESIGN.md Open Question 2.
			return
		}
		r.mu.Lock()
		r.flushGlobalQueue()
		r.mu.Unlock()

	case work.SendFd:
		accepter := r.ring.FdTable().Accepter()
		if accepter == nil {
			r.logger.Error("received fd with no accepter installed")
			return
		}
		payload := uintptr(ptr) >> 3
		if payload == 0 {
			accepter(int(res))
		} else {
			accepter(int(payload - 1))
		}

	case work.Schedule:
		if ptr == nil {
			r.pendingWorks.Add(-1)
			return
		}
		h := handleFromPointer(ptr)
		r.localPush(h)

	case work.MultiShot, work.ZeroCopy:
		h := handleFromPointer(ptr)
		action := h.HandleCQE(work.CQE{Res: res, Flags: flags})
		if action.OpFinish {
			r.pendingWorks.Add(-1)
		}
		if action.QueueWork {
			r.localPush(h)
		}

	case work.Common:
		h := handleFromPointer(ptr)
		action := h.HandleCQE(work.CQE{Res: res, Flags: flags})
		r.pendingWorks.Add(-1)
		if action.QueueWork {
			r.localPush(h)
		}

	default:
		r.logger.Error("invalid work tag on completion", "tag", tag)
	}
}

// FdTable returns this runtime's fixed-file table.
func (r *Runtime) FdTable() *kestrel.FdTable { return r.ring.FdTable() }

// BufferTable returns this runtime's fixed-buffer table.
func (r *Runtime) BufferTable() *kestrel.BufferTable { return r.ring.BufferTable() }

// RunOnToken hands the execution token to fn, run on a freshly spawned
// goroutine, and blocks until fn either finishes or suspends (awaits its
// first operation). package task uses this to launch a coroutine's
// goroutine; it is exactly the "go func(){...}(); <-yield" counterpart of
// a stackless coroutine's initial resume.
func (r *Runtime) RunOnToken(fn func()) {
	yieldCh := make(chan struct{})
	r.activeYield = yieldCh
	r.pool.Go(func() {
		fn()
		r.yieldToken()
	})
	<-yieldCh
}

// yieldToken hands the execution token back to whoever is waiting for
// it, by closing the currently armed yield channel. Called both when a
// coroutine finishes (from RunOnToken's goroutine) and from inside
// Suspend (the coroutine awaiting an operation).
func (r *Runtime) yieldToken() {
	close(r.activeYield)
}

// Suspend implements await.Scheduler: it installs an invoker on h that,
// once the event loop calls h.Invoke(), rearms the token for this
// goroutine and hands it back; meanwhile it yields the token to whoever
// is waiting (the event loop, or the goroutine that resumed it last) and
// blocks until that invoker fires.
func (r *Runtime) Suspend(h *work.FinishHandle) {
	resume := make(chan struct{})
	h.Invoker = &resumeSignal{r: r, resume: resume}
	r.yieldToken()
	<-resume
}

// resumeSignal is the Invoker a Suspend call installs on a finish
// handle. Invoke runs on whoever is about to hand the coroutine the
// token back (almost always the event loop goroutine, from
// processCQE): it arms a fresh yield channel for the coroutine's next
// suspend-or-finish, wakes the coroutine, then blocks until the
// coroutine yields the token back through that fresh channel.
type resumeSignal struct {
	r      *Runtime
	resume chan struct{}
}

func (s *resumeSignal) Invoke() {
	yieldCh := make(chan struct{})
	s.r.activeYield = yieldCh
	close(s.resume)
	<-yieldCh
}
