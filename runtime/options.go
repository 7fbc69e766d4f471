package runtime

import (
	"errors"

	"github.com/kestrelio/kestrel/internal/sys"
)

// Options configures a Runtime's ring setup and event loop behavior,
// mirroring condy::RuntimeOptions: every With* sets one field, and
// invalid combinations are rejected once, at New, instead of at the
// point the kernel itself would reject the io_uring_setup call.
type Options struct {
	sqSize uint32
	cqSize uint32

	enableIOPoll bool

	enableSQPoll    bool
	sqpollIdleMS    uint32
	sqpollCPU       uint32
	sqpollCPUSet    bool

	attachWQTarget *Runtime

	enableDeferTaskrun bool
	enableCoopTaskrun  bool

	enableSQE128 bool
	enableCQE32  bool

	eventInterval         uint64
	disableRegisterRingFd bool
}

// Option mutates Options; see the With* constructors below.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		sqSize:        256,
		eventInterval: 61,
	}
}

// WithSQSize sets the submission queue entry count (rounded up to a
// power of two by the kernel). Defaults to 256.
func WithSQSize(n uint32) Option { return func(o *Options) { o.sqSize = n } }

// WithCQSize requests an explicit completion queue size, overriding the
// kernel's default of 2x the SQ size.
func WithCQSize(n uint32) Option { return func(o *Options) { o.cqSize = n } }

// WithIOPoll enables polled completion for devices that support it
// (IORING_SETUP_IOPOLL).
func WithIOPoll() Option { return func(o *Options) { o.enableIOPoll = true } }

// WithSQPoll hands SQ polling to a kernel thread, removing the need for
// io_uring_enter on the submit path. idleMS controls how long that
// thread idles before parking.
func WithSQPoll(idleMS uint32) Option {
	return func(o *Options) {
		o.enableSQPoll = true
		o.sqpollIdleMS = idleMS
	}
}

// WithSQPollCPU pins the SQPOLL thread to a CPU. Only meaningful with
// WithSQPoll.
func WithSQPollCPU(cpu uint32) Option {
	return func(o *Options) {
		o.sqpollCPU = cpu
		o.sqpollCPUSet = true
	}
}

// WithAttachWQ shares target's async worker pool instead of spawning a
// fresh one, useful for a fleet of runtimes that all do similar I/O.
func WithAttachWQ(target *Runtime) Option {
	return func(o *Options) { o.attachWQTarget = target }
}

// WithDeferTaskrun defers internal task work until the next
// io_uring_enter, trading latency for fewer wakeups. Mutually exclusive
// with WithCoopTaskrun.
func WithDeferTaskrun() Option { return func(o *Options) { o.enableDeferTaskrun = true } }

// WithCoopTaskrun runs internal task work cooperatively rather than
// eagerly interrupting userspace. Mutually exclusive with
// WithDeferTaskrun.
func WithCoopTaskrun() Option { return func(o *Options) { o.enableCoopTaskrun = true } }

// WithSQE128 requests 128-byte SQEs, for opcodes that need the extra
// room (e.g. some NVMe passthrough commands). Not exercised by any op
// this package issues today, but the flag is wired through for callers
// building on Runtime.Ring directly.
func WithSQE128() Option { return func(o *Options) { o.enableSQE128 = true } }

// WithCQE32 requests 32-byte CQEs, the completion-side counterpart of
// WithSQE128.
func WithCQE32() Option { return func(o *Options) { o.enableCQE32 = true } }

// WithEventInterval sets how many event loop ticks pass between forced
// ring flushes even when local work keeps the loop busy. Defaults to 61,
// matching the original's default and its unit test coverage for
// "occasionally flush so CQE overflow can't build up forever."
func WithEventInterval(n uint64) Option {
	return func(o *Options) { o.eventInterval = n }
}

// WithDisableRegisterRingFd skips registering the ring fd with the
// kernel (IORING_REGISTER_RING_FDS), for environments where that
// registration is unavailable or undesired.
func WithDisableRegisterRingFd() Option {
	return func(o *Options) { o.disableRegisterRingFd = true }
}

var errIncompatibleTaskrun = errors.New("runtime: WithDeferTaskrun and WithCoopTaskrun are mutually exclusive")

func (o Options) validate() error {
	if o.enableDeferTaskrun && o.enableCoopTaskrun {
		return errIncompatibleTaskrun
	}
	if o.enableSQPoll && o.enableDeferTaskrun {
		return errors.New("runtime: WithSQPoll and WithDeferTaskrun are mutually exclusive")
	}
	if o.sqSize == 0 {
		return errors.New("runtime: sq size must be non-zero")
	}
	return nil
}

func (o Options) setupFlags() uint32 {
	flags := sys.IORING_SETUP_CLAMP | sys.IORING_SETUP_SINGLE_ISSUER |
		sys.IORING_SETUP_SUBMIT_ALL | sys.IORING_SETUP_R_DISABLED

	if o.enableIOPoll {
		flags |= sys.IORING_SETUP_IOPOLL
	}
	if o.enableSQPoll {
		flags |= sys.IORING_SETUP_SQPOLL
	}
	if o.sqpollCPUSet {
		flags |= sys.IORING_SETUP_SQ_AFF
	}
	if o.attachWQTarget != nil {
		flags |= sys.IORING_SETUP_ATTACH_WQ
	}
	if o.enableDeferTaskrun {
		flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_TASKRUN_FLAG
	}
	if o.enableCoopTaskrun {
		flags |= sys.IORING_SETUP_COOP_TASKRUN | sys.IORING_SETUP_TASKRUN_FLAG
	}
	if o.enableSQE128 {
		flags |= sys.IORING_SETUP_SQE128
	}
	if o.enableCQE32 {
		flags |= sys.IORING_SETUP_CQE32
	}
	if o.cqSize != 0 {
		flags |= sys.IORING_SETUP_CQSIZE
	}
	return flags
}
