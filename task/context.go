package task

import (
	"github.com/kestrelio/kestrel/await"
	"github.com/kestrelio/kestrel/internal/work"
)

// Await submits op (if not submitted already) and suspends the calling
// coroutine until it completes, returning the raw result. It is the
// ops-package-facing counterpart of co_await on an async_* call in the
// original: every ops.Async* function builds an *await.Op and returns
// it, and callers pass it through here (or through AwaitAll/AwaitAny
// below).
func (c *Context) Await(op *await.Op) int32 {
	return op.Await(c.rt)
}

// AwaitAll submits every op and suspends until all of them complete,
// returning their results in the same order (§4.4 wait-all).
func (c *Context) AwaitAll(ops ...*await.Op) []int32 {
	return await.All(c.rt, ops...)
}

// AwaitAny submits every op and suspends until the first one completes,
// cancelling the rest via cancel, and returns the index and result of
// whichever finished first (§4.4 wait-any).
func (c *Context) AwaitAny(cancel func(h *work.FinishHandle), ops ...*await.Op) (int, int32) {
	return await.Any(c.rt, cancel, ops...)
}

// AwaitLink submits ops as a kernel-side linked chain (IOSQE_IO_LINK):
// if one fails the remainder completes with -ECANCELED (§4.4 link).
func (c *Context) AwaitLink(ops ...*await.Op) ([]int32, error) {
	return await.Link(c.rt, c.rt.Ring().ReserveSpace, ops...)
}

// AwaitHardLink is AwaitLink with IOSQE_IO_HARDLINK: the chain runs to
// completion even past an earlier failure.
func (c *Context) AwaitHardLink(ops ...*await.Op) ([]int32, error) {
	return await.HardLink(c.rt, c.rt.Ring().ReserveSpace, ops...)
}
