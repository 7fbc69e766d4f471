package await

import (
	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/internal/work"
)

// invokerFunc adapts a plain function to work.Invoker, for the
// synthetic per-child invokers a multiHandle installs.
type invokerFunc func()

func (f invokerFunc) Invoke() { f() }

// multiHandle fans in N child finish handles into one parent handle,
// the Go counterpart of RangedParallelFinishHandle: every child resumes
// into childDone, and once all children (wait-all) or the first
// (wait-any) has finished, the parent itself is resumed.
type multiHandle struct {
	parent        *work.FinishHandle
	children      []*work.FinishHandle
	results       []int32
	order         []int
	finished      int
	cancelOnFirst bool
	canceled      bool
	cancel        func(*work.FinishHandle)
}

func newMultiHandle(children []*work.FinishHandle, cancelOnFirst bool, cancel func(*work.FinishHandle)) *multiHandle {
	m := &multiHandle{
		parent:        work.NewFinishHandle(),
		children:      children,
		results:       make([]int32, len(children)),
		order:         make([]int, 0, len(children)),
		cancelOnFirst: cancelOnFirst,
		cancel:        cancel,
	}
	for idx := range children {
		idx := idx
		children[idx].Invoker = invokerFunc(func() { m.childDone(idx) })
	}
	return m
}

func (m *multiHandle) childDone(idx int) {
	m.order = append(m.order, idx)
	m.results[idx] = m.children[idx].Result
	m.finished++

	if m.cancelOnFirst {
		if m.canceled {
			return
		}
		m.canceled = true
		if m.cancel != nil {
			for i, child := range m.children {
				if i != idx {
					m.cancel(child)
				}
			}
		}
		m.parent.Result = 0
		m.parent.Invoke()
		return
	}

	if m.finished == len(m.children) {
		m.parent.Result = 0
		m.parent.Invoke()
	}
}

func submitAll(ops []*Op) []*work.FinishHandle {
	handles := make([]*work.FinishHandle, len(ops))
	for i, o := range ops {
		o.submit()
		handles[i] = o.Handle()
	}
	return handles
}

// All waits for every op to complete (§4.5 wait-all), never canceling
// siblings early, and returns their results in op order.
func All(sched Scheduler, ops ...*Op) []int32 {
	if len(ops) == 0 {
		return nil
	}
	m := newMultiHandle(submitAll(ops), false, nil)
	sched.Suspend(m.parent)
	return m.results
}

// Any waits for the first op to complete (§4.5 wait-any), then cancels
// the rest. cancel is invoked once per still-pending sibling; pass nil to
// skip cancellation (e.g. the ops are already idempotent/cheap to drop).
// Returns the index of the op that finished first and its result.
func Any(sched Scheduler, cancel func(*work.FinishHandle), ops ...*Op) (int, int32) {
	m := newMultiHandle(submitAll(ops), true, cancel)
	sched.Suspend(m.parent)
	idx := m.order[0]
	return idx, m.results[idx]
}

// linkChain marks every op but the last with flag (IOSQE_IO_LINK or
// IOSQE_IO_HARDLINK) so the kernel processes them as one chain, then
// waits for all of them (§4.5 link/hard-link). reserve must guarantee
// len(ops) contiguous SQE slots so the whole chain enters the kernel in
// one submission; a link chain split across two io_uring_enter calls is
// not actually linked.
func linkChain(sched Scheduler, reserve func(n uint32) error, flag uint8, ops ...*Op) ([]int32, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := reserve(uint32(len(ops))); err != nil {
		return nil, err
	}
	sqes := make([]*sys.SQE, len(ops))
	for i, o := range ops {
		sqes[i] = o.submit()
	}
	for i := 0; i < len(sqes)-1; i++ {
		sqes[i].Flags |= flag
	}
	return All(sched, ops...), nil
}

// Link chains ops with IOSQE_IO_LINK: if one fails, the kernel skips the
// remainder of the chain (they complete with -ECANCELED).
func Link(sched Scheduler, reserve func(n uint32) error, ops ...*Op) ([]int32, error) {
	return linkChain(sched, reserve, sys.IOSQE_IO_LINK, ops...)
}

// HardLink chains ops with IOSQE_IO_HARDLINK: the chain continues to
// completion even if an earlier op fails.
func HardLink(sched Scheduler, reserve func(n uint32) error, ops ...*Op) ([]int32, error) {
	return linkChain(sched, reserve, sys.IOSQE_IO_HARDLINK, ops...)
}
