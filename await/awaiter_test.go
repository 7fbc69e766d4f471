package await

import (
	"testing"

	"github.com/kestrelio/kestrel/internal/sys"
	"github.com/kestrelio/kestrel/internal/work"
)

// noopInvoker stands in for the real scheduler's resume hook: the fake
// below installs it on whatever handle Suspend is asked to park so that
// Invoke (which panics with no Invoker set) has something harmless to
// call, exactly as a real Runtime.Suspend installs its own resumer
// before a goroutine can be resumed.
type noopInvoker struct{}

func (noopInvoker) Invoke() {}

// fakeScheduler stands in for a Runtime during unit tests that don't
// need a real ring. Suspend installs a resumer on the parked handle (as
// Runtime.Suspend does) and then, if siblings were registered, drives
// each of their handles to completion in order — simulating the
// children of a composite awaiter finishing one by one, which cascades
// into the parent handle's own Invoke through multiHandle.childDone. A
// bare Op.Await has no siblings, so it falls back to completing the
// parked handle directly.
type fakeScheduler struct {
	result         int32
	siblings       []*Op
	siblingResults []int32
}

func (s *fakeScheduler) Suspend(h *work.FinishHandle) {
	if h.Invoker == nil {
		h.Invoker = noopInvoker{}
	}

	if len(s.siblings) == 0 {
		h.HandleCQE(work.CQE{Res: s.result})
		h.Invoke()
		return
	}

	for i, op := range s.siblings {
		res := s.result
		if i < len(s.siblingResults) {
			res = s.siblingResults[i]
		}
		op.handle.HandleCQE(work.CQE{Res: res})
		op.handle.Invoke()
	}
}

func newFakeOp(result int32) *Op {
	return NewOp(func(h *work.FinishHandle) *sys.SQE {
		return &sys.SQE{UserData: work.EncodeUserData(nil, work.Common)}
	})
}

func TestOpAwait(t *testing.T) {
	sched := &fakeScheduler{result: 42}
	op := newFakeOp(42)
	if got := op.Await(sched); got != 42 {
		t.Fatalf("Await() = %d, want 42", got)
	}
}

func TestAllWaitsForEveryOp(t *testing.T) {
	ops := []*Op{newFakeOp(1), newFakeOp(2), newFakeOp(3)}
	sched := &fakeScheduler{siblings: ops, siblingResults: []int32{1, 2, 3}}
	results := All(sched, ops...)
	if len(results) != 3 {
		t.Fatalf("All() returned %d results, want 3", len(results))
	}
	for i, want := range []int32{1, 2, 3} {
		if results[i] != want {
			t.Fatalf("All() results[%d] = %d, want %d", i, results[i], want)
		}
	}
}

func TestAnyReturnsFirstFinisher(t *testing.T) {
	ops := []*Op{newFakeOp(1), newFakeOp(2)}
	sched := &fakeScheduler{siblings: ops, siblingResults: []int32{10, 20}}
	var canceled []int
	idx, res := Any(sched, func(h *work.FinishHandle) {
		canceled = append(canceled, 1)
	}, ops...)
	if idx != 0 {
		t.Fatalf("Any() returned index %d, want 0 (first op to finish)", idx)
	}
	if res != 10 {
		t.Fatalf("Any() returned result %d, want 10", res)
	}
	if len(canceled) != 1 {
		t.Fatalf("cancel called %d times, want 1 (once for the one still-pending sibling)", len(canceled))
	}
}

func TestLinkRequiresReservation(t *testing.T) {
	ops := []*Op{newFakeOp(1), newFakeOp(2)}
	sched := &fakeScheduler{siblings: ops, siblingResults: []int32{1, 2}}
	reserveCalls := 0
	reserve := func(n uint32) error {
		reserveCalls++
		if n != 2 {
			t.Fatalf("reserve called with n=%d, want 2", n)
		}
		return nil
	}
	if _, err := Link(sched, reserve, ops...); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if reserveCalls != 1 {
		t.Fatalf("reserve called %d times, want 1", reserveCalls)
	}
	if ops[0].sqe.Flags&sys.IOSQE_IO_LINK == 0 {
		t.Fatal("first op in chain missing IOSQE_IO_LINK")
	}
	if ops[1].sqe.Flags&sys.IOSQE_IO_LINK != 0 {
		t.Fatal("last op in chain should not carry IOSQE_IO_LINK")
	}
}
