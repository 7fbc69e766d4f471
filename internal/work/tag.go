// Package work implements the low-level plumbing shared by every awaited
// operation: the pointer tag stashed in an SQE's user_data field, and the
// finish handle each operation's user_data points at once decoded.
package work

import "unsafe"

// Tag is the 3-bit discriminator packed into the low, always-zero bits of
// an 8-byte-aligned pointer. The kernel returns user_data untouched on the
// matching CQE, so encoding the tag into the pointer itself means the
// event loop never needs a side table to know how to interpret a
// completion.
type Tag uint8

const (
	Common Tag = iota
	Ignore
	Notify
	SendFd
	Schedule
	MultiShot
	ZeroCopy
)

const tagMask = uintptr(1<<3) - 1

// Encode folds t into the low bits of ptr. ptr must be 8-byte aligned;
// callers get this for free from Go's allocator for anything larger than
// a few words, but a *FinishHandle is always safe since it is always
// heap-allocated and at least one pointer wide.
func Encode(ptr unsafe.Pointer, t Tag) unsafe.Pointer {
	addr := uintptr(ptr)
	if addr&tagMask != 0 {
		panic("work: pointer is not 8-byte aligned")
	}
	return unsafe.Pointer(addr | uintptr(t))
}

// Decode splits a user_data pointer back into its original address and
// the tag that was folded into it.
func Decode(raw unsafe.Pointer) (unsafe.Pointer, Tag) {
	addr := uintptr(raw)
	t := Tag(addr & tagMask)
	return unsafe.Pointer(addr &^ tagMask), t
}

// EncodeUserData is Encode plus the uint64 cast an SQE's user_data field
// wants; it exists so call sites preparing an SQE don't each repeat the
// unsafe.Pointer round trip.
func EncodeUserData(ptr unsafe.Pointer, t Tag) uint64 {
	return uint64(uintptr(Encode(ptr, t)))
}

// DecodeUserData is the inverse of EncodeUserData, taking the raw
// user_data value straight off a CQE.
func DecodeUserData(userData uint64) (unsafe.Pointer, Tag) {
	return Decode(unsafe.Pointer(uintptr(userData)))
}
