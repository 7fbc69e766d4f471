package await

import (
	"unsafe"

	"github.com/kestrelio/kestrel/internal/work"
)

func uintptrOf(h *work.FinishHandle) uintptr {
	return uintptr(unsafe.Pointer(h))
}
