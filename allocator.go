package secrets

import (
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

// Allocator is the minimal surface Buffer needs from whatever heap backs
// it. *heap.Heap implements it directly, and tests can substitute a fake
// to exercise Buffer without mapping real memory.
type Allocator interface {
	Alloc(size uintptr, zeroFill bool) unsafe.Pointer
	Dealloc(ptr unsafe.Pointer)
	Realloc(ptr unsafe.Pointer, newSize uintptr, zeroFill bool) unsafe.Pointer
}

// KeyAllocator is the surface Key needs: everything Allocator offers, plus
// the dedicated-mapping, protection-aware operations a key's scoped leases
// depend on. *heap.Heap implements this too.
type KeyAllocator interface {
	Allocator

	AllocKey(size uintptr) unsafe.Pointer
	ReallocKey(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer
	Protect(ptr unsafe.Pointer, prot platform.Prot)
}
