package secrets

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

// Malloc allocates size bytes from the process-default Heap. It panics on
// OS mapping failure or a negative size; use TryMalloc for a recoverable
// variant.
func Malloc(size int) unsafe.Pointer {
	if size < 0 {
		panic(ErrInvalidSize)
	}
	return Default().Alloc(uintptr(size), false)
}

// TryMalloc is Malloc, returning an error instead of panicking on a
// negative size.
func TryMalloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return Default().Alloc(uintptr(size), false), nil
}

// Calloc allocates count*size zero-filled bytes from the process-default
// Heap. It panics on a negative count/size or if count*size overflows.
func Calloc(count, size int) unsafe.Pointer {
	total, err := callocSize(count, size)
	if err != nil {
		panic(err)
	}
	return Default().Alloc(total, true)
}

// TryCalloc is Calloc, returning an error instead of panicking.
func TryCalloc(count, size int) (unsafe.Pointer, error) {
	total, err := callocSize(count, size)
	if err != nil {
		return nil, err
	}
	return Default().Alloc(total, true), nil
}

func callocSize(count, size int) (uintptr, error) {
	if count < 0 || size < 0 {
		return 0, fmt.Errorf("%w: count=%d size=%d", ErrInvalidSize, count, size)
	}
	if count == 0 || size == 0 {
		return 0, nil
	}
	if count > math.MaxInt/size {
		return 0, fmt.Errorf("%w: count=%d size=%d", ErrSizeOverflow, count, size)
	}
	return uintptr(count * size), nil
}

// Realloc resizes a pointer previously returned by Malloc/Calloc/Realloc,
// copying its contents and wiping the old mapping. A nil ptr behaves like
// Malloc; a size of zero behaves like Free and returns nil.
func Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	if size < 0 {
		panic(ErrInvalidSize)
	}
	return Default().Realloc(ptr, uintptr(size), false)
}

// Free releases a pointer previously returned by Malloc/Calloc/Realloc. It
// is a no-op on nil and panics on an invalid or already-freed pointer.
func Free(ptr unsafe.Pointer) {
	Default().Dealloc(ptr)
}

// MallocKey allocates size bytes in their own guarded mapping, initially
// write-only, from the process-default Heap.
func MallocKey(size int) unsafe.Pointer {
	if size < 0 {
		panic(ErrInvalidSize)
	}
	return Default().AllocKey(uintptr(size))
}

// ReallocKey resizes a pointer previously returned by MallocKey, keeping
// the end-aligned, write-only placement. The caller must ensure ptr is
// currently readable before calling.
func ReallocKey(ptr unsafe.Pointer, size int) unsafe.Pointer {
	if size < 0 {
		panic(ErrInvalidSize)
	}
	return Default().ReallocKey(ptr, uintptr(size))
}

// ProtectNone makes ptr's mapping entirely inaccessible.
func ProtectNone(ptr unsafe.Pointer) { Default().Protect(ptr, platform.ProtNone) }

// ProtectRead makes ptr's mapping read-only.
func ProtectRead(ptr unsafe.Pointer) { Default().Protect(ptr, platform.ProtRead) }

// ProtectWrite makes ptr's mapping write-only.
func ProtectWrite(ptr unsafe.Pointer) { Default().Protect(ptr, platform.ProtWrite) }

// ProtectReadWrite makes ptr's mapping readable and writable.
func ProtectReadWrite(ptr unsafe.Pointer) { Default().Protect(ptr, platform.ProtReadWrite) }
