package secrets

import (
	"crypto/subtle"
	"runtime"
	"unsafe"

	"github.com/stouset/secrets/internal/rng"
)

// Buffer is a fixed-length, always-readable-and-writable array of T backed
// by guarded, mlocked, non-swappable memory. Its contents are wiped when
// it is closed, explicitly or via its finalizer.
//
// A Buffer makes no attempt to hide its contents from the process that
// holds it; for byte ranges that need to be locked away except during a
// scoped access, use Key instead.
type Buffer[T any] struct {
	alloc Allocator
	ptr   unsafe.Pointer
	len   int
}

func elemSize[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// New allocates a Buffer of length elements, each initialized to its zero
// value.
func New[T any](alloc Allocator, length int) *Buffer[T] {
	if length < 0 {
		panic("secrets: negative buffer length")
	}

	size := uintptr(length) * elemSize[T]()
	ptr := alloc.Alloc(size, true)

	b := &Buffer[T]{alloc: alloc, ptr: ptr, len: length}
	runtime.SetFinalizer(b, (*Buffer[T]).Close)

	return b
}

// NewRandom allocates a Buffer of length elements filled from a freshly
// created fast PRNG seeded from the OS. Suitable for placement decoys and anything else
// that needs unpredictable-but-not-cryptographic filler; for key material
// use NewRandomOS.
func NewRandom[T any](alloc Allocator, length int) *Buffer[T] {
	b := New[T](alloc, length)
	r := rng.New()
	dst := b.byteSlice()
	var buf [8]byte
	for i := 0; i < len(dst); i += 8 {
		n := r.Uint64()
		for j := 0; j < 8 && i+j < len(dst); j++ {
			buf[j] = byte(n >> (8 * j))
		}
		copy(dst[i:], buf[:min(8, len(dst)-i)])
	}
	return b
}

// NewRandomOS allocates a Buffer of length elements filled directly from
// the operating system's RNG, bypassing the fast PRNG NewRandom uses.
func NewRandomOS[T any](alloc Allocator, length int) *Buffer[T] {
	b := New[T](alloc, length)
	rng.FillOS(b.byteSlice())
	return b
}

// FromSlice allocates a Buffer holding a copy of data, then zeroes data in
// place: once the bytes live in protected memory, the original slice is a
// liability, not a convenience.
func FromSlice[T any](alloc Allocator, data []T) *Buffer[T] {
	b := New[T](alloc, len(data))
	copy(b.Slice(), data)

	var zero T
	for i := range data {
		data[i] = zero
	}

	return b
}

// Concat allocates a new Buffer holding the concatenation of bufs, in
// order. It does not modify or close its arguments.
func Concat[T any](alloc Allocator, bufs ...*Buffer[T]) *Buffer[T] {
	total := 0
	for _, b := range bufs {
		total += b.Len()
	}

	out := New[T](alloc, total)
	dst := out.Slice()
	offset := 0
	for _, b := range bufs {
		copy(dst[offset:], b.Slice())
		offset += b.Len()
	}

	return out
}

// CastBuffer reinterprets b's underlying bytes as a Buffer over U, without
// copying. It panics if b's byte length is not an exact multiple of U's
// size. The returned Buffer shares b's allocation; closing either one
// invalidates both, matching the fact that they are the same memory.
func CastBuffer[T, U any](b *Buffer[T]) *Buffer[U] {
	byteLen := b.Size()
	uSize := elemSize[U]()
	if uSize == 0 || byteLen%uSize != 0 {
		panic("secrets: CastBuffer: byte length is not a whole multiple of the target element size")
	}

	runtime.SetFinalizer(b, nil)

	out := &Buffer[U]{alloc: b.alloc, ptr: b.ptr, len: int(byteLen / uSize)}
	runtime.SetFinalizer(out, (*Buffer[U]).Close)

	return out
}

// Len returns the number of elements in the Buffer.
func (b *Buffer[T]) Len() int { return b.len }

// Size returns the length of the Buffer in bytes.
func (b *Buffer[T]) Size() uintptr { return uintptr(b.len) * elemSize[T]() }

// Slice returns a slice over the Buffer's contents. The slice is valid
// only until the Buffer is closed; do not retain it past that point.
func (b *Buffer[T]) Slice() []T {
	if b.ptr == nil {
		panic("secrets: use of a closed Buffer")
	}
	return unsafe.Slice((*T)(b.ptr), b.len)
}

func (b *Buffer[T]) byteSlice() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.Size())
}

// Clone allocates a new Buffer with the same allocator and contents.
func (b *Buffer[T]) Clone() *Buffer[T] {
	out := New[T](b.alloc, b.len)
	copy(out.Slice(), b.Slice())
	return out
}

// Equal reports whether b and other have the same length and contents,
// comparing in constant time with respect to the contents (though not the
// length, which is visible from Len()).
func (b *Buffer[T]) Equal(other *Buffer[T]) bool {
	if b.len != other.len {
		return false
	}
	return subtle.ConstantTimeCompare(b.byteSlice(), other.byteSlice()) == 1
}

// Close wipes and releases the Buffer's memory. It is safe to call more
// than once.
func (b *Buffer[T]) Close() {
	if b.ptr == nil {
		return
	}
	ptr := b.ptr
	b.ptr = nil
	runtime.SetFinalizer(b, nil)
	b.alloc.Dealloc(ptr)
}
