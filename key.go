package secrets

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

// ErrKeyBorrowed is returned by TryRead/TryWrite when the requested lease
// would conflict with one already outstanding: a write while any read is
// held, a read or write while a write is held.
var ErrKeyBorrowed = errors.New("secrets: key is already borrowed incompatibly")

type keyState int

const (
	keyUnused keyState = iota
	keyReading
	keyWriting
)

// Key holds length elements of T in their own guarded mapping, protected
// PROT_NONE except during a scoped Read or Write lease. Any number of
// concurrent readers may hold a lease at once; a writer requires exclusive
// access. This is stricter than Buffer, which is always readable and
// writable, and is meant for key material that should spend as little
// time accessible as possible.
type Key[T any] struct {
	mu sync.Mutex

	alloc  KeyAllocator
	ptr    unsafe.Pointer
	length int

	state     keyState
	readCount int
}

// NewKey allocates a Key of length elements, initially inaccessible.
func NewKey[T any](alloc KeyAllocator, length int) *Key[T] {
	if length < 0 {
		panic("secrets: negative key length")
	}

	size := uintptr(length) * elemSize[T]()
	ptr := alloc.AllocKey(size)
	alloc.Protect(ptr, platform.ProtNone)

	k := &Key[T]{alloc: alloc, ptr: ptr, length: length}
	runtime.SetFinalizer(k, (*Key[T]).Close)

	return k
}

// NewKeyFromBuffer allocates a Key with the same contents as b, copied
// into key-allocator-backed storage. It does not modify or close b.
func NewKeyFromBuffer[T any](alloc KeyAllocator, b *Buffer[T]) *Key[T] {
	k := NewKey[T](alloc, b.Len())

	w := k.Write()
	copy(w.Slice(), b.Slice())
	w.Close()

	return k
}

// Len returns the number of elements in the Key.
func (k *Key[T]) Len() int { return k.length }

func (k *Key[T]) beginRead() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ptr == nil {
		panic("secrets: use of a closed Key")
	}

	switch k.state {
	case keyWriting:
		return ErrKeyBorrowed
	case keyUnused:
		k.alloc.Protect(k.ptr, platform.ProtRead)
		k.state = keyReading
	}

	k.readCount++
	return nil
}

func (k *Key[T]) endRead() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.readCount--
	if k.readCount == 0 {
		k.state = keyUnused
		if k.ptr != nil {
			k.alloc.Protect(k.ptr, platform.ProtNone)
		}
	}
}

func (k *Key[T]) beginWrite() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ptr == nil {
		panic("secrets: use of a closed Key")
	}

	if k.state != keyUnused {
		return ErrKeyBorrowed
	}

	k.alloc.Protect(k.ptr, platform.ProtWrite)
	k.state = keyWriting
	return nil
}

func (k *Key[T]) endWrite() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.state = keyUnused
	if k.ptr != nil {
		k.alloc.Protect(k.ptr, platform.ProtNone)
	}
}

// ReadLease grants read access to a Key's contents for as long as it is
// held. Close it (directly or via ReadWith) as soon as the access is done.
type ReadLease[T any] struct {
	k *Key[T]
}

// Slice returns a slice over the Key's contents, valid until the lease is
// closed.
func (l *ReadLease[T]) Slice() []T {
	return unsafe.Slice((*T)(l.k.ptr), l.k.length)
}

// Close releases the read lease, reprotecting the Key once the last
// concurrent reader is gone.
func (l *ReadLease[T]) Close() { l.k.endRead() }

// WriteLease grants exclusive read/write access to a Key's contents for
// as long as it is held.
type WriteLease[T any] struct {
	k *Key[T]
}

// Slice returns a slice over the Key's contents, valid until the lease is
// closed.
func (l *WriteLease[T]) Slice() []T {
	return unsafe.Slice((*T)(l.k.ptr), l.k.length)
}

// Close releases the write lease, reprotecting the Key to PROT_NONE.
func (l *WriteLease[T]) Close() { l.k.endWrite() }

// Read acquires a read lease, panicking if a write lease is already held.
func (k *Key[T]) Read() *ReadLease[T] {
	if err := k.beginRead(); err != nil {
		panic(err)
	}
	return &ReadLease[T]{k: k}
}

// TryRead acquires a read lease, returning ErrKeyBorrowed instead of
// panicking if a write lease is already held.
func (k *Key[T]) TryRead() (*ReadLease[T], error) {
	if err := k.beginRead(); err != nil {
		return nil, err
	}
	return &ReadLease[T]{k: k}, nil
}

// ReadWith acquires a read lease for the duration of f, releasing it when
// f returns even if f panics.
func (k *Key[T]) ReadWith(f func([]T)) {
	l := k.Read()
	defer l.Close()
	f(l.Slice())
}

// Write acquires a write lease, panicking if any lease is already held.
func (k *Key[T]) Write() *WriteLease[T] {
	if err := k.beginWrite(); err != nil {
		panic(err)
	}
	return &WriteLease[T]{k: k}
}

// TryWrite acquires a write lease, returning ErrKeyBorrowed instead of
// panicking if any lease is already held.
func (k *Key[T]) TryWrite() (*WriteLease[T], error) {
	if err := k.beginWrite(); err != nil {
		return nil, err
	}
	return &WriteLease[T]{k: k}, nil
}

// WriteWith acquires a write lease for the duration of f, releasing it
// when f returns even if f panics.
func (k *Key[T]) WriteWith(f func([]T)) {
	l := k.Write()
	defer l.Close()
	f(l.Slice())
}

// String renders the Key's contents if a read lease can be acquired
// without contending with an existing write lease, and "<locked>"
// otherwise. Note that this does print key material when unlocked; callers
// that log Keys should not rely on String for redaction.
func (k *Key[T]) String() string {
	l, err := k.TryRead()
	if err != nil {
		return "<locked>"
	}
	defer l.Close()
	return fmt.Sprintf("%v", l.Slice())
}

// Close wipes and releases the Key's memory. It panics if called while a
// lease is outstanding. It is safe to call more than once.
func (k *Key[T]) Close() {
	k.mu.Lock()
	if k.ptr == nil {
		k.mu.Unlock()
		return
	}
	if k.state != keyUnused {
		k.mu.Unlock()
		panic("secrets: Close called on a Key with an outstanding lease")
	}
	ptr := k.ptr
	k.ptr = nil
	k.mu.Unlock()

	runtime.SetFinalizer(k, nil)
	k.alloc.Dealloc(ptr)
}
