package secrets

import (
	"sync"

	"github.com/stouset/secrets/internal/heap"
)

// Heap is a protected-memory arena: an allocator for Buffers and Keys with
// its own region directory, chunk cache, and optional statistics. See
// NewHeap.
type Heap = heap.Heap

// HeapOption configures a Heap at construction time.
type HeapOption = heap.Option

// WithoutMlock disables mlock/munlock process-wide, for every Heap and
// every page mapped after the option is applied. It exists
// for environments with a restrictive RLIMIT_MEMLOCK where mlock failures
// would otherwise be fatal.
func WithoutMlock() HeapOption { return heap.WithoutMlock() }

// WithStats enables lifetime allocation counters on a Heap, retrievable
// with its Stats method.
func WithStats() HeapOption { return heap.WithStats() }

// NewHeap constructs an independent protected-memory arena. The returned
// Heap serializes its methods on an internal mutex, so it may be shared
// between goroutines; it holds live mmap'd memory and should be released
// with Close when no longer needed. A finalizer is registered as a
// backstop.
func NewHeap(opts ...HeapOption) *Heap {
	return heap.New(opts...)
}

var (
	defaultHeap     *Heap
	defaultHeapOnce sync.Once
)

// Default returns a lazily constructed, process-wide Heap for callers who
// don't need per-goroutine isolation. It backs the package-level
// Malloc/Calloc/Free/MallocKey family.
func Default() *Heap {
	defaultHeapOnce.Do(func() {
		defaultHeap = NewHeap()
	})
	return defaultHeap
}
