// Package heap implements the page-level allocator beneath the protected
// buffer and key types: a directory of mmap'd regions, each either a
// shared chunk page sliced into same-size slots or a standalone mapping
// for large objects, indexed by an open-addressed hash table keyed on
// page address.
package heap

import (
	"fmt"
	"hash/maphash"
	"runtime"
	"sync"
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
	"github.com/stouset/secrets/internal/rng"
)

var (
	regionSize  = unsafe.Sizeof(region{})
	regionAlign = unsafe.Alignof(region{})
)

// Stats accumulates lifetime allocator counters, enabled only when a Heap
// is constructed with WithStats.
type Stats struct {
	Allocations   uint64
	Deallocations uint64
	Reallocations uint64
	ChunksCreated uint64
	ChunksCached  uint64
	LargeMapped   uint64
}

// Heap is a single protected-memory arena: a region directory plus the
// chunk free lists and cache built on top of it. Its public methods
// serialize on an internal mutex, so a single Heap can safely be shared
// and called into from multiple goroutines.
type Heap struct {
	mu sync.Mutex

	canary1 uint64
	canary2 uint64

	regions unsafe.Pointer
	total   int
	free    int

	cache1, cache2 uintptr
	cacheLen       int

	chunks1, chunks2 []uintptr

	seed maphash.Seed
	rng  *rng.Source

	stats        Stats
	statsEnabled bool

	closed bool
}

// Option configures a Heap at construction time.
type Option func(*Heap)

// WithoutMlock disables mlock/munlock on every page this Heap maps,
// process-wide. It exists for environments with a restrictive
// RLIMIT_MEMLOCK where mlock failures would otherwise be fatal.
func WithoutMlock() Option {
	return func(h *Heap) {
		platform.SetMlock(false)
	}
}

// WithStats enables lifetime allocation counters, retrievable with
// (*Heap).Stats.
func WithStats() Option {
	return func(h *Heap) {
		h.statsEnabled = true
	}
}

// WithRandSource overrides the Heap's placement-randomization source. It
// exists for deterministic tests; production callers should leave it
// unset and get an OS-seeded source.
func WithRandSource(r *rng.Source) Option {
	return func(h *Heap) {
		h.rng = r
	}
}

// New constructs and initializes a Heap. The returned Heap holds live
// mmap'd memory and must eventually be released with Close; a finalizer
// is registered as a backstop but should not be relied upon for
// deterministic cleanup of secret-bearing pages.
func New(opts ...Option) *Heap {
	h := &Heap{}
	for _, opt := range opts {
		opt(h)
	}
	if h.rng == nil {
		h.rng = rng.New()
	}

	h.seed = maphash.MakeSeed()
	h.canary1 = h.rng.Uint64()
	h.canary2 = h.canary1 ^ uint64(uintptr(unsafe.Pointer(h)))

	h.total = initialRegionCount
	h.free = initialRegionCount
	h.regions = platform.Allocate(uintptr(h.total)*regionSize, regionAlign, nil, platform.ProtReadWrite, platform.RangeStart, nil)

	h.chunks1 = make([]uintptr, pageShift())
	h.chunks2 = make([]uintptr, pageShift())

	runtime.SetFinalizer(h, (*Heap).Close)

	return h
}

func (h *Heap) regionAt(i int) *region {
	if i < 0 || i >= h.total {
		panic("heap: region index out of range")
	}
	return (*region)(unsafe.Add(h.regions, uintptr(i)*regionSize))
}

func (h *Heap) checkIntegrity() {
	if h.closed {
		panic("heap: use of a closed Heap")
	}
	if h.canary2 != h.canary1^uint64(uintptr(unsafe.Pointer(h))) {
		panic("heap: directory corruption detected")
	}
}

// Close unmaps every region this Heap owns, including cached and
// in-use pages. In-use chunk pages and large mappings are wiped first;
// cached pages are unmapped without a further wipe, their slots having
// been junk-filled when freed. It is safe to call more than once.
func (h *Heap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for i := 0; i < h.total; i++ {
		r := h.regionAt(i)
		if !r.isFree() {
			r.deallocData(true)
		}
	}

	platform.Deallocate(h.regions, uintptr(h.total)*regionSize, nil)

	h.regions = nil
	h.closed = true

	runtime.SetFinalizer(h, nil)
}

// Stats returns a snapshot of this Heap's lifetime counters. Without
// WithStats the snapshot stays at its zero value: counting never ran, so
// there is nothing to report rather than something hidden.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stats
}

// String renders a short human-readable dump of the directory's current
// occupancy and, if enabled, its lifetime counters.
func (h *Heap) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := fmt.Sprintf("heap{regions: %d/%d used, cache: %d", h.total-h.free, h.total, h.cacheLen)
	if h.statsEnabled {
		s += fmt.Sprintf(", allocs: %d, deallocs: %d, reallocs: %d, chunks: %d, large: %d",
			h.stats.Allocations, h.stats.Deallocations, h.stats.Reallocations,
			h.stats.ChunksCreated, h.stats.LargeMapped)
	}
	return s + "}"
}

func (h *Heap) regionsGrow() {
	h.regionsRealloc(h.total * 2)
}

func (h *Heap) regionsShrink() {
	newTotal := h.total / 2
	if newTotal < initialRegionCount {
		return
	}
	h.regionsRealloc(newTotal)
}

// regionsRealloc resizes the region table to newTotal slots, rehashing
// every live entry. Rehashing is safe for the free-chunk and cache lists
// because they link regions by object address, not by table index.
func (h *Heap) regionsRealloc(newTotal int) {
	newRegions := platform.Allocate(uintptr(newTotal)*regionSize, regionAlign, nil, platform.ProtReadWrite, platform.RangeStart, nil)

	oldRegions, oldTotal := h.regions, h.total

	h.regions = newRegions
	h.total = newTotal
	occupied := 0

	for i := 0; i < oldTotal; i++ {
		old := (*region)(unsafe.Add(oldRegions, uintptr(i)*regionSize))
		if old.isFree() {
			continue
		}
		occupied++

		idx := h.index(old.object)
		for !h.regionAt(idx).isFree() {
			idx = (idx - 1 + h.total) % h.total
		}
		*h.regionAt(idx) = *old
	}

	h.free = newTotal - occupied

	platform.Deallocate(oldRegions, uintptr(oldTotal)*regionSize, nil)
}

