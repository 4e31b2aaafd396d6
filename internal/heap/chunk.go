package heap

import (
	"math/bits"
	"sync"

	"github.com/stouset/secrets/internal/platform"
)

var (
	chunkSizingOnce sync.Once
	minChunkSizeVal uintptr
	maxChunkSizeVal uintptr
	pageShiftVal    int
)

func computeChunkSizing() {
	pageShiftVal = bits.TrailingZeros(uint(platform.PageSize()))

	min := platform.PageSize() / (maxChunkMapping * 8)
	if min < minChunkSize {
		min = minChunkSize
	}
	minChunkSizeVal = min

	// A region only earns its keep as a chunk page if it holds at least
	// two slots; anything bigger gets its own mapping instead.
	maxChunkSizeVal = platform.PageSize() / 2
}

func minChunkSz() uintptr {
	chunkSizingOnce.Do(computeChunkSizing)
	return minChunkSizeVal
}

func maxChunkSz() uintptr {
	chunkSizingOnce.Do(computeChunkSizing)
	return maxChunkSizeVal
}

func pageShift() int {
	chunkSizingOnce.Do(computeChunkSizing)
	return pageShiftVal
}

func maxSlotIndex(chunkSize uintptr) uintptr {
	if chunkSize == 0 {
		return 0
	}
	return platform.PageSize() / chunkSize
}

// isLarge reports whether size must be satisfied by its own mapping rather
// than a slot in a shared chunk page.
func isLarge(size uintptr) bool {
	return size > maxChunkSz()
}

// chunkSizeForRequest rounds size up to the chunk size class that will
// hold it: 0 for the shared zero-size sentinel, minChunkSz() for anything
// smaller, and the next power of two up to maxChunkSz() otherwise. Callers
// must route sizes for which isLarge is true through the large-object path
// instead.
func chunkSizeForRequest(size uintptr) uintptr {
	switch {
	case size == 0:
		return 0
	case size <= minChunkSz():
		return minChunkSz()
	default:
		shift := bits.Len(uint(size - 1))
		return uintptr(1) << shift
	}
}

func chunkIndex(chunkSize uintptr) int {
	if chunkSize == 0 {
		return 0
	}
	return bits.TrailingZeros(uint(chunkSize))
}

// hasFreeChunk reports whether a chunk of chunkSize already has an open
// slot available.
func (h *Heap) hasFreeChunk(chunkSize uintptr) bool {
	return h.chunks1[chunkIndex(chunkSize)] != 0
}

// hasCachedChunk reports whether a decommitted chunk page is sitting in
// the cache, ready to be reactivated at any size class.
func (h *Heap) hasCachedChunk() bool {
	return h.cache1 != 0
}

// takeCachedChunk pops a cached chunk page, chosen uniformly at random from
// either end of the cache list, and reactivates it at chunkSize.
func (h *Heap) takeCachedChunk(chunkSize uintptr) uintptr {
	object := h.pickListEnd(h.cache1, h.cache2)
	h.listRemove(&h.cache1, &h.cache2, object)
	h.cacheLen--

	idx, ok := h.regionFind(object)
	if !ok {
		panic("heap: cached chunk has no region")
	}
	h.regionAt(idx).setAsChunk(chunkSize)
	h.freeChunkInsert(chunkSize, object)

	return object
}

// createChunk produces a fresh chunk page at chunkSize, preferring to
// reactivate one from the cache over mapping new pages. The shared
// zero-size sentinel (chunkSize 0) is mapped exactly once per Heap and
// left permanently PROT_NONE; every size-0 allocation after the first
// reuses it.
func (h *Heap) createChunk(chunkSize uintptr) uintptr {
	if chunkSize == 0 && h.chunks1[0] != 0 {
		return h.chunks1[0]
	}

	if chunkSize != 0 && h.hasCachedChunk() {
		return h.takeCachedChunk(chunkSize)
	}

	fill := fillByteAlloc()
	object := platform.Allocate(platform.PageSize(), 0, fill, platform.ProtReadWrite, platform.RangeStart, h.rng)
	ptr := uintptr(object)

	h.regionInsert(ptr, chunkSize, true)
	h.freeChunkInsert(chunkSize, ptr)

	if chunkSize == 0 {
		platform.Protect(object, platform.PageSize(), platform.ProtNone)
	}

	return ptr
}

func (h *Heap) freeChunkInsert(chunkSize uintptr, object uintptr) {
	idx := chunkIndex(chunkSize)
	h.listInsert(&h.chunks1[idx], &h.chunks2[idx], object)
}

func (h *Heap) freeChunkRemove(chunkSize uintptr, object uintptr) {
	idx := chunkIndex(chunkSize)
	h.listRemove(&h.chunks1[idx], &h.chunks2[idx], object)
}

// pickListEnd chooses uniformly at random between a list's head and tail,
// falling back to whichever end is non-null if only one is. Used to spread
// chunk/cache reuse across both ends of a list instead of always draining
// from the head.
func (h *Heap) pickListEnd(head, tail uintptr) uintptr {
	switch {
	case head == 0:
		return tail
	case tail == 0:
		return head
	case h.rng.Bool():
		return head
	default:
		return tail
	}
}

// takeChunkSlot returns a pointer into a chunk page with a free slot of
// chunkSize, creating or reactivating a page if none has room, and takes
// that slot. The page is chosen uniformly at random from either end of the
// size class's free-chunk list.
func (h *Heap) takeChunkSlot(chunkSize uintptr) uintptr {
	if !h.hasFreeChunk(chunkSize) {
		h.createChunk(chunkSize)
	}

	idx := chunkIndex(chunkSize)
	page := h.pickListEnd(h.chunks1[idx], h.chunks2[idx])

	if chunkSize == 0 {
		return page
	}

	ri, ok := h.regionFind(page)
	if !ok {
		panic("heap: free-chunk list points at a missing region")
	}
	r := h.regionAt(ri)

	slot := r.takeChunkSlot(h.rng)

	if r.isFullChunk() {
		h.freeChunkRemove(chunkSize, page)
	}

	return page + slot*chunkSize
}

// releaseChunkSlot frees offset's slot in the chunk page at pageAddr. If
// the page becomes empty it is evicted into the cache (or unmapped
// outright once the cache is full); if it transitions from full to
// not-full it rejoins the free-chunk list.
func (h *Heap) releaseChunkSlot(ri int, pageAddr, offset uintptr) {
	r := h.regionAt(ri)
	if r.size == 0 {
		// The shared sentinel page is never actually freed.
		return
	}

	wasFull := r.isFullChunk()
	r.freeChunkSlot(offset)

	switch {
	case r.isEmptyChunk():
		if wasFull {
			// Page was full (and thus absent from the free list); nothing
			// to unlink.
		} else {
			h.freeChunkRemove(r.size, pageAddr)
		}
		h.evictEmptyChunk(ri, pageAddr)
	case wasFull:
		h.freeChunkInsert(r.size, pageAddr)
	}
}

func (h *Heap) evictEmptyChunk(ri int, pageAddr uintptr) {
	if h.cacheLen >= maxCacheSize {
		h.regionAt(ri).deallocData(false)
		h.regionDelete(ri)
		return
	}

	h.regionAt(ri).setAsCache()
	h.listInsert(&h.cache1, &h.cache2, pageAddr)
	h.cacheLen++

	if h.statsEnabled {
		h.stats.ChunksCached++
	}
}
