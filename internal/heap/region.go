package heap

import (
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

// kind discriminates what a region slot currently holds.
type kind uint8

const (
	kindFree kind = iota
	kindChunk
	kindLarge
	kindCache
)

// region is the Directory-level metadata record for one live chunk page or
// large mapping. It lives inside the Heap's mmap'd region table, not in
// ordinary Go memory, so every field that would otherwise be a pointer is
// stored as a uintptr: the garbage collector never scans memory outside
// its own arenas, and a live unsafe.Pointer sitting in memory the GC can't
// see would be a hazard, not a convenience. object/next/prev are converted
// to unsafe.Pointer only at the point of use.
type region struct {
	object uintptr
	canary uintptr
	size   uintptr
	kind   kind

	// Bitmap of free slots for chunk regions; bit 1 means free. Unused for
	// Large and Cache regions.
	mapping [maxChunkMapping]byte

	// Doubly-linked list pointers (as object addresses) into whichever
	// list this region currently belongs to: a per-size-class free-chunk
	// list, or the empty-chunk cache.
	next uintptr
	prev uintptr
}

func (r *region) isFree() bool  { return r.kind == kindFree }
func (r *region) isChunk() bool { return r.kind == kindChunk }

func (r *region) checkIntegrity(canaryDir uintptr) bool {
	return !r.isFree() && r.canary == canaryDir^r.object
}

func (r *region) setAsFree() {
	r.object = 0
	r.kind = kindFree
}

func (r *region) init(object, size uintptr, isChunk bool, canaryDir uintptr) {
	if object == 0 {
		panic("heap: attempted to install a region with a nil object")
	}

	r.object = object
	r.canary = canaryDir ^ object
	r.size = size

	if isChunk {
		r.kind = kindChunk
		r.initChunkBitmap()
	} else {
		r.kind = kindLarge
	}
}

// initChunkBitmap marks every slot up to maxSlotIndex(size) as free (bit
// 1) and every slot beyond it as permanently unavailable (bit 0), and
// resets the region's free-list pointers. A size-0 region (the shared
// zero-size sentinel) has no slots to track and is left untouched.
func (r *region) initChunkBitmap() {
	if r.size == 0 {
		return
	}

	maxIndex := maxSlotIndex(r.size)

	for i := range r.mapping {
		r.mapping[i] = 0
	}
	for i := uintptr(0); i < maxIndex/8; i++ {
		r.mapping[i] = 0xff
	}
	if maxIndex%8 != 0 {
		for i := uintptr(0); i < maxIndex%8; i++ {
			r.mapping[maxIndex/8] |= 1 << i
		}
	}

	r.next = 0
	r.prev = 0
}

func (r *region) chunkSlotIsFree(index uintptr) bool {
	return r.mapping[index/8]&(1<<(index%8)) != 0
}

// chunkState reports whether every reachable slot is in the state implied
// by full: all taken (full) or all free (empty).
func (r *region) chunkState(full bool) bool {
	if !r.isChunk() || r.size == 0 {
		panic("heap: chunkState called on a non-chunk or sentinel region")
	}

	maxIndex := maxSlotIndex(r.size)

	wantByte := byte(0xff)
	if full {
		wantByte = 0
	}
	for i := uintptr(0); i < maxIndex/8; i++ {
		if r.mapping[i] != wantByte {
			return false
		}
	}

	for i := uintptr(0); i < maxIndex%8; i++ {
		want := byte(1 << i)
		if full {
			want = 0
		}
		if r.mapping[maxIndex/8]&(1<<i) != want {
			return false
		}
	}

	return true
}

func (r *region) isFullChunk() bool  { return r.chunkState(true) }
func (r *region) isEmptyChunk() bool { return r.chunkState(false) }

// takeChunkSlot picks a free slot starting from a random index and probing
// backwards, marks it taken, and returns its index.
func (r *region) takeChunkSlot(rnd randIntN) uintptr {
	maxIndex := maxSlotIndex(r.size)
	if maxIndex == 0 {
		panic("heap: chunk has no slots")
	}

	slot := uintptr(rnd.IntN(int(maxIndex)))
	found := false
	for i := uintptr(0); i < maxIndex; i++ {
		if r.chunkSlotIsFree(slot) {
			found = true
			break
		}
		if slot == 0 {
			slot = maxIndex - 1
		} else {
			slot--
		}
	}
	if !found {
		panic("heap: no free slot found in a non-full chunk")
	}

	r.mapping[slot/8] ^= 1 << (slot % 8)
	return slot
}

// freeChunkSlot marks offset's slot free and overwrites it with junk.
func (r *region) freeChunkSlot(offset uintptr) {
	if offset >= platform.PageSize() || offset%r.size != 0 {
		panic("heap: invalid free: misaligned chunk offset")
	}

	slot := offset / r.size
	if r.chunkSlotIsFree(slot) {
		panic("heap: double free detected")
	}
	r.mapping[slot/8] |= 1 << (slot % 8)

	junk := fillByteDealloc()
	dst := unsafe.Slice((*byte)(unsafe.Add(uintptr2ptr(r.object), offset)), r.size)
	for i := range dst {
		dst[i] = *junk
	}
}

// setAsCache transitions a now-empty chunk into the cache pool: its
// mapping becomes irrelevant, its size is cleared, and its page is
// reprotected to PROT_NONE while it sits idle.
func (r *region) setAsCache() {
	if r.kind != kindChunk {
		panic("heap: setAsCache called on a non-chunk region")
	}
	r.kind = kindCache
	r.size = 0
	platform.Protect(uintptr2ptr(r.object), platform.PageSize(), platform.ProtNone)
}

// setAsChunk reactivates a cached chunk at a (possibly different) size
// class.
func (r *region) setAsChunk(chunkSize uintptr) {
	if r.kind != kindCache {
		panic("heap: setAsChunk called on a non-cache region")
	}
	r.kind = kindChunk
	r.size = chunkSize
	r.initChunkBitmap()
	platform.Protect(uintptr2ptr(r.object), platform.PageSize(), platform.ProtReadWrite)
}

// deallocData releases the mapping backing this region and marks it free.
// forced requests the fill-with-junk path even for a region that would
// otherwise skip it (used during whole-heap teardown).
func (r *region) deallocData(forced bool) {
	switch r.kind {
	case kindChunk:
		var fill *byte
		if forced {
			fill = fillByteDealloc()
		}
		platform.Deallocate(uintptr2ptr(r.object), platform.PageSize(), fill)
	case kindLarge:
		platform.Deallocate(uintptr2ptr(r.object), r.size, fillByteDealloc())
	case kindCache:
		platform.Deallocate(uintptr2ptr(r.object), platform.PageSize(), nil)
	default:
		panic("heap: deallocData called on a free region")
	}
	r.setAsFree()
}

func uintptr2ptr(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet // raw address stored in foreign memory, see region doc comment
}

// randIntN is the minimal randomness surface region/heap code needs; it is
// satisfied by *rng.Source without importing that package here, keeping
// region.go focused on bitmap bookkeeping.
type randIntN interface {
	IntN(n int) int
}
