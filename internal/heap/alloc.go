package heap

import (
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

// Alloc returns a pointer to size bytes backed by a shared chunk slot (for
// small sizes) or a dedicated guarded mapping (for sizes above the chunk
// ceiling). If zeroFill is true the returned bytes are guaranteed zero;
// otherwise they carry whatever junk byte the page was last filled with.
func (h *Heap) Alloc(size uintptr, zeroFill bool) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	if h.statsEnabled {
		h.stats.Allocations++
	}

	if isLarge(size) {
		return h.allocLarge(size, platform.ProtReadWrite, platform.RangeStart, zeroFill)
	}
	return h.allocChunk(size, zeroFill)
}

// AllocKey returns a pointer to size bytes in their own guarded mapping,
// placed against the end of the region and left write-only. A key that is
// never read never sits behind a readable mapping; ProtectRead/ProtectNone
// widen and narrow access around that baseline as leases come and go.
func (h *Heap) AllocKey(size uintptr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	if h.statsEnabled {
		h.stats.Allocations++
	}

	return h.allocLarge(size, platform.ProtWrite, platform.RangeEnd, false)
}

func (h *Heap) allocChunk(size uintptr, zeroFill bool) unsafe.Pointer {
	chunkSize := chunkSizeForRequest(size)
	ptr := h.takeChunkSlot(chunkSize)
	object := unsafe.Pointer(ptr)

	if zeroFill && size > 0 {
		zeroMemory(object, size)
	}

	if h.statsEnabled {
		h.stats.ChunksCreated++
	}

	return object
}

func (h *Heap) allocLarge(size uintptr, prot platform.Prot, pos platform.RangePos, zeroFill bool) unsafe.Pointer {
	var fill byte
	fillPtr := fillByteAlloc()
	if zeroFill {
		fill = 0
		fillPtr = &fill
	}

	object := platform.Allocate(size, 0, fillPtr, prot, pos, h.rng)
	h.regionInsert(uintptr(object), size, false)

	if h.statsEnabled {
		h.stats.LargeMapped++
	}

	return object
}

// Dealloc releases a pointer returned by Alloc or AllocKey. It panics if
// ptr was never returned by this Heap or has already been freed.
func (h *Heap) Dealloc(ptr unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	if ptr == nil {
		return
	}

	h.deallocLocked(ptr)

	if h.statsEnabled {
		h.stats.Deallocations++
	}
}

func (h *Heap) deallocLocked(ptr unsafe.Pointer) {
	if idx, ok := h.regionFind(uintptr(ptr)); ok && h.regionAt(idx).kind == kindLarge {
		h.regionAt(idx).deallocData(true)
		h.regionDelete(idx)
		return
	}

	pageAddr := uintptr(platform.MaskPointer(ptr))
	idx, ok := h.regionFind(pageAddr)
	if !ok || h.regionAt(idx).kind != kindChunk {
		panic("heap: invalid free: pointer has no region")
	}

	offset := uintptr(ptr) - pageAddr
	h.releaseChunkSlot(idx, pageAddr, offset)
}

// Protect changes the page protection of a large/key allocation. It
// panics if ptr does not refer to a region allocated through AllocKey or a
// large Alloc.
func (h *Heap) Protect(ptr unsafe.Pointer, prot platform.Prot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	idx, ok := h.regionFind(uintptr(ptr))
	if !ok || h.regionAt(idx).kind != kindLarge {
		panic("heap: Protect is only valid on a large or key allocation")
	}

	platform.Protect(ptr, h.regionAt(idx).size, prot)
}

// describe reports the allocator's notion of ptr's size (a chunk's size
// class, or a large region's exact size) and whether it is a large
// region.
func (h *Heap) describe(ptr unsafe.Pointer) (size uintptr, large bool, found bool) {
	if idx, ok := h.regionFind(uintptr(ptr)); ok && h.regionAt(idx).kind == kindLarge {
		return h.regionAt(idx).size, true, true
	}

	pageAddr := uintptr(platform.MaskPointer(ptr))
	idx, ok := h.regionFind(pageAddr)
	if !ok || h.regionAt(idx).kind != kindChunk {
		return 0, false, false
	}
	return h.regionAt(idx).size, false, true
}

// Realloc never grows a mapping in place: it always allocates a fresh
// block, copies over the lesser of the old and new sizes, and wipes and
// releases the old one. Growing in place would risk a realloc handing
// back memory that still borders, or briefly aliases, another live
// allocation's guard page; a copy is the only move that's unambiguously
// safe. A nil ptr behaves like Alloc; a newSize of zero behaves like
// Dealloc and returns nil.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize uintptr, zeroFill bool) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	if h.statsEnabled {
		h.stats.Reallocations++
	}

	if ptr == nil {
		if isLarge(newSize) {
			return h.allocLarge(newSize, platform.ProtReadWrite, platform.RangeStart, zeroFill)
		}
		return h.allocChunk(newSize, zeroFill)
	}

	if newSize == 0 {
		h.deallocLocked(ptr)
		return nil
	}

	oldSize, _, found := h.describe(ptr)
	if !found {
		panic("heap: realloc of a pointer with no region")
	}

	var newPtr unsafe.Pointer
	if isLarge(newSize) {
		newPtr = h.allocLarge(newSize, platform.ProtReadWrite, platform.RangeStart, zeroFill)
	} else {
		newPtr = h.allocChunk(newSize, zeroFill)
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copyMemory(newPtr, ptr, copySize)

	h.deallocLocked(ptr)

	return newPtr
}

// ReallocKey is Realloc's counterpart for key allocations: the
// replacement mapping keeps the end-aligned, write-only placement
// AllocKey uses. The caller must ensure ptr is currently readable (holds
// at least a read lease) before calling, since the copy reads through it.
func (h *Heap) ReallocKey(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkIntegrity()

	if h.statsEnabled {
		h.stats.Reallocations++
	}

	if ptr == nil {
		return h.allocLarge(newSize, platform.ProtWrite, platform.RangeEnd, false)
	}
	if newSize == 0 {
		h.deallocLocked(ptr)
		return nil
	}

	oldSize, large, found := h.describe(ptr)
	if !found || !large {
		panic("heap: ReallocKey requires an existing key allocation")
	}

	newPtr := h.allocLarge(newSize, platform.ProtWrite, platform.RangeEnd, false)

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copyMemory(newPtr, ptr, copySize)

	h.deallocLocked(ptr)

	return newPtr
}

func zeroMemory(ptr unsafe.Pointer, size uintptr) {
	dst := unsafe.Slice((*byte)(ptr), size)
	for i := range dst {
		dst[i] = 0
	}
}

func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	d := unsafe.Slice((*byte)(dst), size)
	s := unsafe.Slice((*byte)(src), size)
	copy(d, s)
}
