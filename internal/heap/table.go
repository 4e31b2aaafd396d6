package heap

import (
	"encoding/binary"
	"hash/maphash"
)

// index returns the home slot for key under the table's current size. key
// is either the exact pointer of a large-object region or the page-masked
// pointer of a chunk region; callers are responsible for masking.
func (h *Heap) index(key uintptr) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	sum := maphash.Bytes(h.seed, b[:])
	return int(sum & uint64(h.total-1))
}

func distBackward(from, to, total int) int {
	d := (from - to) % total
	if d < 0 {
		d += total
	}
	return d
}

// regionInsert installs a new region for key using Knuth's Algorithm L:
// starting at key's home slot, probe backwards (decreasing index, with
// wraparound) until a free slot is found.
func (h *Heap) regionInsert(key, size uintptr, isChunk bool) int {
	if h.free <= h.total/4 {
		h.regionsGrow()
	}

	idx := h.index(key)
	for !h.regionAt(idx).isFree() {
		idx = (idx - 1 + h.total) % h.total
	}

	h.regionAt(idx).init(key, size, isChunk, h.regionCanary())
	h.free--

	return idx
}

// regionFind looks up the region installed under key, probing backwards
// from its home slot exactly as insertion did, stopping at the first free
// slot (which regionDelete guarantees means "not present").
func (h *Heap) regionFind(key uintptr) (int, bool) {
	idx := h.index(key)
	for i := 0; i < h.total; i++ {
		r := h.regionAt(idx)
		if r.isFree() {
			return -1, false
		}
		if r.object == key {
			if !r.checkIntegrity(h.regionCanary()) {
				panic("heap: region corruption detected")
			}
			return idx, true
		}
		idx = (idx - 1 + h.total) % h.total
	}
	return -1, false
}

// regionDelete frees the slot at idx and re-packs the table per Knuth's
// Algorithm R, scanning backward from the hole (the probe direction) and
// relocating any entry whose backward probe path from its home slot still
// passes through the hole. Without this, a later regionFind could stop at
// the new hole before reaching an entry that was actually still present
// further along the probe sequence.
func (h *Heap) regionDelete(idx int) {
	h.regionAt(idx).setAsFree()
	h.free++

	hole := idx
	j := idx
	for {
		j = (j - 1 + h.total) % h.total
		rj := h.regionAt(j)
		if rj.isFree() {
			break
		}

		home := h.index(rj.object)
		if distBackward(home, hole, h.total) <= distBackward(home, j, h.total) {
			*h.regionAt(hole) = *rj
			rj.setAsFree()
			hole = j
		}
	}

	if h.total > initialRegionCount && h.free > 3*h.total/4 {
		h.regionsShrink()
	}
}

func (h *Heap) regionCanary() uintptr {
	return uintptr(h.canary2)
}

// listRemove unlinks object from the doubly-linked list whose head/tail are
// held in *head/*tail.
func (h *Heap) listRemove(head, tail *uintptr, object uintptr) {
	idx, ok := h.regionFind(object)
	if !ok {
		panic("heap: listRemove on an object with no region")
	}
	r := h.regionAt(idx)

	if r.prev != 0 {
		pi, _ := h.regionFind(r.prev)
		h.regionAt(pi).next = r.next
	} else {
		*head = r.next
	}

	if r.next != 0 {
		ni, _ := h.regionFind(r.next)
		h.regionAt(ni).prev = r.prev
	} else {
		*tail = r.prev
	}

	r.next = 0
	r.prev = 0
}

// listInsert pushes object onto the front of the list whose head/tail are
// held in *head/*tail.
func (h *Heap) listInsert(head, tail *uintptr, object uintptr) {
	idx, ok := h.regionFind(object)
	if !ok {
		panic("heap: listInsert on an object with no region")
	}
	r := h.regionAt(idx)
	r.prev = 0
	r.next = *head

	if *head != 0 {
		hi, _ := h.regionFind(*head)
		h.regionAt(hi).prev = object
	} else {
		*tail = object
	}
	*head = object
}
