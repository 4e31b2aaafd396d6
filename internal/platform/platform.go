// Package platform wraps the raw OS-mapping primitives the protected heap
// is built on: page-sized, guard-paged, optionally locked mmap allocations
// and the protection changes made against them.
//
// Everything here is a thin layer over golang.org/x/sys/unix. It panics on
// any syscall failure, because a failed mapping call leaves the caller
// with no safe way to continue operating on secret-bearing memory.
package platform

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stouset/secrets/internal/rng"
)

// MinAlign is the minimum alignment boundary a caller may request; smaller
// alignments are satisfied implicitly by size-class rounding.
const MinAlign = 16

// Prot describes the page protection to apply to a mapped region. It is
// deliberately a closed enum of the four combinations the heap ever
// requests; on hardware where write implies read (effectively all common
// architectures), Write behaves like ReadWrite for reads too.
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtWrite
	ProtReadWrite
)

func (p Prot) sysProt() int {
	switch p {
	case ProtNone:
		return unix.PROT_NONE
	case ProtRead:
		return unix.PROT_READ
	case ProtWrite:
		return unix.PROT_WRITE
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		panic(fmt.Sprintf("platform: invalid protection %d", p))
	}
}

// RangePos hints where inside its mapped region the caller's pointer should
// be placed.
type RangePos int

const (
	// RangeStart places the object at the start of the region, page-aligned.
	RangeStart RangePos = iota
	// RangeEnd places the object against the end of the region, truncated
	// down to a multiple of the requested alignment.
	RangeEnd
	// RangeRand places the object at a uniformly random aligned offset
	// within the region.
	RangeRand
)

var (
	pageSizeOnce sync.Once
	pageSizeVal  uintptr
)

// PageSize returns the process's page size, a power of two no smaller than
// 4096.
func PageSize() uintptr {
	pageSizeOnce.Do(func() {
		pageSizeVal = uintptr(unix.Getpagesize())
	})
	return pageSizeVal
}

func pageMask() uintptr {
	return PageSize() - 1
}

func pageRound(size uintptr) uintptr {
	return (size + pageMask()) &^ pageMask()
}

// MaskPointer clears the low log2(PageSize) bits of ptr, yielding the start
// of the page it falls in.
func MaskPointer(ptr unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(ptr) &^ pageMask())
}

// Allocate maps size bytes (rounded up to a page multiple) bracketed by two
// inaccessible guard pages, applies prot to the user region, optionally
// mlocks it, hints the kernel to exclude it from core dumps and fork
// inheritance where supported, and returns a pointer chosen per pos. If
// fill is non-nil the returned bytes are pre-filled with *fill. r supplies
// the randomness used for RangeRand placement; it may be nil for any other
// RangePos.
func Allocate(size, align uintptr, fill *byte, prot Prot, pos RangePos, r *rng.Source) unsafe.Pointer {
	if align > 0 && (align >= PageSize() || align&(align-1) != 0) {
		panic("platform: align must be a power of two smaller than the page size")
	}

	regionSize := pageRound(size)
	fullSize := regionSize + 2*PageSize()

	alignSize := alignmentFor(align, pos)

	base, err := unix.Mmap(-1, 0, int(fullSize),
		unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("platform: mmap failed: %v", err))
	}
	basePtr := unsafe.Pointer(&base[0])

	// Carve out the guard pages; they stay PROT_NONE for the life of the
	// mapping.
	frontGuard := unsafe.Slice((*byte)(basePtr), PageSize())
	if err := unix.Mprotect(frontGuard, unix.PROT_NONE); err != nil {
		panic(fmt.Sprintf("platform: mprotect (front guard) failed: %v", err))
	}

	rearGuardOff := fullSize - PageSize()
	rearGuard := unsafe.Slice((*byte)(unsafe.Add(basePtr, rearGuardOff)), PageSize())
	if err := unix.Mprotect(rearGuard, unix.PROT_NONE); err != nil {
		panic(fmt.Sprintf("platform: mprotect (rear guard) failed: %v", err))
	}

	userRegion := unsafe.Add(basePtr, PageSize())
	if err := unix.Mprotect(unsafe.Slice((*byte)(userRegion), regionSize), prot.sysProt()); err != nil {
		panic(fmt.Sprintf("platform: mprotect (user region) failed: %v", err))
	}

	if useMlock {
		if err := unix.Mlock(unsafe.Slice((*byte)(userRegion), regionSize)); err != nil {
			panic(fmt.Sprintf("platform: mlock failed: %v", err))
		}
	}

	madviseExcludeFromDumpAndFork(userRegion, regionSize)

	object := userRegion
	switch {
	case size == regionSize:
		// object already occupies the whole region.
	case pos == RangeEnd:
		offset := (regionSize - size) &^ (alignSize - 1)
		object = unsafe.Add(userRegion, offset)
	case pos == RangeRand:
		steps := (regionSize - size) / alignSize
		offset := uintptr(0)
		if steps > 0 {
			offset = uintptr(r.IntN(int(steps))) * alignSize
		}
		object = unsafe.Add(userRegion, offset)
	}

	if fill != nil {
		fillMemory(object, size, *fill)
	}

	return object
}

func alignmentFor(align uintptr, pos RangePos) uintptr {
	switch {
	case align == 0 && pos == RangeRand:
		return MinAlign
	case align == 0 && pos == RangeEnd:
		return MinAlign
	case pos == RangeStart:
		return 1
	case align > MinAlign:
		return align
	default:
		return MinAlign
	}
}

// Deallocate releases a mapping previously returned by Allocate for the
// same size. If fill is non-nil the user region is overwritten with *fill
// before being unlocked and unmapped.
func Deallocate(ptr unsafe.Pointer, size uintptr, fill *byte) {
	if ptr == nil {
		return
	}

	regionSize := pageRound(size)
	fullSize := regionSize + 2*PageSize()
	region := MaskPointer(ptr)

	if fill != nil {
		if err := unix.Mprotect(unsafe.Slice((*byte)(region), regionSize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			panic(fmt.Sprintf("platform: mprotect (pre-wipe) failed: %v", err))
		}
		fillMemory(region, regionSize, *fill)
	}

	if useMlock {
		if err := unix.Munlock(unsafe.Slice((*byte)(region), regionSize)); err != nil {
			panic(fmt.Sprintf("platform: munlock failed: %v", err))
		}
	}

	start := unsafe.Add(region, -int(PageSize()))
	full := unsafe.Slice((*byte)(start), fullSize)
	if err := unix.Munmap(full); err != nil {
		panic(fmt.Sprintf("platform: munmap failed: %v", err))
	}
}

// Protect alters the protection of the user region whose size was given to
// Allocate. It is a no-op when ptr is nil.
func Protect(ptr unsafe.Pointer, size uintptr, prot Prot) {
	if ptr == nil {
		return
	}

	region := MaskPointer(ptr)
	regionSize := pageRound(size)
	if err := unix.Mprotect(unsafe.Slice((*byte)(region), regionSize), prot.sysProt()); err != nil {
		panic(fmt.Sprintf("platform: mprotect failed: %v", err))
	}
}

func fillMemory(ptr unsafe.Pointer, size uintptr, b byte) {
	s := unsafe.Slice((*byte)(ptr), size)
	for i := range s {
		s[i] = b
	}
}

// useMlock controls whether Allocate/Deallocate call mlock/munlock on the
// user region. It is a package variable rather than a compile-time
// constant so heap.WithoutMlock (see internal/heap) can disable it for
// environments with restrictive RLIMIT_MEMLOCK.
var useMlock = true

// SetMlock toggles mlock/munlock calls process-wide. It is exported for use
// by internal/heap's functional options and is not meant to be called
// concurrently with allocations.
func SetMlock(enabled bool) {
	useMlock = enabled
}
