package heap

import (
	"testing"
	"unsafe"

	"github.com/stouset/secrets/internal/platform"
)

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected a panic, got none", name)
		}
	}()
	f()
}

func TestAllocFreeChunkRoundTrip(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(32, false)
	if ptr == nil {
		t.Fatal("Alloc returned nil")
	}

	buf := unsafe.Slice((*byte)(ptr), 32)
	for i := range buf {
		buf[i] = byte(i)
	}

	h.Dealloc(ptr)
}

func TestAllocZeroFill(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(64, true)
	buf := unsafe.Slice((*byte)(ptr), 64)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
	h.Dealloc(ptr)
}

func TestAllocLargeRoundTrip(t *testing.T) {
	h := New()
	defer h.Close()

	size := uintptr(platform.PageSize())
	ptr := h.Alloc(size, false)
	buf := unsafe.Slice((*byte)(ptr), size)
	buf[0] = 1
	buf[size-1] = 2
	h.Dealloc(ptr)
}

func TestAllocManySmallChunksShareAndSplitPages(t *testing.T) {
	h := New()
	defer h.Close()

	const n = 500
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = h.Alloc(24, false)
	}
	for _, p := range ptrs {
		if p == nil {
			t.Fatal("got a nil pointer in a mixed chunk workload")
		}
	}
	for _, p := range ptrs {
		h.Dealloc(p)
	}
}

func TestZeroSizeAllocSharesSentinel(t *testing.T) {
	h := New()
	defer h.Close()

	a := h.Alloc(0, false)
	b := h.Alloc(0, false)
	if a != b {
		t.Fatalf("two zero-size allocations returned different pointers: %p vs %p", a, b)
	}
	h.Dealloc(a)
	h.Dealloc(b)
}

func TestAllocKeyAndProtect(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.AllocKey(32)
	if ptr == nil {
		t.Fatal("AllocKey returned nil")
	}

	h.Protect(ptr, platform.ProtReadWrite)
	buf := unsafe.Slice((*byte)(ptr), 32)
	buf[0] = 0xab

	h.Protect(ptr, platform.ProtRead)
	if buf[0] != 0xab {
		t.Fatal("byte written before narrowing to read-only did not survive")
	}

	h.Protect(ptr, platform.ProtNone)
	h.Dealloc(ptr)
}

func TestProtectOnChunkPointerPanics(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(16, false)
	mustPanic(t, "Protect on chunk pointer", func() {
		h.Protect(ptr, platform.ProtRead)
	})
	h.Dealloc(ptr)
}

func TestDoubleFreePanics(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(16, false)
	h.Dealloc(ptr)
	mustPanic(t, "double free", func() {
		h.Dealloc(ptr)
	})
}

func TestInvalidFreePanics(t *testing.T) {
	h := New()
	defer h.Close()

	var x [64]byte
	mustPanic(t, "invalid free", func() {
		h.Dealloc(unsafe.Pointer(&x[0]))
	})
}

func TestReallocCopiesAndShrinks(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(16, false)
	buf := unsafe.Slice((*byte)(ptr), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	ptr2 := h.Realloc(ptr, 8, false)
	buf2 := unsafe.Slice((*byte)(ptr2), 8)
	for i := range buf2 {
		if buf2[i] != byte(i+1) {
			t.Fatalf("byte %d lost across shrink: got %d", i, buf2[i])
		}
	}
	h.Dealloc(ptr2)
}

func TestReallocGrows(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(8, false)
	buf := unsafe.Slice((*byte)(ptr), 8)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	ptr2 := h.Realloc(ptr, 4096, false)
	buf2 := unsafe.Slice((*byte)(ptr2), 8)
	for i := range buf2 {
		if buf2[i] != byte(i+1) {
			t.Fatalf("byte %d lost across grow: got %d", i, buf2[i])
		}
	}
	h.Dealloc(ptr2)
}

func TestReallocToZeroFreesAndReturnsNil(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(16, false)
	out := h.Realloc(ptr, 0, false)
	if out != nil {
		t.Fatal("realloc to zero size did not return nil")
	}
}

func TestReallocNilBehavesLikeAlloc(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Realloc(nil, 16, false)
	if ptr == nil {
		t.Fatal("realloc(nil, ...) returned nil")
	}
	h.Dealloc(ptr)
}

func TestReallocKeyRoundTrip(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.AllocKey(16)
	h.Protect(ptr, platform.ProtReadWrite)
	buf := unsafe.Slice((*byte)(ptr), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	ptr2 := h.ReallocKey(ptr, 32)
	h.Protect(ptr2, platform.ProtRead)
	buf2 := unsafe.Slice((*byte)(ptr2), 16)
	for i := range buf2 {
		if buf2[i] != byte(i+1) {
			t.Fatalf("byte %d lost across key realloc: got %d", i, buf2[i])
		}
	}
	h.Dealloc(ptr2)
}

func TestCacheReusesEvictedChunkPages(t *testing.T) {
	h := New()
	defer h.Close()

	for round := 0; round < 4; round++ {
		ptrs := make([]unsafe.Pointer, 64)
		for i := range ptrs {
			ptrs[i] = h.Alloc(32, false)
		}
		for _, p := range ptrs {
			h.Dealloc(p)
		}
	}
}

func TestRegionTableGrowsAndShrinks(t *testing.T) {
	h := New()
	defer h.Close()

	const n = 2000
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = h.Alloc(4096+1, false) // force the large path, one region each
	}
	if h.total <= initialRegionCount {
		t.Fatalf("region table never grew past initial size: total=%d", h.total)
	}
	for _, p := range ptrs {
		h.Dealloc(p)
	}
}

func TestCalloc0SizeOneByte(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(1, true)
	buf := unsafe.Slice((*byte)(ptr), 1)
	if buf[0] != 0 {
		t.Fatal("single zero-filled byte was not zero")
	}
	h.Dealloc(ptr)
}

func TestAlignmentAcrossSizeClasses(t *testing.T) {
	h := New()
	defer h.Close()

	sizes := []uintptr{1, 2, 3, 7, 16, 17, 31, 32, 100, 256, 4097}
	for _, sz := range sizes {
		ptr := h.Alloc(sz, false)
		if uintptr(ptr)%platform.MinAlign != 0 {
			t.Fatalf("size %d: pointer %p not aligned to %d", sz, ptr, platform.MinAlign)
		}
		h.Dealloc(ptr)
	}
}

func TestWithStatsCounts(t *testing.T) {
	h := New(WithStats())
	defer h.Close()

	ptr := h.Alloc(16, false)
	h.Dealloc(ptr)

	st := h.Stats()
	if st.Allocations != 1 || st.Deallocations != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStatsZeroWithoutOption(t *testing.T) {
	h := New()
	defer h.Close()

	ptr := h.Alloc(16, false)
	h.Dealloc(ptr)

	if st := h.Stats(); st != (Stats{}) {
		t.Fatalf("Stats() should stay zero without WithStats, got %+v", st)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New()
	h.Close()
	h.Close()
}

func TestUseAfterCloseePanics(t *testing.T) {
	h := New()
	h.Close()
	mustPanic(t, "alloc after close", func() {
		h.Alloc(16, false)
	})
}

func TestMixedWorkloadManyRounds(t *testing.T) {
	h := New(WithStats())
	defer h.Close()

	live := make(map[unsafe.Pointer]uintptr)
	r := uint64(1)
	next := func(bound uint64) uint64 {
		r = r*6364136223846793005 + 1442695040888963407
		return (r >> 33) % bound
	}

	for i := 0; i < 2000; i++ {
		switch next(3) {
		case 0, 1:
			sz := uintptr(next(8192)) + 1
			p := h.Alloc(sz, next(2) == 0)
			live[p] = sz
		case 2:
			for p := range live {
				h.Dealloc(p)
				delete(live, p)
				break
			}
		}
	}

	for p := range live {
		h.Dealloc(p)
	}
}
