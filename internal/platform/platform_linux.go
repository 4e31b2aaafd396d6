//go:build linux

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// madviseExcludeFromDumpAndFork hints the kernel that the given region
// should be excluded from core dumps and from the address space a forked
// child inherits. EINVAL is swallowed: MADV_DONTDUMP and MADV_DONTFORK are
// unavailable on kernels older than 3.4 and 2.6.16 respectively, and a
// secret allocator on an ancient kernel should still function, just
// without this particular defence-in-depth layer.
func madviseExcludeFromDumpAndFork(ptr unsafe.Pointer, size uintptr) {
	for _, advice := range []int{unix.MADV_DONTDUMP, unix.MADV_DONTFORK} {
		if err := unix.Madvise(unsafe.Slice((*byte)(ptr), size), advice); err != nil && err != unix.EINVAL {
			panic("platform: madvise failed: " + err.Error())
		}
	}
}
