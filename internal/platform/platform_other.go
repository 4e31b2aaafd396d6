//go:build !linux

package platform

import "unsafe"

// madviseExcludeFromDumpAndFork is a no-op on platforms where this package
// doesn't know a portable advice flag to request.
func madviseExcludeFromDumpAndFork(_ unsafe.Pointer, _ uintptr) {}
