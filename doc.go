// Package secrets provides heap-allocated buffers and keys safe for the
// storage of cryptographic secrets.
//
// Memory handed out by this package is bracketed by guard pages, excluded
// from core dumps and forked children where the platform permits,
// prevented from paging to disk where the platform permits, placed at a
// randomized offset within its allocation, and wiped when released.
//
// Buffer is always readable and writable; Key additionally starts out
// entirely inaccessible and must be explicitly leased for a scoped read or
// write before its contents can be touched.
//
// Examples
//
//	// Create a Heap and a 32-byte Buffer zeroed on allocation.
//	h := secrets.NewHeap()
//	defer h.Close()
//
//	buf := secrets.New[byte](h, 32)
//	defer buf.Close()
//
//	io.ReadFull(rand.Reader, buf.Slice())
//
//	// Copy the bytes into a Key, which keeps them inaccessible except
//	// during a scoped lease.
//	key := secrets.NewKeyFromBuffer[byte](h, buf)
//	defer key.Close()
//
//	key.ReadWith(func(b []byte) {
//		// b is only valid for the duration of this call.
//	})
package secrets
