package secrets_test

import (
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/stouset/secrets"
)

func TestMallocFreeRoundTrip(t *testing.T) {
	ptr := secrets.Malloc(32)
	buf := unsafe.Slice((*byte)(ptr), 32)
	buf[0] = 1
	secrets.Free(ptr)
}

func TestCallocZeroFills(t *testing.T) {
	ptr := secrets.Calloc(8, 4)
	buf := unsafe.Slice((*byte)(ptr), 32)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("byte %d not zero: %#x", i, v)
		}
	}
	secrets.Free(ptr)
}

func TestTryCallocOverflow(t *testing.T) {
	_, err := secrets.TryCalloc(math.MaxInt, math.MaxInt)
	if !errors.Is(err, secrets.ErrSizeOverflow) {
		t.Fatalf("expected ErrSizeOverflow, got %v", err)
	}
}

func TestTryMallocNegativeSize(t *testing.T) {
	_, err := secrets.TryMalloc(-1)
	if !errors.Is(err, secrets.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestReallocFreeRoundTrip(t *testing.T) {
	ptr := secrets.Malloc(16)
	buf := unsafe.Slice((*byte)(ptr), 16)
	for i := range buf {
		buf[i] = byte(i)
	}

	ptr = secrets.Realloc(ptr, 32)
	buf = unsafe.Slice((*byte)(ptr), 16)
	for i, v := range buf {
		if v != byte(i) {
			t.Fatalf("byte %d lost across Realloc: got %d", i, v)
		}
	}
	secrets.Free(ptr)
}

func TestMallocKeyProtectRoundTrip(t *testing.T) {
	ptr := secrets.MallocKey(16)
	secrets.ProtectReadWrite(ptr)
	buf := unsafe.Slice((*byte)(ptr), 16)
	buf[0] = 0x42
	secrets.ProtectRead(ptr)
	if buf[0] != 0x42 {
		t.Fatal("byte did not survive narrowing to read-only")
	}
	secrets.ProtectNone(ptr)
	secrets.Free(ptr)
}
