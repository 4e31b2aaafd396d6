package secrets_test

import (
	"testing"

	"github.com/stouset/secrets"
)

func TestKeyWriteThenRead(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 16)
	defer k.Close()

	w := k.Write()
	for i := range w.Slice() {
		w.Slice()[i] = byte(i + 1)
	}
	w.Close()

	r := k.Read()
	defer r.Close()
	for i, v := range r.Slice() {
		if v != byte(i+1) {
			t.Fatalf("byte %d mismatch: got %d", i, v)
		}
	}
}

func TestKeyConcurrentReaders(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	defer k.Close()

	r1 := k.Read()
	r2, err := k.TryRead()
	if err != nil {
		t.Fatalf("second concurrent read lease was refused: %v", err)
	}
	r1.Close()
	r2.Close()
}

func TestKeyWriteExcludesRead(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	defer k.Close()

	w := k.Write()
	defer w.Close()

	if _, err := k.TryRead(); err != secrets.ErrKeyBorrowed {
		t.Fatalf("expected ErrKeyBorrowed while a write lease is held, got %v", err)
	}
}

func TestKeyReadExcludesWrite(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	defer k.Close()

	r := k.Read()
	defer r.Close()

	if _, err := k.TryWrite(); err != secrets.ErrKeyBorrowed {
		t.Fatalf("expected ErrKeyBorrowed while a read lease is held, got %v", err)
	}
}

func TestKeyReadPanicsDuringWrite(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	defer k.Close()

	w := k.Write()
	defer w.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Read to panic while a write lease is held")
		}
	}()
	k.Read()
}

func TestKeyCloseDuringLeasePanics(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	r := k.Read()
	defer r.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Close to panic with an outstanding lease")
		}
	}()
	k.Close()
}

func TestNewKeyFromBuffer(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	b := secrets.FromSlice[byte](h, []byte{1, 2, 3, 4})
	defer b.Close()

	k := secrets.NewKeyFromBuffer[byte](h, b)
	defer k.Close()

	k.ReadWith(func(s []byte) {
		for i, v := range []byte{1, 2, 3, 4} {
			if s[i] != v {
				t.Fatalf("byte %d mismatch: got %d want %d", i, s[i], v)
			}
		}
	})
}

func TestKeyStringLockedDuringWrite(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	defer k.Close()

	w := k.Write()
	defer w.Close()

	if got := k.String(); got != "<locked>" {
		t.Fatalf("expected <locked> while a write lease is held, got %q", got)
	}
}

func TestKeyStringShowsContentsWhenReadable(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 2)
	defer k.Close()

	k.WriteWith(func(s []byte) {
		s[0], s[1] = 1, 2
	})

	if got := k.String(); got == "<locked>" {
		t.Fatal("expected String to succeed when no lease is outstanding")
	}
}

func TestKeyCloseIdempotent(t *testing.T) {
	h := secrets.NewHeap()
	defer h.Close()

	k := secrets.NewKey[byte](h, 4)
	k.Close()
	k.Close()
}
