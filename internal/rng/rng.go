// Package rng provides the fast, OS-seeded pseudo-random source the heap
// uses for placement randomization (slot selection, head/tail list choice,
// random offset within a mapped region). None of this is security
// critical — it is defence-in-depth against adjacent-object leaks, not a
// cryptographic primitive — so a non-cryptographic PRNG seeded once from
// the OS is sufficient. A separate OS-backed fill path exists for callers
// that explicitly ask for cryptographically random buffer contents.
package rng

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand/v2"
)

// Source is a non-cryptographic PRNG seeded from the OS RNG. It is not
// safe for concurrent use; each Heap owns one exclusively.
type Source struct {
	r *mathrand.Rand
}

// New returns a Source seeded from the operating system's RNG.
func New() *Source {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("rng: failed to seed from OS RNG: %v", err))
	}

	s1 := binary.LittleEndian.Uint64(seed[:8])
	s2 := binary.LittleEndian.Uint64(seed[8:])

	return &Source{r: mathrand.New(mathrand.NewPCG(s1, s2))}
}

// IntN returns a pseudo-random integer in [0, n). It panics if n <= 0.
func (s *Source) IntN(n int) int {
	return s.r.IntN(n)
}

// Bool returns a pseudo-random boolean, used for the heap's "pick head or
// tail" and "pick cache head or tail" coin flips.
func (s *Source) Bool() bool {
	return s.r.IntN(2) == 1
}

// Uint64 returns a pseudo-random 64-bit word, used to seed a Heap's
// integrity canary.
func (s *Source) Uint64() uint64 {
	return s.r.Uint64()
}

// FillOS fills buf with bytes read directly from the operating system's
// RNG, bypassing the fast PRNG. Used by Buffer's NewRandomOS constructor
// and nothing else.
func FillOS(buf []byte) {
	if _, err := cryptorand.Read(buf); err != nil {
		panic(fmt.Sprintf("rng: failed to read from OS RNG: %v", err))
	}
}
