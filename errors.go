package secrets

import "errors"

// ErrInvalidSize is returned by the Try-prefixed allocation helpers when
// asked for a negative size.
var ErrInvalidSize = errors.New("secrets: invalid size")

// ErrSizeOverflow is returned by TryCalloc when count*size would overflow
// an int.
var ErrSizeOverflow = errors.New("secrets: size overflow")
