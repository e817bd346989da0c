package mem

import (
	"golang.org/x/exp/constraints"
)

// Align rounds n up to a multiple of to, which must be a power of two.
func Align[T constraints.Unsigned](n, to T) T {
	return (n + to - 1) &^ (to - 1)
}

func AlignDown[T constraints.Unsigned](n, to T) T {
	return n &^ (to - 1)
}
