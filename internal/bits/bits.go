// Package bits provides low-level bit manipulation primitives.
package bits

import "math/bits"

// Width returns the number of bits needed to store every value in [0, v],
// which is ceil(log2(v+1)). The result is never less than 1 so that a
// zero-valued field still occupies a packable width.
func Width(v uint64) uint {
	if v == 0 {
		return 1
	}
	return uint(bits.Len64(v))
}

// Mask returns a mask with the low w bits set. w >= 64 yields all ones.
func Mask(w uint) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<w - 1
}

// CeilDiv returns ceil(a / b) for b > 0 without overflowing when a is near
// the top of the uint64 range.
func CeilDiv(a, b uint64) uint64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// MulOverflows reports whether a*b does not fit in 64 bits.
func MulOverflows(a, b uint64) bool {
	hi, _ := bits.Mul64(a, b)
	return hi != 0
}
