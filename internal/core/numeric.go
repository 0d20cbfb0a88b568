package core

import "math"

const defaultEpsilon = 1e-12

// ClampIndex limits i to the inclusive range [lo, hi].
func ClampIndex(i, lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}

	if i < lo {
		return lo
	}

	if i > hi {
		return hi
	}

	return i
}

// NearlyEqual reports whether a and b are equal within eps.
func NearlyEqual(a, b, eps float64) bool {
	if eps <= 0 {
		eps = defaultEpsilon
	}

	diff := math.Abs(a - b)
	if diff <= eps {
		return true
	}

	largest := math.Max(math.Abs(a), math.Abs(b))
	if largest == 0 {
		return diff <= eps
	}

	return diff/largest <= eps
}

// SameBits reports whether a and b have identical IEEE 754 representations.
// Unlike ==, NaN payloads compare equal to themselves and 0 differs from -0.
func SameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// SameBitsSlice applies SameBits element-wise. Slices of different length
// are never equal.
func SameBitsSlice(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !SameBits(a[i], b[i]) {
			return false
		}
	}
	return true
}
