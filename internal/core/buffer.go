// Package core holds small buffer and numeric helpers shared by the
// mixing, regression, and filter packages.
package core

// Number is the set of element types the buffer helpers operate on.
type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~float32 | ~float64
}

// EnsureLen returns a slice with the requested length, reusing buf capacity if possible.
// The contents of a reused buffer are not cleared.
func EnsureLen[T Number](buf []T, n int) []T {
	if n <= 0 {
		return buf[:0]
	}
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]T, n)
}

// Zero sets all values in buf to 0.
func Zero[T Number](buf []T) {
	for i := range buf {
		buf[i] = 0
	}
}

// IsZero reports whether every element of buf is exactly zero.
func IsZero[T Number](buf []T) bool {
	for _, v := range buf {
		if v != 0 {
			return false
		}
	}
	return true
}
