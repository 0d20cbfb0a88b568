// Package filter defines the per-channel charge filter produced by the
// regression step, its binary store, and the uncertainty models used to
// weight training examples.
//
// A Filter estimates the pre-mixing charge of a channel from its post-mixing
// time-slice trace x restricted to [minTS, maxTS):
//
//	Q = c + b·x + xᵀAx
//
// where the quadratic term is present only for second-order filters.
//
// # Quadratic encoding
//
// A second-order fit produces one coefficient per monomial x_i·x_j with
// j <= i. The matrix A stores a square coefficient (i == j) as is, and
// splits an off-diagonal coefficient in half between A[i][j] and A[j][i].
// With this encoding the bilinear form xᵀAx reproduces the fitted
// polynomial exactly. SymmetricFromCrossTerms and CrossTermsFromSymmetric
// are the two sides of this contract.
package filter

import (
	"errors"
	"fmt"

	vecmath "github.com/cwbudde/algo-vecmath"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/hcal-chargemix/internal/core"
	"github.com/cwbudde/hcal-chargemix/pulse"
)

const numTS = pulse.NumTimeSlices

var (
	// ErrInvalidRange is returned when a slice range violates minTS < maxTS <= NumTimeSlices.
	ErrInvalidRange = errors.New("filter: invalid time slice range")
	// ErrMatrixDimension is returned when a quadratic matrix does not match the slice range.
	ErrMatrixDimension = errors.New("filter: quadratic matrix dimension mismatch")
	// ErrCrossTermCount is returned when a cross-term list has the wrong length.
	ErrCrossTermCount = errors.New("filter: wrong number of cross terms")
)

// Filter is an immutable charge filter. The zero value is the invalid
// filter assigned to channels without enough training data.
type Filter struct {
	b     [numTS]float64
	c     float64
	minTS int
	maxTS int
	a     *mat.SymDense
}

// Invalid returns the invalid filter.
func Invalid() Filter { return Filter{} }

// NewLinear returns a first-order filter. Coefficients outside
// [minTS, maxTS) are kept as given; fitted filters carry zeros there.
func NewLinear(b [numTS]float64, c float64, minTS, maxTS int) (Filter, error) {
	if err := checkRange(minTS, maxTS); err != nil {
		return Filter{}, err
	}
	return Filter{b: b, c: c, minTS: minTS, maxTS: maxTS}, nil
}

// NewQuadratic returns a second-order filter. a must be a symmetric matrix of
// dimension maxTS-minTS in the half-split encoding; it is copied.
func NewQuadratic(a mat.Symmetric, b [numTS]float64, c float64, minTS, maxTS int) (Filter, error) {
	if err := checkRange(minTS, maxTS); err != nil {
		return Filter{}, err
	}
	if a == nil {
		return Filter{}, fmt.Errorf("%w: nil matrix", ErrMatrixDimension)
	}
	if n := a.SymmetricDim(); n != maxTS-minTS {
		return Filter{}, fmt.Errorf("%w: dimension %d for range [%d, %d)", ErrMatrixDimension, n, minTS, maxTS)
	}

	return Filter{b: b, c: c, minTS: minTS, maxTS: maxTS, a: cloneSym(a)}, nil
}

// NumCrossTerms returns the number of monomials x_i·x_j, j <= i, over k slices.
func NumCrossTerms(k int) int { return k * (k + 1) / 2 }

// SymmetricFromCrossTerms converts fitted monomial coefficients into the
// half-split symmetric matrix. cross is ordered by i in [0, k) and then j in
// [0, i].
func SymmetricFromCrossTerms(k int, cross []float64) (*mat.SymDense, error) {
	if k <= 0 || k > numTS {
		return nil, fmt.Errorf("%w: dimension %d", ErrMatrixDimension, k)
	}
	if len(cross) != NumCrossTerms(k) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCrossTermCount, len(cross), NumCrossTerms(k))
	}

	a := mat.NewSymDense(k, nil)
	n := 0
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			if i == j {
				a.SetSym(i, j, cross[n])
			} else {
				a.SetSym(i, j, cross[n]/2)
			}
			n++
		}
	}

	return a, nil
}

// CrossTermsFromSymmetric is the inverse of SymmetricFromCrossTerms.
func CrossTermsFromSymmetric(a mat.Symmetric) []float64 {
	k := a.SymmetricDim()
	cross := make([]float64, 0, NumCrossTerms(k))
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			if i == j {
				cross = append(cross, a.At(i, j))
			} else {
				cross = append(cross, 2*a.At(i, j))
			}
		}
	}
	return cross
}

// IsValid reports whether f can be evaluated.
func (f Filter) IsValid() bool { return f.minTS < f.maxTS }

// IsQuadratic reports whether f has a quadratic term.
func (f Filter) IsQuadratic() bool { return f.a != nil }

// Order returns 1 or 2 for valid filters and 0 for the invalid filter.
func (f Filter) Order() int {
	switch {
	case !f.IsValid():
		return 0
	case f.IsQuadratic():
		return 2
	default:
		return 1
	}
}

// Range returns the half-open time-slice range the filter reads.
func (f Filter) Range() (minTS, maxTS int) { return f.minTS, f.maxTS }

// Linear returns the linear coefficients indexed by absolute time slice.
func (f Filter) Linear() [numTS]float64 { return f.b }

// Intercept returns the constant term.
func (f Filter) Intercept() float64 { return f.c }

// Quadratic returns a copy of the quadratic matrix, or nil.
func (f Filter) Quadratic() *mat.SymDense {
	if f.a == nil {
		return nil
	}
	return cloneSym(f.a)
}

// Eval applies the filter to a full trace. ts must hold at least maxTS
// slices. Eval on the invalid filter returns 0.
func (f Filter) Eval(ts []float64) float64 {
	if !f.IsValid() {
		return 0
	}

	x := ts[f.minTS:f.maxTS]
	var prod [numTS]float64
	p := prod[:len(x)]
	vecmath.MulBlock(p, f.b[f.minTS:f.maxTS], x)

	sum := f.c
	for _, v := range p {
		sum += v
	}

	if f.a != nil {
		v := mat.NewVecDense(len(x), x)
		sum += mat.Inner(v, f.a, v)
	}

	return sum
}

// EvalFloat32 is Eval for single precision traces as stored in the archive.
func (f Filter) EvalFloat32(ts []float32) float64 {
	var x [numTS]float64
	for i := 0; i < len(ts) && i < numTS; i++ {
		x[i] = float64(ts[i])
	}
	return f.Eval(x[:])
}

// Equal reports whether f and g are bitwise identical, including the
// presence and content of the quadratic matrix.
func (f Filter) Equal(g Filter) bool {
	if f.minTS != g.minTS || f.maxTS != g.maxTS || !core.SameBits(f.c, g.c) {
		return false
	}
	if !core.SameBitsSlice(f.b[:], g.b[:]) {
		return false
	}
	if (f.a == nil) != (g.a == nil) {
		return false
	}
	if f.a == nil {
		return true
	}

	n := f.a.SymmetricDim()
	if g.a.SymmetricDim() != n {
		return false
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if !core.SameBits(f.a.At(i, j), g.a.At(i, j)) {
				return false
			}
		}
	}
	return true
}

// EqualSlices reports whether two filter vectors are element-wise Equal.
func EqualSlices(a, b []Filter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func cloneSym(a mat.Symmetric) *mat.SymDense {
	cp := mat.NewSymDense(a.SymmetricDim(), nil)
	cp.CopySym(a)
	return cp
}

func checkRange(minTS, maxTS int) error {
	if minTS < 0 || minTS >= maxTS || maxTS > numTS {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, minTS, maxTS)
	}
	return nil
}
