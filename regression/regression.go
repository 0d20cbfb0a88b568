// Package regression fits per-channel charge filters by weighted linear
// least squares.
//
// Each training example contributes one row to a design matrix whose
// columns are a constant, the time slices in [minTS, maxTS), and for second
// order fits every product x_i·x_j with j <= i. Rows and the response are
// multiplied by the weight 1/σ² of the example. The system is solved with a
// thin SVD; singular values below 1e-12 of the largest are treated as zero,
// which yields the minimum-norm solution for rank-deficient designs.
package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/hcal-chargemix/filter"
	"github.com/cwbudde/hcal-chargemix/internal/core"
	"github.com/cwbudde/hcal-chargemix/pulse"
)

const numTS = pulse.NumTimeSlices

// RankCutoff is the relative singular value threshold of the solver.
const RankCutoff = 1e-12

// Order selects the polynomial order of a fit.
type Order int

const (
	// Linear fits c + b·x.
	Linear Order = 1
	// Quadratic fits c + b·x + xᵀAx.
	Quadratic Order = 2
)

// String implements fmt.Stringer.
func (o Order) String() string {
	switch o {
	case Linear:
		return "linear"
	case Quadratic:
		return "quadratic"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

var (
	// ErrBadRange is returned for slice ranges violating 0 <= minTS < maxTS <= NumTimeSlices.
	ErrBadRange = errors.New("regression: invalid time slice range")
	// ErrBadOrder is returned for orders other than Linear and Quadratic.
	ErrBadOrder = errors.New("regression: unsupported fit order")
	// ErrTooFewSamples is returned when the sample count is below MinSampleSize.
	ErrTooFewSamples = errors.New("regression: too few samples")
	// ErrLengthMismatch is returned when response or uncertainty lengths differ from the sample count.
	ErrLengthMismatch = errors.New("regression: length mismatch")
	// ErrNonPositiveUncertainty is returned for an uncertainty that is not strictly positive.
	ErrNonPositiveUncertainty = errors.New("regression: non-positive uncertainty")
	// ErrFactorization is returned when the SVD fails or the design has rank zero.
	ErrFactorization = errors.New("regression: factorization failed")
)

// NumTerms returns the number of fitted parameters for k slices.
func NumTerms(k int, order Order) int {
	n := 1 + k
	if order == Quadratic {
		n += filter.NumCrossTerms(k)
	}
	return n
}

// MinSampleSize returns the smallest sample count for which a fit is a
// least squares problem: one more than the number of parameters.
func MinSampleSize(minTS, maxTS int, order Order) (int, error) {
	if err := checkRange(minTS, maxTS); err != nil {
		return 0, err
	}
	if order != Linear && order != Quadratic {
		return 0, fmt.Errorf("%w: %d", ErrBadOrder, int(order))
	}
	return NumTerms(maxTS-minTS, order) + 1, nil
}

// LinearFit is the result of FitLinear.
type LinearFit struct {
	// Coeffs holds one coefficient per absolute time slice; slices outside
	// the fitted range are exactly zero.
	Coeffs    [numTS]float64
	Intercept float64
	// RMS is the root mean square of the residuals divided by their uncertainties.
	RMS   float64
	MinTS int
	MaxTS int
}

// Filter returns the fitted filter.
func (f LinearFit) Filter() (filter.Filter, error) {
	return filter.NewLinear(f.Coeffs, f.Intercept, f.MinTS, f.MaxTS)
}

// QuadraticFit is the result of FitQuadratic.
type QuadraticFit struct {
	LinearFit
	// CrossTerms holds the coefficient of x_i·x_j for i in [0, k), j in [0, i],
	// indexed relative to MinTS.
	CrossTerms []float64
}

// Filter returns the fitted filter with the cross terms in half-split encoding.
func (f QuadraticFit) Filter() (filter.Filter, error) {
	a, err := filter.SymmetricFromCrossTerms(f.MaxTS-f.MinTS, f.CrossTerms)
	if err != nil {
		return filter.Filter{}, err
	}
	return filter.NewQuadratic(a, f.Coeffs, f.Intercept, f.MinTS, f.MaxTS)
}

// Workspace holds the scratch memory of the fitter. It grows on demand and
// may be reused across fits; it must not be shared between goroutines.
type Workspace struct {
	design []float64
	rhs    []float64
	svd    mat.SVD
	sol    mat.VecDense
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace { return &Workspace{} }

// FitLinear fits response ≈ c + Σ b_i·x_i over the slices in [minTS, maxTS).
// uncertainty may be nil for unit weights. ws may be nil.
func FitLinear(ws *Workspace, samples [][numTS]float32, minTS, maxTS int, response, uncertainty []float32) (LinearFit, error) {
	sol, err := solve(ws, samples, minTS, maxTS, Linear, response, uncertainty)
	if err != nil {
		return LinearFit{}, err
	}

	fit := LinearFit{Intercept: sol[0], MinTS: minTS, MaxTS: maxTS}
	copy(fit.Coeffs[minTS:maxTS], sol[1:])

	f, err := fit.Filter()
	if err != nil {
		return LinearFit{}, err
	}
	fit.RMS = residualRMS(f, samples, response, uncertainty)

	return fit, nil
}

// FitQuadratic fits response ≈ c + Σ b_i·x_i + Σ_{j<=i} a_ij·x_i·x_j over the
// slices in [minTS, maxTS). uncertainty may be nil for unit weights.
// ws may be nil.
func FitQuadratic(ws *Workspace, samples [][numTS]float32, minTS, maxTS int, response, uncertainty []float32) (QuadraticFit, error) {
	sol, err := solve(ws, samples, minTS, maxTS, Quadratic, response, uncertainty)
	if err != nil {
		return QuadraticFit{}, err
	}

	k := maxTS - minTS
	fit := QuadraticFit{
		LinearFit:  LinearFit{Intercept: sol[0], MinTS: minTS, MaxTS: maxTS},
		CrossTerms: append([]float64(nil), sol[1+k:]...),
	}
	copy(fit.Coeffs[minTS:maxTS], sol[1:1+k])

	f, err := fit.Filter()
	if err != nil {
		return QuadraticFit{}, err
	}
	fit.RMS = residualRMS(f, samples, response, uncertainty)

	return fit, nil
}

// solve returns the parameter vector ordered as constant, linear terms, and
// cross terms. The returned slice aliases ws.
func solve(ws *Workspace, samples [][numTS]float32, minTS, maxTS int, order Order, response, uncertainty []float32) ([]float64, error) {
	if ws == nil {
		ws = NewWorkspace()
	}

	minSize, err := MinSampleSize(minTS, maxTS, order)
	if err != nil {
		return nil, err
	}

	n := len(samples)
	if len(response) != n {
		return nil, fmt.Errorf("%w: %d samples, %d responses", ErrLengthMismatch, n, len(response))
	}
	if uncertainty != nil && len(uncertainty) != n {
		return nil, fmt.Errorf("%w: %d samples, %d uncertainties", ErrLengthMismatch, n, len(uncertainty))
	}
	if n < minSize {
		return nil, fmt.Errorf("%w: %d samples, need %d for %v fit", ErrTooFewSamples, n, minSize, order)
	}

	k := maxTS - minTS
	p := NumTerms(k, order)

	ws.design = core.EnsureLen(ws.design, n*p)
	ws.rhs = core.EnsureLen(ws.rhs, n)

	for row := range samples {
		w := 1.0
		if uncertainty != nil {
			u := float64(uncertainty[row])
			if !(u > 0) || math.IsInf(u, 0) {
				return nil, fmt.Errorf("%w: sample %d has %v", ErrNonPositiveUncertainty, row, u)
			}
			w = 1 / u / u
		}

		x := samples[row][minTS:maxTS]
		r := ws.design[row*p : (row+1)*p]
		r[0] = w
		for i, v := range x {
			r[1+i] = float64(v) * w
		}
		if order == Quadratic {
			col := 1 + k
			for i := 0; i < k; i++ {
				for j := 0; j <= i; j++ {
					r[col] = float64(x[i]) * float64(x[j]) * w
					col++
				}
			}
		}
		ws.rhs[row] = float64(response[row]) * w
	}

	a := mat.NewDense(n, p, ws.design)
	b := mat.NewVecDense(n, ws.rhs)

	if ok := ws.svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrFactorization)
	}
	rank := ws.svd.Rank(RankCutoff)
	if rank == 0 {
		return nil, fmt.Errorf("%w: design matrix has rank zero", ErrFactorization)
	}

	ws.sol.Reset()
	ws.svd.SolveVecTo(&ws.sol, b, rank)

	return ws.sol.RawVector().Data[:p], nil
}

func residualRMS(f filter.Filter, samples [][numTS]float32, response, uncertainty []float32) float64 {
	var sumsq float64
	for i := range samples {
		sigma := 1.0
		if uncertainty != nil {
			sigma = float64(uncertainty[i])
		}
		d := (f.EvalFloat32(samples[i][:]) - float64(response[i])) / sigma
		sumsq += d * d
	}
	return math.Sqrt(sumsq / float64(len(samples)))
}

func checkRange(minTS, maxTS int) error {
	if minTS < 0 || minTS >= maxTS || maxTS > numTS {
		return fmt.Errorf("%w: [%d, %d)", ErrBadRange, minTS, maxTS)
	}
	return nil
}
