package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/hcal-chargemix/archive"
)

// ErrBadUncertaintyModel is returned for coefficients that can produce a
// non-positive uncertainty.
var ErrBadUncertaintyModel = errors.New("filter: uncertainty model can yield non-positive sigma")

// UncertaintyModel assigns a regression uncertainty to a training example.
// Implementations must return a strictly positive value.
type UncertaintyModel interface {
	Uncertainty(rec *archive.ChannelChargeMix) float64
}

// UncertaintyFunc adapts a function to UncertaintyModel.
type UncertaintyFunc func(rec *archive.ChannelChargeMix) float64

// Uncertainty implements UncertaintyModel.
func (f UncertaintyFunc) Uncertainty(rec *archive.ChannelChargeMix) float64 { return f(rec) }

// Unweighted gives every example unit uncertainty.
var Unweighted UncertaintyModel = UncertaintyFunc(func(*archive.ChannelChargeMix) float64 { return 1 })

// DefaultUncertainty models the charge uncertainty as
// σ(Q) = A·Q + B·√Q + C of the response charge Q, with negative Q
// treated as zero.
type DefaultUncertainty struct {
	A, B, C float64
}

// NewDefaultUncertainty validates the coefficients. A and B must be
// non-negative and C strictly positive, so that σ > 0 for every Q.
func NewDefaultUncertainty(a, b, c float64) (DefaultUncertainty, error) {
	for _, v := range []float64{a, b, c} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return DefaultUncertainty{}, fmt.Errorf("%w: non-finite coefficient", ErrBadUncertaintyModel)
		}
	}
	if a < 0 || b < 0 || c <= 0 {
		return DefaultUncertainty{}, fmt.Errorf("%w: a=%v b=%v c=%v", ErrBadUncertaintyModel, a, b, c)
	}
	return DefaultUncertainty{A: a, B: b, C: c}, nil
}

// Sigma returns the uncertainty for charge q.
func (u DefaultUncertainty) Sigma(q float64) float64 {
	q = math.Max(q, 0)
	return u.A*q + u.B*math.Sqrt(q) + u.C
}

// Uncertainty implements UncertaintyModel using the record's response charge.
func (u DefaultUncertainty) Uncertainty(rec *archive.ChannelChargeMix) float64 {
	return u.Sigma(float64(rec.ChargeResponse))
}
