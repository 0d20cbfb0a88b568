package mixing

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidDistribution is returned for distributions with bad parameters.
	ErrInvalidDistribution = errors.New("mixing: invalid distribution")
	// ErrNegativeCount is returned when an event-count distribution can yield negative values.
	ErrNegativeCount = errors.New("mixing: event count distribution allows negative values")
)

// maxPoissonMean keeps exp(-mean) comfortably inside float64 range.
const maxPoissonMean = 500

// Distribution is a discrete probability distribution over integers.
type Distribution interface {
	// Sample draws one value using r.
	Sample(r Rand) int
	// Support returns the inclusive range of values Sample can return.
	// bounded is false when the distribution has no finite upper limit.
	Support() (lo, hi int, bounded bool)
}

// Constant always returns Value.
type Constant struct {
	Value int
}

// Sample implements Distribution. It consumes no randomness.
func (c Constant) Sample(Rand) int { return c.Value }

// Support implements Distribution.
func (c Constant) Support() (int, int, bool) { return c.Value, c.Value, true }

// Poisson is the Poisson distribution with the given mean, sampled by
// inversion of the cumulative distribution (one uniform draw per sample).
type Poisson struct {
	mean float64
}

// NewPoisson returns a Poisson distribution. The mean must be finite and in
// [0, 500].
func NewPoisson(mean float64) (*Poisson, error) {
	if math.IsNaN(mean) || mean < 0 || mean > maxPoissonMean {
		return nil, fmt.Errorf("%w: poisson mean %v outside [0, %d]", ErrInvalidDistribution, mean, maxPoissonMean)
	}
	return &Poisson{mean: mean}, nil
}

// Mean returns the distribution mean.
func (p *Poisson) Mean() float64 { return p.mean }

// Sample implements Distribution.
func (p *Poisson) Sample(r Rand) int {
	u := r.Float64()
	if p.mean == 0 {
		return 0
	}

	prob := math.Exp(-p.mean)
	cdf := prob
	k := 0
	for u >= cdf {
		k++
		prob *= p.mean / float64(k)
		if prob == 0 {
			// Tail underflow; the remaining mass is below float64 resolution.
			break
		}
		cdf += prob
	}

	return k
}

// Support implements Distribution.
func (p *Poisson) Support() (int, int, bool) {
	if p.mean == 0 {
		return 0, 0, true
	}
	return 0, 0, false
}

// Tabulated is a distribution over the consecutive integers
// first, first+1, ..., first+len(probabilities)-1 with the given relative
// probabilities.
type Tabulated struct {
	first int
	cdf   []float64
	probs []float64
}

// NewTabulated normalizes probabilities and returns the distribution.
// Probabilities must be finite and non-negative with a positive sum.
func NewTabulated(first int, probabilities []float64) (*Tabulated, error) {
	if len(probabilities) == 0 {
		return nil, fmt.Errorf("%w: empty probability table", ErrInvalidDistribution)
	}

	var sum float64
	for i, p := range probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return nil, fmt.Errorf("%w: probability %d is %v", ErrInvalidDistribution, i, p)
		}
		sum += p
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: probabilities sum to zero", ErrInvalidDistribution)
	}

	t := &Tabulated{
		first: first,
		cdf:   make([]float64, len(probabilities)),
		probs: make([]float64, len(probabilities)),
	}

	var acc float64
	for i, p := range probabilities {
		t.probs[i] = p / sum
		acc += p
		t.cdf[i] = acc / sum
	}

	return t, nil
}

// First returns the value associated with the first table entry.
func (t *Tabulated) First() int { return t.first }

// Probabilities returns a copy of the normalized probability table.
func (t *Tabulated) Probabilities() []float64 {
	return append([]float64(nil), t.probs...)
}

// Sample implements Distribution.
func (t *Tabulated) Sample(r Rand) int {
	u := r.Float64()
	last := 0
	for i, c := range t.cdf {
		if t.probs[i] == 0 {
			continue
		}
		last = i
		if u < c {
			return t.first + i
		}
	}
	// Rounding left u above the final cumulative value.
	return t.first + last
}

// Support implements Distribution. Entries with zero probability at either
// end of the table are excluded.
func (t *Tabulated) Support() (int, int, bool) {
	lo, hi := 0, len(t.probs)-1
	for lo < hi && t.probs[lo] == 0 {
		lo++
	}
	for hi > lo && t.probs[hi] == 0 {
		hi--
	}
	return t.first + lo, t.first + hi, true
}

// Distributions bundles the two empirical distributions driving a mix.
type Distributions struct {
	// Events is the distribution of the number of events admixed per target event.
	Events Distribution
	// Shifts is the distribution of the time-slice shift of each admixed event.
	Shifts Distribution
}

// Validate checks that Events never yields negative counts and that every
// shift keeps the placement slice centralTS+shift inside the readout window.
func (d Distributions) Validate(centralTS int) error {
	if d.Events == nil || d.Shifts == nil {
		return fmt.Errorf("%w: missing distribution", ErrInvalidDistribution)
	}

	if lo, _, _ := d.Events.Support(); lo < 0 {
		return ErrNegativeCount
	}

	lo, hi, bounded := d.Shifts.Support()
	if !bounded {
		return fmt.Errorf("%w: shift distribution must be bounded", ErrInvalidDistribution)
	}
	if centralTS+lo < 0 || centralTS+hi >= numTS {
		return fmt.Errorf("%w: shifts [%d, %d] move central slice %d outside [0, %d)",
			ErrShiftOutOfRange, lo, hi, centralTS, numTS)
	}

	return nil
}
