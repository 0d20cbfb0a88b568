// Package residual accumulates statistics of filter residual pulls,
// (estimate - response)/σ, one stream per channel.
//
// A well-calibrated filter with a correct uncertainty model produces pulls
// with zero mean and unit RMS.
package residual

import "math"

// DefaultOutlierThreshold is the |pull| above which a residual counts as an outlier.
const DefaultOutlierThreshold = 5.0

// Stats holds the summary of a stream of pulls.
type Stats struct {
	Count    int
	Mean     float64
	RMS      float64 // sqrt(mean of squares)
	Variance float64 // population variance
	StdDev   float64
	Skewness float64
	Kurtosis float64 // excess kurtosis
	Min      float64
	Max      float64
	Outliers int
}

// Accumulator accumulates pull statistics incrementally. The zero value is
// ready to use with DefaultOutlierThreshold.
type Accumulator struct {
	n         int
	mean      float64
	m2        float64
	m3        float64
	m4        float64
	sumSq     float64
	minVal    float64
	maxVal    float64
	outliers  int
	threshold float64
}

// NewAccumulator returns an accumulator counting pulls with |pull| > threshold
// as outliers. A non-positive threshold selects DefaultOutlierThreshold.
func NewAccumulator(threshold float64) *Accumulator {
	return &Accumulator{threshold: threshold}
}

// Add adds one pull.
func (s *Accumulator) Add(x float64) {
	s.n++
	ni := float64(s.n)

	// Welford update.
	delta := x - s.mean
	deltaN := delta / ni
	deltaN2 := deltaN * deltaN
	term1 := delta * deltaN * float64(s.n-1)

	s.m4 += term1*deltaN2*(ni*ni-3*ni+3) + 6*deltaN2*s.m2 - 4*deltaN*s.m3
	s.m3 += term1*deltaN*(float64(s.n-1)-1) - 3*deltaN*s.m2
	s.m2 += term1
	s.mean += deltaN

	s.sumSq += x * x

	if s.n == 1 || x < s.minVal {
		s.minVal = x
	}
	if s.n == 1 || x > s.maxVal {
		s.maxVal = x
	}

	if math.Abs(x) > s.outlierThreshold() {
		s.outliers++
	}
}

// Update adds a block of pulls.
func (s *Accumulator) Update(pulls []float64) {
	for _, x := range pulls {
		s.Add(x)
	}
}

// Count returns the number of pulls added.
func (s *Accumulator) Count() int { return s.n }

// Result computes the summary of the accumulated pulls.
func (s *Accumulator) Result() Stats {
	if s.n == 0 {
		return Stats{}
	}

	nf := float64(s.n)
	variance := s.m2 / nf

	var skewness, kurtosis float64
	if variance > 0 {
		skewness = (s.m3 / nf) / (variance * math.Sqrt(variance))
		kurtosis = (s.m4/nf)/(variance*variance) - 3
	}

	return Stats{
		Count:    s.n,
		Mean:     s.mean,
		RMS:      math.Sqrt(s.sumSq / nf),
		Variance: variance,
		StdDev:   math.Sqrt(variance),
		Skewness: skewness,
		Kurtosis: kurtosis,
		Min:      s.minVal,
		Max:      s.maxVal,
		Outliers: s.outliers,
	}
}

// Reset clears all accumulated data and keeps the outlier threshold.
func (s *Accumulator) Reset() {
	*s = Accumulator{threshold: s.threshold}
}

func (s *Accumulator) outlierThreshold() float64 {
	if s.threshold > 0 {
		return s.threshold
	}
	return DefaultOutlierThreshold
}

// Calculate returns the summary of pulls.
func Calculate(pulls []float64) Stats {
	var s Accumulator
	s.Update(pulls)
	return s.Result()
}

// Set holds one accumulator per channel plus a combined accumulator over
// all channels.
type Set struct {
	channels []Accumulator
	total    Accumulator
}

// NewSet returns accumulators for channelCount channels.
func NewSet(channelCount int, threshold float64) *Set {
	s := &Set{
		channels: make([]Accumulator, channelCount),
		total:    Accumulator{threshold: threshold},
	}
	for i := range s.channels {
		s.channels[i].threshold = threshold
	}
	return s
}

// Len returns the number of channels.
func (s *Set) Len() int { return len(s.channels) }

// Add adds a pull for channel ch.
func (s *Set) Add(ch int, pull float64) {
	s.channels[ch].Add(pull)
	s.total.Add(pull)
}

// Channel returns the summary of channel ch.
func (s *Set) Channel(ch int) Stats { return s.channels[ch].Result() }

// Total returns the summary over all channels.
func (s *Set) Total() Stats { return s.total.Result() }
