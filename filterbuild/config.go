package filterbuild

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cwbudde/hcal-chargemix/internal/metrics"
	"github.com/cwbudde/hcal-chargemix/pulse"
	"github.com/cwbudde/hcal-chargemix/regression"
	"github.com/cwbudde/hcal-chargemix/stats/residual"
)

const (
	// DefaultBatchSize is the number of channels fitted per archive pass.
	DefaultBatchSize = 10
	// DefaultMaxSamples caps the training examples kept per channel.
	DefaultMaxSamples = 1000000
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("filterbuild: invalid config")

// Config controls a filter construction run.
type Config struct {
	// ChannelCount is the number of channels; filters are produced for
	// channel ids in [0, ChannelCount).
	ChannelCount int
	// MinTS and MaxTS bound the time slices the filters use.
	MinTS int
	MaxTS int
	// Order selects linear or quadratic filters. Zero means regression.Linear.
	Order regression.Order

	// BatchSize is the number of channels fitted per archive pass.
	// Zero means DefaultBatchSize.
	BatchSize int
	// MaxSamples caps the examples kept per channel; the first ones seen win.
	// Zero means DefaultMaxSamples.
	MaxSamples int
	// MinSamples is the sample count a channel must exceed to be fitted.
	// Zero means the minimum sample size of the fit.
	MinSamples int

	// OutputPath is the filter store written by the run.
	OutputPath string
	// AuxPath, when set, receives the per-channel CSV report.
	AuxPath string
	// SkipResiduals disables the residual pass.
	SkipResiduals bool
	// OutlierThreshold is the |pull| counted as an outlier in the residual
	// pass. Zero means residual.DefaultOutlierThreshold.
	OutlierThreshold float64

	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Order == 0 {
		c.Order = regression.Linear
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxSamples == 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.MinSamples == 0 {
		if n, err := regression.MinSampleSize(c.MinTS, c.MaxTS, c.Order); err == nil {
			c.MinSamples = n
		}
	}
	if c.OutlierThreshold == 0 {
		c.OutlierThreshold = residual.DefaultOutlierThreshold
	}
	return c
}

// Validate reports the first configuration error after applying defaults.
func (c Config) Validate() error {
	c = c.withDefaults()

	if c.ChannelCount <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidConfig, c.ChannelCount)
	}
	if c.MinTS < 0 || c.MinTS >= c.MaxTS || c.MaxTS > pulse.NumTimeSlices {
		return fmt.Errorf("%w: time slice range [%d, %d)", ErrInvalidConfig, c.MinTS, c.MaxTS)
	}
	minSize, err := regression.MinSampleSize(c.MinTS, c.MaxTS, c.Order)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.MaxSamples < minSize {
		return fmt.Errorf("%w: max samples %d below minimum %d", ErrInvalidConfig, c.MaxSamples, minSize)
	}
	if c.MinSamples < minSize || c.MinSamples > c.MaxSamples {
		return fmt.Errorf("%w: min samples %d outside [%d, %d]", ErrInvalidConfig, c.MinSamples, minSize, c.MaxSamples)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidConfig)
	}
	if c.OutlierThreshold < 0 {
		return fmt.Errorf("%w: outlier threshold %g", ErrInvalidConfig, c.OutlierThreshold)
	}
	return nil
}
