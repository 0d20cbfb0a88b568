// Package filterbuild constructs one filter per channel from a charge mix
// archive.
//
// Channels are processed in batches; each batch costs one full archive pass
// and holds at most MaxSamples examples per channel in memory. Channels with
// more than MinSamples examples are fitted, the rest receive the invalid
// filter. The resulting store is written atomically and read back before the
// run is reported as successful.
package filterbuild

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwbudde/hcal-chargemix/archive"
	"github.com/cwbudde/hcal-chargemix/filter"
	"github.com/cwbudde/hcal-chargemix/pulse"
	"github.com/cwbudde/hcal-chargemix/regression"
	"github.com/cwbudde/hcal-chargemix/stats/residual"
)

// ErrVerifyMismatch is returned when the filter store read back after
// writing differs from the filters that were written.
var ErrVerifyMismatch = errors.New("filterbuild: stored filters differ from fitted filters")

// ChannelInfo is the per-channel outcome of a run.
type ChannelInfo struct {
	Channel int
	// Samples is the number of examples collected, after the MaxSamples cap.
	Samples int
	// RMS is the weighted residual RMS of the fit, or -1 when the channel
	// has no fitted filter.
	RMS float64
}

// Fitted reports whether the channel received a fitted filter.
func (c ChannelInfo) Fitted() bool { return c.RMS >= 0 }

// Result is the outcome of Run.
type Result struct {
	Filters  []filter.Filter
	Channels []ChannelInfo
	// Residuals holds the pull statistics per channel; nil when the
	// residual pass was skipped.
	Residuals *residual.Set
}

// Fitted returns the number of channels with a fitted filter.
func (r *Result) Fitted() int {
	n := 0
	for _, c := range r.Channels {
		if c.Fitted() {
			n++
		}
	}
	return n
}

// batch holds the training examples of a contiguous channel range.
type batch struct {
	lo, hi   int
	samples  [][][pulse.NumTimeSlices]float32
	response [][]float32
	sigma    [][]float32
}

func newBatch(size int) *batch {
	return &batch{
		samples:  make([][][pulse.NumTimeSlices]float32, size),
		response: make([][]float32, size),
		sigma:    make([][]float32, size),
	}
}

func (b *batch) reset(lo, hi int) {
	b.lo, b.hi = lo, hi
	for i := range b.samples {
		b.samples[i] = b.samples[i][:0]
		b.response[i] = b.response[i][:0]
		b.sigma[i] = b.sigma[i][:0]
	}
}

// Run fits filters for every channel of cfg from the records of src, with
// example weights from model, and writes them to cfg.OutputPath.
func Run(ctx context.Context, cfg Config, src archive.Scanner, model filter.UncertaintyModel) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if model == nil {
		model = filter.Unweighted
	}
	log := cfg.Logger.With().Str("component", "filterbuild").Logger()

	res := &Result{
		Filters:  make([]filter.Filter, cfg.ChannelCount),
		Channels: make([]ChannelInfo, cfg.ChannelCount),
	}

	log.Info().
		Int("channels", cfg.ChannelCount).
		Int("min_ts", cfg.MinTS).
		Int("max_ts", cfg.MaxTS).
		Stringer("order", cfg.Order).
		Int("batch_size", cfg.BatchSize).
		Int("min_samples", cfg.MinSamples).
		Int("max_samples", cfg.MaxSamples).
		Msg("building filters")

	start := time.Now()
	b := newBatch(cfg.BatchSize)
	ws := regression.NewWorkspace()

	for lo := 0; lo < cfg.ChannelCount; lo += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+cfg.BatchSize, cfg.ChannelCount)
		b.reset(lo, hi)

		if err := collect(ctx, src, model, cfg.MaxSamples, b); err != nil {
			return nil, err
		}
		cfg.Metrics.ArchiveScan()

		if err := fitBatch(ws, cfg, b, res, log); err != nil {
			return nil, err
		}
		log.Debug().Int("first_channel", lo).Int("last_channel", hi-1).Msg("batch fitted")
	}
	cfg.Metrics.StageDone("fit", time.Since(start).Seconds())

	start = time.Now()
	if err := writeAndVerify(cfg.OutputPath, res.Filters); err != nil {
		return nil, err
	}
	cfg.Metrics.StageDone("verify", time.Since(start).Seconds())
	log.Info().Str("path", cfg.OutputPath).Int("fitted", res.Fitted()).Msg("filter store written and verified")

	if !cfg.SkipResiduals {
		start = time.Now()
		set, err := Residuals(ctx, src, model, res.Filters, cfg.OutlierThreshold)
		if err != nil {
			return nil, err
		}
		cfg.Metrics.ArchiveScan()
		cfg.Metrics.StageDone("residuals", time.Since(start).Seconds())
		res.Residuals = set

		total := set.Total()
		log.Info().
			Int("pulls", total.Count).
			Float64("mean", total.Mean).
			Float64("rms", total.RMS).
			Int("outliers", total.Outliers).
			Msg("residual pass done")
	}

	if cfg.AuxPath != "" {
		if err := WriteReport(cfg.AuxPath, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// collect scans src once and appends the examples of the channels of b.
func collect(ctx context.Context, src archive.Scanner, model filter.UncertaintyModel, maxSamples int, b *batch) error {
	err := archive.ScanChannels(ctx, src, uint32(b.lo), uint32(b.hi), func(rec *archive.ChannelChargeMix) error {
		i := int(rec.Channel) - b.lo
		if len(b.samples[i]) >= maxSamples {
			return nil
		}

		sigma, err := sigmaOf(model, rec)
		if err != nil {
			return err
		}

		b.samples[i] = append(b.samples[i], rec.Charge)
		b.response[i] = append(b.response[i], rec.ChargeResponse)
		b.sigma[i] = append(b.sigma[i], sigma)
		return nil
	})
	if err != nil {
		return fmt.Errorf("filterbuild: scan channels [%d, %d): %w", b.lo, b.hi, err)
	}
	return nil
}

func sigmaOf(model filter.UncertaintyModel, rec *archive.ChannelChargeMix) (float32, error) {
	u := model.Uncertainty(rec)
	sigma := float32(u)
	if !(sigma > 0) || math.IsInf(float64(sigma), 0) {
		return 0, fmt.Errorf("%w: channel %d run %d event %d: %v",
			regression.ErrNonPositiveUncertainty, rec.Channel, rec.Run, rec.Event, u)
	}
	return sigma, nil
}

func fitBatch(ws *regression.Workspace, cfg Config, b *batch, res *Result, log zerolog.Logger) error {
	for i := range b.hi - b.lo {
		ch := b.lo + i
		n := len(b.samples[i])
		res.Channels[ch] = ChannelInfo{Channel: ch, Samples: n, RMS: -1}

		if n <= cfg.MinSamples {
			res.Filters[ch] = filter.Invalid()
			cfg.Metrics.ChannelInvalid()
			log.Debug().Int("channel", ch).Int("samples", n).Msg("too few samples, channel left without filter")
			continue
		}

		f, rms, err := fit(ws, cfg, b.samples[i], b.response[i], b.sigma[i])
		if err != nil {
			return fmt.Errorf("filterbuild: channel %d: %w", ch, err)
		}
		res.Filters[ch] = f
		res.Channels[ch].RMS = rms
		cfg.Metrics.ChannelFitted(cfg.Order.String(), rms)
	}
	return nil
}

func fit(ws *regression.Workspace, cfg Config, samples [][pulse.NumTimeSlices]float32, response, sigma []float32) (filter.Filter, float64, error) {
	if cfg.Order == regression.Quadratic {
		q, err := regression.FitQuadratic(ws, samples, cfg.MinTS, cfg.MaxTS, response, sigma)
		if err != nil {
			return filter.Filter{}, 0, err
		}
		f, err := q.Filter()
		return f, q.RMS, err
	}

	l, err := regression.FitLinear(ws, samples, cfg.MinTS, cfg.MaxTS, response, sigma)
	if err != nil {
		return filter.Filter{}, 0, err
	}
	f, err := l.Filter()
	return f, l.RMS, err
}

func writeAndVerify(path string, filters []filter.Filter) error {
	if err := filter.WriteStore(path, filters); err != nil {
		return fmt.Errorf("filterbuild: %w", err)
	}
	stored, err := filter.ReadStore(path)
	if err != nil {
		return fmt.Errorf("filterbuild: verify: %w", err)
	}
	if !filter.EqualSlices(filters, stored) {
		return fmt.Errorf("%w: %s", ErrVerifyMismatch, path)
	}
	return nil
}

// Residuals scans src and accumulates the pull (estimate - response)/σ of
// every record whose channel has a valid filter.
func Residuals(ctx context.Context, src archive.Scanner, model filter.UncertaintyModel, filters []filter.Filter, threshold float64) (*residual.Set, error) {
	if model == nil {
		model = filter.Unweighted
	}
	set := residual.NewSet(len(filters), threshold)

	err := archive.ScanChannels(ctx, src, 0, uint32(len(filters)), func(rec *archive.ChannelChargeMix) error {
		f := filters[rec.Channel]
		if !f.IsValid() {
			return nil
		}
		sigma, err := sigmaOf(model, rec)
		if err != nil {
			return err
		}
		pull := (f.EvalFloat32(rec.Charge[:]) - float64(rec.ChargeResponse)) / float64(sigma)
		set.Add(int(rec.Channel), pull)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filterbuild: residual pass: %w", err)
	}
	return set, nil
}
