package filterbuild

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/hcal-chargemix/archive"
	"github.com/cwbudde/hcal-chargemix/filter"
	"github.com/cwbudde/hcal-chargemix/internal/metrics"
	"github.com/cwbudde/hcal-chargemix/internal/testutil"
	"github.com/cwbudde/hcal-chargemix/regression"
)

// relation is response = c + b4·x4 + b5·x5 + a45·x4·x5.
type relation struct {
	c, b4, b5, a45 float32
}

func (r relation) record(rng *rand.Rand, ch uint32, event int64) archive.ChannelChargeMix {
	rec := archive.ChannelChargeMix{Channel: ch, Run: 1, Event: event, GoodVertices: 1}
	for i := range rec.Charge {
		rec.Charge[i] = float32(rng.IntN(64))
	}
	x4, x5 := rec.Charge[4], rec.Charge[5]
	rec.ChargeResponse = r.c + r.b4*x4 + r.b5*x5 + r.a45*x4*x5
	return rec
}

var (
	relA = relation{c: 2, b4: 0.5, b5: 1}
	relB = relation{c: -3, b4: 2, b5: 0.25}
)

type sliceScanner []archive.ChannelChargeMix

func (s sliceScanner) Scan(ctx context.Context, fn func(*archive.ChannelChargeMix) error) error {
	for i := range s {
		if err := fn(&s[i]); err != nil {
			if errors.Is(err, archive.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// eventMajor returns records in event order: every event has a record for
// channels 0 and 1, and the first sparse events also one for channel 2.
func eventMajor(rng *rand.Rand, events, sparse int) []archive.ChannelChargeMix {
	var recs []archive.ChannelChargeMix
	for e := range events {
		recs = append(recs, relA.record(rng, 0, int64(e)), relB.record(rng, 1, int64(e)))
		if e < sparse {
			recs = append(recs, relA.record(rng, 2, int64(e)))
		}
	}
	return recs
}

func writeFileArchive(t *testing.T, recs []archive.ChannelChargeMix) *archive.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mix.ccmx")
	w, err := archive.CreateFile(path)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Append(context.Background(), &recs[i]))
	}
	require.NoError(t, w.Close())

	f, err := archive.OpenFile(path)
	require.NoError(t, err)
	return f
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ChannelCount: 4,
		MinTS:        4,
		MaxTS:        6,
		OutputPath:   filepath.Join(t.TempDir(), "filters.hcfs"),
	}
}

func requireRelation(t *testing.T, f filter.Filter, r relation) {
	t.Helper()
	require.True(t, f.IsValid())
	b := f.Linear()
	assert.InDelta(t, float64(r.c), f.Intercept(), 1e-6)
	assert.InDelta(t, float64(r.b4), b[4], 1e-6)
	assert.InDelta(t, float64(r.b5), b[5], 1e-6)
	for i, v := range b {
		if i != 4 && i != 5 {
			assert.Zero(t, v, "slice %d", i)
		}
	}
}

func TestRunFitsWritesAndVerifies(t *testing.T) {
	src := writeFileArchive(t, eventMajor(testutil.NewRand(1), 40, 3))

	cfg := baseConfig(t)
	cfg.BatchSize = 3
	cfg.AuxPath = filepath.Join(t.TempDir(), "aux.csv")
	cfg.Metrics = metrics.New()

	res, err := Run(context.Background(), cfg, src, filter.Unweighted)
	require.NoError(t, err)

	require.Len(t, res.Filters, 4)
	requireRelation(t, res.Filters[0], relA)
	requireRelation(t, res.Filters[1], relB)
	assert.False(t, res.Filters[2].IsValid())
	assert.False(t, res.Filters[3].IsValid())

	assert.Equal(t, ChannelInfo{Channel: 2, Samples: 3, RMS: -1}, res.Channels[2])
	assert.Equal(t, ChannelInfo{Channel: 3, Samples: 0, RMS: -1}, res.Channels[3])
	assert.Equal(t, 40, res.Channels[0].Samples)
	assert.Less(t, res.Channels[0].RMS, 1e-6)
	assert.Equal(t, 2, res.Fitted())

	stored, err := filter.ReadStore(cfg.OutputPath)
	require.NoError(t, err)
	assert.True(t, filter.EqualSlices(res.Filters, stored))

	require.NotNil(t, res.Residuals)
	s0 := res.Residuals.Channel(0)
	assert.Equal(t, 40, s0.Count)
	assert.Less(t, s0.RMS, 1e-6)
	assert.Zero(t, res.Residuals.Channel(2).Count)
	assert.Equal(t, 80, res.Residuals.Total().Count)

	f, err := os.Open(cfg.AuxPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, reportHeader, rows[0])
	assert.Equal(t, []string{"2", "3", "-1", "0", "0", "0", "0"}, rows[3])
}

func TestRunIndependentOfBatchSize(t *testing.T) {
	recs := eventMajor(testutil.NewRand(2), 30, 10)

	var results [][]filter.Filter
	for _, size := range []int{1, 2, 0} {
		cfg := baseConfig(t)
		cfg.BatchSize = size
		cfg.SkipResiduals = true
		res, err := Run(context.Background(), cfg, sliceScanner(recs), nil)
		require.NoError(t, err)
		assert.Nil(t, res.Residuals)
		results = append(results, res.Filters)
	}

	assert.True(t, filter.EqualSlices(results[0], results[1]))
	assert.True(t, filter.EqualSlices(results[0], results[2]))
}

func TestRunSampleCapKeepsFirstSeen(t *testing.T) {
	rng := testutil.NewRand(3)
	var recs []archive.ChannelChargeMix
	for e := range 10 {
		recs = append(recs, relA.record(rng, 0, int64(e)))
	}
	for e := 10; e < 30; e++ {
		recs = append(recs, relB.record(rng, 0, int64(e)))
	}

	cfg := baseConfig(t)
	cfg.ChannelCount = 1
	cfg.MaxSamples = 10
	cfg.SkipResiduals = true

	res, err := Run(context.Background(), cfg, sliceScanner(recs), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Channels[0].Samples)
	requireRelation(t, res.Filters[0], relA)
}

func TestRunMinSamplesIsExclusive(t *testing.T) {
	rng := testutil.NewRand(4)
	var recs []archive.ChannelChargeMix
	for e := range 5 {
		recs = append(recs, relA.record(rng, 0, int64(e)))
	}
	for e := range 6 {
		recs = append(recs, relA.record(rng, 1, int64(e)))
	}

	cfg := baseConfig(t)
	cfg.ChannelCount = 2
	cfg.MinSamples = 5

	res, err := Run(context.Background(), cfg, sliceScanner(recs), nil)
	require.NoError(t, err)
	assert.False(t, res.Filters[0].IsValid())
	assert.True(t, res.Filters[1].IsValid())
}

func TestRunQuadratic(t *testing.T) {
	rel := relation{c: 1, b4: 1, b5: -0.5, a45: 0.25}
	rng := testutil.NewRand(5)
	var recs []archive.ChannelChargeMix
	for e := range 60 {
		recs = append(recs, rel.record(rng, 0, int64(e)))
	}

	cfg := baseConfig(t)
	cfg.ChannelCount = 1
	cfg.Order = regression.Quadratic

	res, err := Run(context.Background(), cfg, sliceScanner(recs), nil)
	require.NoError(t, err)

	f := res.Filters[0]
	require.True(t, f.IsQuadratic())
	a := f.Quadratic()
	assert.InDelta(t, 0, a.At(0, 0), 1e-7)
	assert.InDelta(t, 0.125, a.At(0, 1), 1e-7)
	assert.InDelta(t, 0.125, a.At(1, 0), 1e-7)
	assert.InDelta(t, 0, a.At(1, 1), 1e-7)
	assert.Less(t, res.Residuals.Channel(0).RMS, 1e-6)

	stored, err := filter.ReadStore(cfg.OutputPath)
	require.NoError(t, err)
	assert.True(t, filter.EqualSlices(res.Filters, stored))
}

func TestRunWeightsFromUncertaintyModel(t *testing.T) {
	recs := eventMajor(testutil.NewRand(6), 20, 0)
	model, err := filter.NewDefaultUncertainty(0.01, 0.1, 1)
	require.NoError(t, err)

	cfg := baseConfig(t)
	res, err := Run(context.Background(), cfg, sliceScanner(recs), model)
	require.NoError(t, err)
	requireRelation(t, res.Filters[0], relA)
}

func TestRunRejectsNonPositiveUncertainty(t *testing.T) {
	recs := eventMajor(testutil.NewRand(7), 10, 0)
	zero := filter.UncertaintyFunc(func(*archive.ChannelChargeMix) float64 { return 0 })

	cfg := baseConfig(t)
	_, err := Run(context.Background(), cfg, sliceScanner(recs), zero)
	require.ErrorIs(t, err, regression.ErrNonPositiveUncertainty)

	_, statErr := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, baseConfig(t), sliceScanner(nil), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxTS = 11
	_, err := Run(context.Background(), cfg, sliceScanner(nil), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no channels", func(c *Config) { c.ChannelCount = 0 }, false},
		{"empty range", func(c *Config) { c.MaxTS = c.MinTS }, false},
		{"negative min", func(c *Config) { c.MinTS = -1 }, false},
		{"bad order", func(c *Config) { c.Order = 3 }, false},
		{"negative batch", func(c *Config) { c.BatchSize = -1 }, false},
		{"min samples below fit minimum", func(c *Config) { c.MinSamples = 3 }, false},
		{"min samples at fit minimum", func(c *Config) { c.MinSamples = 4 }, true},
		{"min samples above max", func(c *Config) { c.MinSamples = 20; c.MaxSamples = 10 }, false},
		{"max samples below fit minimum", func(c *Config) { c.MaxSamples = 2 }, false},
		{"no output", func(c *Config) { c.OutputPath = "" }, false},
		{"negative threshold", func(c *Config) { c.OutlierThreshold = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{ChannelCount: 1, MinTS: 4, MaxTS: 6, OutputPath: "out"}
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestEncodeReportWithoutResiduals(t *testing.T) {
	res := &Result{Channels: []ChannelInfo{{Channel: 0, Samples: 12, RMS: 0.5}}}

	var buf bytes.Buffer
	require.NoError(t, EncodeReport(&buf, res))
	assert.Equal(t, "channel,samples,rms,pull_count,pull_mean,pull_rms,pull_outliers\n0,12,0.5,,,,\n", buf.String())
}
