package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cwbudde/hcal-chargemix/archive"
	"github.com/cwbudde/hcal-chargemix/internal/config"
	"github.com/cwbudde/hcal-chargemix/internal/metrics"
	"github.com/cwbudde/hcal-chargemix/mixing"
	"github.com/cwbudde/hcal-chargemix/pulse"
	"github.com/cwbudde/hcal-chargemix/pulse/eventfile"
)

func newMixCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mix",
		Short: "Admix pool charge into target events and archive the channel records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := runMix(cmd.Context(), a)
			if err != nil {
				return err
			}
			return printf(cmd.OutOrStdout(), "mixed %d events into %s\n", n, archiveName(a.job))
		},
	}

	def := a.def.Mix
	fs := cmd.Flags()
	fs.StringSlice("pool", def.PoolSources, "event files forming the mixing pool")
	fs.StringSlice("target", def.Targets, "event files receiving the admixed charge")
	fs.String("distributions", def.Distributions, "distribution config file (see mkconfig)")
	fs.Float64("mean-events", def.MeanEvents, "mean number of admixed events when no distribution file is given")
	fs.Int("central-ts", def.CentralTS, "time slice of a zero shift")
	fs.Uint64("seed", def.Seed, "random seed")
	fs.Bool("mix-extra", def.MixExtraChannels, "append channels that only received admixed charge")
	fs.Int("max-events", def.MaxEvents, "stop after this many target events (0 for all)")
	a.bind(fs, map[string]string{
		"mix.pool_sources":       "pool",
		"mix.targets":            "target",
		"mix.distributions":      "distributions",
		"mix.mean_events":        "mean-events",
		"mix.central_ts":         "central-ts",
		"mix.seed":               "seed",
		"mix.mix_extra_channels": "mix-extra",
		"mix.max_events":         "max-events",
	})

	return cmd
}

func archiveName(job *config.Job) string {
	if job.Archive.Backend == "clickhouse" {
		return job.Archive.Table
	}
	return job.Archive.Path
}

func gridMap(g config.Geometry) *pulse.DenseMap {
	return pulse.NewGridMap(g.Depths, g.Etas, g.Phis)
}

func loadDistributions(m config.Mix) (mixing.Distributions, error) {
	if m.Distributions != "" {
		return mixing.LoadDistributions(m.Distributions, m.CentralTS)
	}
	return mixing.DefaultDistributionConfig(m.MeanEvents).Build(m.CentralTS)
}

func openWriter(ctx context.Context, job *config.Job) (archive.Writer, error) {
	if job.Archive.Backend == "clickhouse" {
		ch, err := archive.OpenClickHouse(ctx, job.Archive.DSN, job.Archive.Table, archive.WithBatchSize(job.Archive.BatchSize))
		if err != nil {
			return nil, err
		}
		if err := ch.Init(ctx); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
	return archive.CreateFile(job.Archive.Path)
}

// newRand returns the generator of a mixing run. The seed fully determines
// the mixture.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
}

func runMix(ctx context.Context, a *app) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job := a.job
	if err := job.RequireMix(); err != nil {
		return 0, err
	}
	start := time.Now()

	cm := gridMap(job.Geometry)
	dists, err := loadDistributions(job.Mix)
	if err != nil {
		return 0, err
	}

	pool := mixing.NewPool(cm, mixing.WithLogger(a.log))
	loaded, err := pool.Load(job.Mix.PoolSources, nil)
	if err != nil {
		return 0, err
	}
	a.metrics.EventsLoaded(loaded)
	a.log.Info().Int("events", loaded).Int("sources", len(job.Mix.PoolSources)).Msg("mixing pool loaded")

	mgr, err := mixing.NewManager(pool, dists,
		mixing.WithScaleFactor(job.Mix.ScaleFactor),
		mixing.WithManagerLogger(a.log))
	if err != nil {
		return 0, err
	}
	acc, err := mixing.NewAccumulator(cm.ChannelCount(),
		mixing.WithCentralTimeSlice(job.Mix.CentralTS),
		mixing.WithMixExtraChannels(job.Mix.MixExtraChannels))
	if err != nil {
		return 0, err
	}

	w, err := openWriter(ctx, job)
	if err != nil {
		return 0, err
	}

	lo, hi := job.Mix.ResponseWindow()
	m := &mixer{
		cm:      cm,
		mgr:     mgr,
		acc:     acc,
		rng:     newRand(job.Mix.Seed),
		out:     w,
		respLo:  lo,
		respHi:  hi,
		log:     a.log,
		metrics: a.metrics,
	}

	for _, path := range job.Mix.Targets {
		if err := m.mixSource(ctx, path, job.Mix.MaxEvents); err != nil {
			_ = w.Close()
			return m.events, err
		}
		if job.Mix.MaxEvents > 0 && m.events >= job.Mix.MaxEvents {
			break
		}
	}
	if err := w.Close(); err != nil {
		return m.events, fmt.Errorf("close archive: %w", err)
	}

	a.metrics.StageDone("mix", time.Since(start).Seconds())
	a.log.Info().
		Int("events", m.events).
		Int("records", m.records).
		Dur("elapsed", time.Since(start)).
		Msg("mixing done")

	return m.events, nil
}

// mixer runs the event loop of the mix command.
type mixer struct {
	cm      pulse.ChannelMap
	mgr     *mixing.Manager
	acc     *mixing.Accumulator
	rng     *rand.Rand
	out     archive.Writer
	respLo  int
	respHi  int
	log     zerolog.Logger
	metrics *metrics.Recorder

	truth   [][pulse.NumTimeSlices]float64
	events  int
	records int
}

func (m *mixer) mixSource(ctx context.Context, path string, maxEvents int) error {
	r, err := eventfile.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for maxEvents <= 0 || m.events < maxEvents {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !mixing.HasGoodVertexAndTrack(rec) {
			continue
		}
		if err := m.mixEvent(ctx, rec); err != nil {
			return fmt.Errorf("%s: run %d event %d: %w", path, rec.Run, rec.Event, err)
		}
	}
	return nil
}

// mixEvent overlays a fresh mixture on rec and appends one record per
// pulse. The response of a pulse is its charge before mixing summed over
// the response window; appended extra channels have zero response.
func (m *mixer) mixEvent(ctx context.Context, rec *pulse.EventRecord) error {
	m.truth = m.truth[:0]
	for i := range rec.Pulses {
		m.truth = append(m.truth, rec.Pulses[i].Charge)
	}

	if err := m.mgr.PrepareMix(m.rng, m.acc); err != nil {
		return err
	}
	if _, err := m.acc.MixWithData(m.cm, rec); err != nil {
		return err
	}

	for i := range rec.Pulses {
		p := &rec.Pulses[i]
		ch, err := m.cm.LinearIndex(p.Descriptor)
		if err != nil {
			return err
		}

		out := archive.ChannelChargeMix{
			Energy:       p.Energy,
			RecHitTime:   p.RecHitTime,
			FlagWord:     p.FlagWord,
			AuxWord:      p.AuxWord,
			Run:          rec.Run,
			Event:        rec.Event,
			GoodVertices: int32(rec.GoodVertices),
			Channel:      uint32(ch),
		}
		added := m.acc.Charge(ch)
		for t := range out.Charge {
			out.Charge[t] = float32(p.Charge[t])
			out.AddedCharge[t] = float32(added[t])
		}
		if i < len(m.truth) {
			var q float64
			for t := m.respLo; t < m.respHi; t++ {
				q += m.truth[i][t]
			}
			out.ChargeResponse = float32(q)
		}

		if err := m.out.Append(ctx, &out); err != nil {
			return err
		}
		m.records++
	}

	m.events++
	m.metrics.EventMixed()
	m.metrics.RecordsWritten(len(rec.Pulses))
	return nil
}
