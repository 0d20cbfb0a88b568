package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cwbudde/hcal-chargemix/archive"
	"github.com/cwbudde/hcal-chargemix/filter"
	"github.com/cwbudde/hcal-chargemix/filterbuild"
	"github.com/cwbudde/hcal-chargemix/internal/config"
	"github.com/cwbudde/hcal-chargemix/regression"
)

func newBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-filters",
		Short: "Fit one charge filter per channel from a charge mix archive",
		Long: "build-filters fits, for every channel, a linear or quadratic filter predicting the " +
			"charge before mixing from the mixed time slices [min-ts, max-ts). The uncertainty of " +
			"an example is a*Q + b*sqrt(Q) + c with Q the charge before mixing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runBuild(cmd.Context(), a)
			if err != nil {
				return err
			}
			return printf(cmd.OutOrStdout(), "fitted %d of %d channels, filters written to %s\n",
				res.Fitted(), len(res.Filters), a.job.Build.Output)
		},
	}

	def := a.def.Build
	fs := cmd.Flags()
	fs.String("output", def.Output, "filter store to write")
	fs.String("aux", def.Aux, "per-channel CSV report to write")
	fs.String("order", def.Order, "filter order: linear or quadratic")
	fs.Int("min-ts", def.MinTS, "first time slice used by the filters")
	fs.Int("max-ts", def.MaxTS, "time slice after the last one used by the filters")
	fs.Int("batch-size", def.BatchSize, "channels fitted per archive pass")
	fs.Int("min-samples", def.MinSamples, "examples a channel must exceed to be fitted (0 for the fit minimum)")
	fs.Int("max-samples", def.MaxSamples, "examples kept per channel")
	fs.Bool("residuals", def.Residuals, "run the residual pass")
	fs.Float64P("uncert-a", "a", def.Uncertainty.A, "uncertainty coefficient of Q")
	fs.Float64P("uncert-b", "b", def.Uncertainty.B, "uncertainty coefficient of sqrt(Q)")
	fs.Float64P("uncert-c", "c", def.Uncertainty.C, "constant uncertainty term")
	a.bind(fs, map[string]string{
		"build.output":        "output",
		"build.aux":           "aux",
		"build.order":         "order",
		"build.min_ts":        "min-ts",
		"build.max_ts":        "max-ts",
		"build.batch_size":    "batch-size",
		"build.min_samples":   "min-samples",
		"build.max_samples":   "max-samples",
		"build.residuals":     "residuals",
		"build.uncertainty.a": "uncert-a",
		"build.uncertainty.b": "uncert-b",
		"build.uncertainty.c": "uncert-c",
	})

	return cmd
}

func openScanner(ctx context.Context, job *config.Job) (archive.Scanner, func() error, error) {
	if job.Archive.Backend == "clickhouse" {
		ch, err := archive.OpenClickHouse(ctx, job.Archive.DSN, job.Archive.Table)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	}
	f, err := archive.OpenFile(job.Archive.Path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() error { return nil }, nil
}

func runBuild(ctx context.Context, a *app) (*filterbuild.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job := a.job
	if err := job.RequireBuild(); err != nil {
		return nil, err
	}

	model, err := filter.NewDefaultUncertainty(job.Build.Uncertainty.A, job.Build.Uncertainty.B, job.Build.Uncertainty.C)
	if err != nil {
		return nil, err
	}

	order := regression.Linear
	if job.Build.Order == "quadratic" {
		order = regression.Quadratic
	}

	src, closeSrc, err := openScanner(ctx, job)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	return filterbuild.Run(ctx, filterbuild.Config{
		ChannelCount:  job.Geometry.ChannelCount(),
		MinTS:         job.Build.MinTS,
		MaxTS:         job.Build.MaxTS,
		Order:         order,
		BatchSize:     job.Build.BatchSize,
		MaxSamples:    job.Build.MaxSamples,
		MinSamples:    job.Build.MinSamples,
		OutputPath:    job.Build.Output,
		AuxPath:       job.Build.Aux,
		SkipResiduals: !job.Build.Residuals,
		Logger:        a.log,
		Metrics:       a.metrics,
	}, src, model)
}
