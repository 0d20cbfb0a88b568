package cli

import (
	"github.com/spf13/cobra"

	"github.com/cwbudde/hcal-chargemix/mixing"
)

func newMkconfigCmd(a *app) *cobra.Command {
	var (
		mean   float64
		first  int
		probs  []float64
		events int
	)

	cmd := &cobra.Command{
		Use:   "mkconfig PATH",
		Short: "Write a distribution config for the mix command",
		Long: "mkconfig writes the distributions of the number of admixed events and of their " +
			"time slice shifts. The event count is Poisson distributed with the given mean, " +
			"or fixed when --events is set; the shift table starts at --shift-first.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mixing.DefaultDistributionConfig(mean)
			if cmd.Flags().Changed("events") {
				cfg.Events = mixing.DistributionSpec{Kind: mixing.KindConstant, Value: events}
			}
			cfg.Shifts.First = first
			cfg.Shifts.Probabilities = probs

			if _, err := cfg.Build(a.job.Mix.CentralTS); err != nil {
				return err
			}
			if err := mixing.WriteDistributions(args[0], cfg); err != nil {
				return err
			}
			return printf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		},
	}

	def := mixing.DefaultDistributionConfig(a.def.Mix.MeanEvents)
	fs := cmd.Flags()
	fs.Float64Var(&mean, "mean", def.Events.Mean, "mean number of admixed events")
	fs.IntVar(&events, "events", 0, "fixed number of admixed events")
	fs.IntVar(&first, "shift-first", def.Shifts.First, "shift of the first probability")
	fs.Float64SliceVar(&probs, "shift-probs", def.Shifts.Probabilities, "shift probabilities")

	return cmd
}
