package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/hcal-chargemix/filter"
)

func newFiltersCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "filters PATH [channel ...]",
		Short: "Print the filters of a filter store",
		Long: "filters prints the intercept and linear coefficients of stored filters. " +
			"Without channel arguments it prints every valid filter; --all includes channels " +
			"without a filter.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := filter.ReadStore(args[0])
			if err != nil {
				return err
			}

			channels, err := selectChannels(args[1:], len(filters), func(ch int) bool {
				return all || filters[ch].IsValid()
			})
			if err != nil {
				return err
			}
			return printFilters(cmd.OutOrStdout(), filters, channels)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include channels without a filter")

	return cmd
}

func selectChannels(args []string, n int, keep func(int) bool) ([]int, error) {
	if len(args) == 0 {
		var out []int
		for ch := range n {
			if keep(ch) {
				out = append(out, ch)
			}
		}
		return out, nil
	}

	out := make([]int, 0, len(args))
	for _, a := range args {
		var ch int
		if _, err := fmt.Sscan(a, &ch); err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", a, err)
		}
		if ch < 0 || ch >= n {
			return nil, fmt.Errorf("channel %d not in [0, %d)", ch, n)
		}
		out = append(out, ch)
	}
	return out, nil
}

func printFilters(w io.Writer, filters []filter.Filter, channels []int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "Channel\tOrder\tRange\tIntercept\tCoefficients\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tw, "-------\t-----\t-----\t---------\t------------\n"); err != nil {
		return err
	}

	valid := 0
	for _, ch := range channels {
		f := filters[ch]
		if !f.IsValid() {
			if _, err := fmt.Fprintf(tw, "%d\t-\t-\t-\t-\n", ch); err != nil {
				return err
			}
			continue
		}
		valid++

		lo, hi := f.Range()
		b := f.Linear()
		coeffs := make([]string, 0, hi-lo)
		for t := lo; t < hi; t++ {
			coeffs = append(coeffs, fmt.Sprintf("%.6g", b[t]))
		}
		order := "linear"
		if f.IsQuadratic() {
			order = "quadratic"
		}

		if _, err := fmt.Fprintf(tw, "%d\t%s\t[%d,%d)\t%.6g\t%s\n",
			ch, order, lo, hi, f.Intercept(), strings.Join(coeffs, " "),
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%d filters, %d shown, %d valid\n", len(filters), len(channels), valid)
	return err
}
