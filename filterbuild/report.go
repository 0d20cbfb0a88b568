package filterbuild

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

var reportHeader = []string{
	"channel", "samples", "rms",
	"pull_count", "pull_mean", "pull_rms", "pull_outliers",
}

// EncodeReport writes one CSV row per channel of res. Pull columns are
// empty when res has no residual statistics.
func EncodeReport(w io.Writer, res *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}

	row := make([]string, len(reportHeader))
	for _, c := range res.Channels {
		row[0] = strconv.Itoa(c.Channel)
		row[1] = strconv.Itoa(c.Samples)
		row[2] = formatFloat(c.RMS)
		row[3], row[4], row[5], row[6] = "", "", "", ""
		if res.Residuals != nil {
			s := res.Residuals.Channel(c.Channel)
			row[3] = strconv.Itoa(s.Count)
			row[4] = formatFloat(s.Mean)
			row[5] = formatFloat(s.RMS)
			row[6] = strconv.Itoa(s.Outliers)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteReport writes the CSV report of res to path.
func WriteReport(path string, res *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("filterbuild: create report: %w", err)
	}
	if err := EncodeReport(f, res); err != nil {
		_ = f.Close()
		return fmt.Errorf("filterbuild: write report %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filterbuild: close report: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}
