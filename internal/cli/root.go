// Package cli implements the chargemix command tree.
package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cwbudde/hcal-chargemix/internal/config"
	"github.com/cwbudde/hcal-chargemix/internal/logging"
	"github.com/cwbudde/hcal-chargemix/internal/metrics"
)

// Execute runs the command tree with os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

// app is the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	def     *config.Job

	job     *config.Job
	runID   string
	log     zerolog.Logger
	logFile *logging.Logger
	metrics *metrics.Recorder
}

func newRootCmd() *cobra.Command {
	def, err := config.Default()
	if err != nil {
		return &cobra.Command{
			Use: "chargemix",
			RunE: func(*cobra.Command, []string) error {
				return err
			},
		}
	}
	a := &app{v: viper.New(), def: def, log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "chargemix",
		Short: "Pileup charge mixing and optimal filter construction",
		Long: "chargemix admixes charge from a pool of recorded events into target events " +
			"and fits per-channel filters that recover the charge before mixing.",
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "job configuration file (YAML or TOML)")
	pf.String("log-level", def.Log.Level, "log level: debug, info, warn, error")
	pf.String("log-format", def.Log.Format, "log format: console or json")
	pf.String("metrics-file", def.MetricsFile, "write Prometheus metrics in textfile format to this path")
	pf.String("archive", def.Archive.Path, "charge mix archive file")
	pf.String("archive-backend", def.Archive.Backend, "archive backend: file or clickhouse")
	pf.String("dsn", def.Archive.DSN, "ClickHouse DSN for the clickhouse backend")
	a.bind(pf, map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"metrics_file":    "metrics-file",
		"archive.path":    "archive",
		"archive.backend": "archive-backend",
		"archive.dsn":     "dsn",
	})

	rootCmd.AddCommand(
		newVersionCmd(),
		newMixCmd(a),
		newBuildCmd(a),
		newMkconfigCmd(a),
		newFiltersCmd(),
	)

	return rootCmd
}

// bind binds viper keys to flags of fs.
func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		// Lookup never fails for flags defined right before.
		_ = a.v.BindPFlag(key, fs.Lookup(name))
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	job, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.job = job
	a.runID = uuid.NewString()

	var log zerolog.Logger
	if job.Log.Output == "stderr" {
		log, err = logging.NewWriter(cmd.ErrOrStderr(), job.Log.Format, job.Log.Level)
	} else {
		a.logFile, err = logging.New(logging.Config{Level: job.Log.Level, Format: job.Log.Format, Output: job.Log.Output})
		if err == nil {
			log = a.logFile.Logger
		}
	}
	if err != nil {
		return err
	}
	a.log = logging.WithRunID(log, a.runID).With().Str("command", cmd.Name()).Logger()

	if job.MetricsFile != "" {
		a.metrics = metrics.New()
	}

	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	defer a.logFile.Close()

	if a.job != nil && a.job.MetricsFile != "" {
		if err := a.metrics.WriteTextfile(a.job.MetricsFile); err != nil {
			return err
		}
		a.log.Debug().Str("path", a.job.MetricsFile).Msg("metrics written")
	}
	return nil
}

func printf(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
