// Package config loads the job configuration shared by the commands.
//
// Values come, in increasing precedence, from struct defaults, an optional
// YAML or TOML file, CHARGEMIX_* environment variables (nested keys joined
// with underscores), and command line flags bound to the viper instance.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHARGEMIX"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Log configures internal/logging.
type Log struct {
	Level  string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" default:"console" validate:"oneof=console json"`
	Output string `mapstructure:"output" default:"stderr"`
}

// Geometry describes the regular channel grid.
type Geometry struct {
	Depths int `mapstructure:"depths" default:"4" validate:"min=1"`
	Etas   int `mapstructure:"etas" default:"29" validate:"min=1"`
	Phis   int `mapstructure:"phis" default:"72" validate:"min=1"`
}

// ChannelCount returns the number of channels of the grid.
func (g Geometry) ChannelCount() int { return g.Depths * 2 * g.Etas * g.Phis }

// Archive selects the ChannelChargeMix storage backend.
type Archive struct {
	Backend   string `mapstructure:"backend" default:"file" validate:"oneof=file clickhouse"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table" default:"charge_mix"`
	BatchSize int    `mapstructure:"batch_size" default:"2000" validate:"min=1"`
}

// Mix configures the mix command.
type Mix struct {
	PoolSources   []string `mapstructure:"pool_sources"`
	Targets       []string `mapstructure:"targets"`
	Distributions string   `mapstructure:"distributions"`
	// MeanEvents is used when Distributions is empty: Poisson distributed
	// event counts with the default shift table.
	MeanEvents       float64 `mapstructure:"mean_events" default:"1" validate:"gte=0"`
	CentralTS        int     `mapstructure:"central_ts" default:"4" validate:"min=0,max=9"`
	ScaleFactor      float64 `mapstructure:"scale_factor" default:"1" validate:"gt=0"`
	MixExtraChannels bool    `mapstructure:"mix_extra_channels"`
	Seed             uint64  `mapstructure:"seed"`
	// ResponseMinTS and ResponseMaxTS bound the slices summed into the
	// response charge. Both zero selects [CentralTS, CentralTS+2).
	ResponseMinTS int `mapstructure:"response_min_ts"`
	ResponseMaxTS int `mapstructure:"response_max_ts"`
	MaxEvents     int `mapstructure:"max_events" validate:"gte=0"`
}

// ResponseWindow returns the effective response slice range.
func (m Mix) ResponseWindow() (lo, hi int) {
	if m.ResponseMinTS == 0 && m.ResponseMaxTS == 0 {
		return m.CentralTS, min(m.CentralTS+2, 10)
	}
	return m.ResponseMinTS, m.ResponseMaxTS
}

// Uncertainty holds the coefficients of σ(Q) = a·Q + b·sqrt(Q) + c.
type Uncertainty struct {
	A float64 `mapstructure:"a" validate:"gte=0"`
	B float64 `mapstructure:"b" validate:"gte=0"`
	C float64 `mapstructure:"c" default:"1" validate:"gt=0"`
}

// Build configures the build-filters command.
type Build struct {
	Order       string      `mapstructure:"order" default:"linear" validate:"oneof=linear quadratic"`
	MinTS       int         `mapstructure:"min_ts" default:"4" validate:"min=0,max=9"`
	MaxTS       int         `mapstructure:"max_ts" default:"6" validate:"min=1,max=10"`
	BatchSize   int         `mapstructure:"batch_size" default:"10" validate:"min=1"`
	MinSamples  int         `mapstructure:"min_samples" validate:"gte=0"`
	MaxSamples  int         `mapstructure:"max_samples" default:"1000000" validate:"min=1"`
	Output      string      `mapstructure:"output"`
	Aux         string      `mapstructure:"aux"`
	Residuals   bool        `mapstructure:"residuals" default:"true"`
	Uncertainty Uncertainty `mapstructure:"uncertainty"`
}

// Job is the complete configuration of a run.
type Job struct {
	Log         Log      `mapstructure:"log"`
	Geometry    Geometry `mapstructure:"geometry"`
	Archive     Archive  `mapstructure:"archive"`
	Mix         Mix      `mapstructure:"mix"`
	Build       Build    `mapstructure:"build"`
	MetricsFile string   `mapstructure:"metrics_file"`
}

// Default returns a Job holding only default values.
func Default() (*Job, error) {
	var j Job
	if err := defaults.Set(&j); err != nil {
		return nil, fmt.Errorf("config: set defaults: %w", err)
	}
	return &j, nil
}

// Load reads the configuration from v, the file at path when path is not
// empty, and the environment, then validates it.
func Load(v *viper.Viper, path string) (*Job, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindEnv(v, "", reflect.TypeOf(Job{})); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	j, err := Default()
	if err != nil {
		return nil, err
	}
	if err := v.Unmarshal(j); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// bindEnv registers an environment binding for every leaf key of t so that
// variables override values even when the key is absent from the file.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnv(v, key, f.Type); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and the rules spanning several fields.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (%s)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if j.Build.MinTS >= j.Build.MaxTS {
		return fmt.Errorf("%w: build.min_ts %d must be below build.max_ts %d", ErrInvalid, j.Build.MinTS, j.Build.MaxTS)
	}
	if j.Build.MinSamples > j.Build.MaxSamples {
		return fmt.Errorf("%w: build.min_samples %d exceeds build.max_samples %d", ErrInvalid, j.Build.MinSamples, j.Build.MaxSamples)
	}
	lo, hi := j.Mix.ResponseWindow()
	if lo < 0 || lo >= hi || hi > 10 {
		return fmt.Errorf("%w: response window [%d, %d)", ErrInvalid, lo, hi)
	}
	if j.Archive.Backend == "clickhouse" && j.Archive.DSN == "" {
		return fmt.Errorf("%w: archive.dsn is required for the clickhouse backend", ErrInvalid)
	}
	return nil
}

// RequireMix checks the fields the mix command needs.
func (j *Job) RequireMix() error {
	if len(j.Mix.PoolSources) == 0 {
		return fmt.Errorf("%w: mix.pool_sources is empty", ErrInvalid)
	}
	if len(j.Mix.Targets) == 0 {
		return fmt.Errorf("%w: mix.targets is empty", ErrInvalid)
	}
	return j.requireArchive()
}

// RequireBuild checks the fields the build-filters command needs.
func (j *Job) RequireBuild() error {
	if j.Build.Output == "" {
		return fmt.Errorf("%w: build.output is required", ErrInvalid)
	}
	return j.requireArchive()
}

func (j *Job) requireArchive() error {
	if j.Archive.Backend == "file" && j.Archive.Path == "" {
		return fmt.Errorf("%w: archive.path is required for the file backend", ErrInvalid)
	}
	return nil
}
