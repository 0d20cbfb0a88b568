package mixing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	distConfigVersion     = 1
	distConfigFileMode    = 0o644
	distConfigTempPattern = ".distributions-*.toml.tmp"
)

// Distribution kinds accepted in a distribution config file.
const (
	KindPoisson   = "poisson"
	KindTabulated = "tabulated"
	KindConstant  = "constant"
)

// ErrUnsupportedConfigVersion is returned for distribution files of an unknown version.
var ErrUnsupportedConfigVersion = errors.New("mixing: unsupported distribution config version")

// DistributionSpec is the file form of one distribution.
type DistributionSpec struct {
	Kind          string    `toml:"kind"`
	Mean          float64   `toml:"mean,omitempty"`
	First         int       `toml:"first,omitempty"`
	Probabilities []float64 `toml:"probabilities,omitempty"`
	Value         int       `toml:"value,omitempty"`
}

// Build constructs the distribution described by s.
func (s DistributionSpec) Build() (Distribution, error) {
	switch s.Kind {
	case KindPoisson:
		return NewPoisson(s.Mean)
	case KindTabulated:
		return NewTabulated(s.First, s.Probabilities)
	case KindConstant:
		return Constant{Value: s.Value}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDistribution, s.Kind)
	}
}

// DistributionConfig is the content of a distribution config file.
type DistributionConfig struct {
	Version int              `toml:"version"`
	Events  DistributionSpec `toml:"events"`
	Shifts  DistributionSpec `toml:"shifts"`
}

// DefaultDistributionConfig returns Poisson event counts with the given mean
// and shifts of -1 or +1 slice with equal probability.
func DefaultDistributionConfig(meanEvents float64) DistributionConfig {
	return DistributionConfig{
		Version: distConfigVersion,
		Events:  DistributionSpec{Kind: KindPoisson, Mean: meanEvents},
		Shifts: DistributionSpec{
			Kind:          KindTabulated,
			First:         -1,
			Probabilities: []float64{0.5, 0, 0.5},
		},
	}
}

// Build constructs both distributions and validates the shift range
// against centralTS.
func (c DistributionConfig) Build(centralTS int) (Distributions, error) {
	if c.Version != distConfigVersion {
		return Distributions{}, fmt.Errorf("%w: %d", ErrUnsupportedConfigVersion, c.Version)
	}

	events, err := c.Events.Build()
	if err != nil {
		return Distributions{}, fmt.Errorf("mixing: events distribution: %w", err)
	}
	shifts, err := c.Shifts.Build()
	if err != nil {
		return Distributions{}, fmt.Errorf("mixing: shifts distribution: %w", err)
	}

	d := Distributions{Events: events, Shifts: shifts}
	if err := d.Validate(centralTS); err != nil {
		return Distributions{}, err
	}

	return d, nil
}

// ParseDistributionConfig decodes a distribution config.
func ParseDistributionConfig(data []byte) (DistributionConfig, error) {
	var cfg DistributionConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return DistributionConfig{}, fmt.Errorf("mixing: decode distribution config: %w", err)
	}
	if cfg.Version != distConfigVersion {
		return DistributionConfig{}, fmt.Errorf("%w: %d", ErrUnsupportedConfigVersion, cfg.Version)
	}
	return cfg, nil
}

// LoadDistributions reads the config file at path and builds both
// distributions for an accumulator with the given central time slice.
func LoadDistributions(path string, centralTS int) (Distributions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Distributions{}, fmt.Errorf("mixing: read distribution config: %w", err)
	}

	cfg, err := ParseDistributionConfig(data)
	if err != nil {
		return Distributions{}, err
	}

	return cfg.Build(centralTS)
}

// WriteDistributions writes cfg to path, replacing any existing file.
// The specs are checked by building them before anything is written.
func WriteDistributions(path string, cfg DistributionConfig) error {
	if cfg.Version == 0 {
		cfg.Version = distConfigVersion
	}
	if _, err := cfg.Events.Build(); err != nil {
		return fmt.Errorf("mixing: events distribution: %w", err)
	}
	if _, err := cfg.Shifts.Build(); err != nil {
		return fmt.Errorf("mixing: shifts distribution: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("mixing: encode distribution config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), distConfigTempPattern)
	if err != nil {
		return fmt.Errorf("mixing: create temp distribution config: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("mixing: write distribution config: %w", err)
	}
	if err := tmp.Chmod(distConfigFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("mixing: chmod distribution config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mixing: close distribution config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("mixing: replace distribution config: %w", err)
	}
	cleanup = false

	return nil
}
