// Package config holds the tunables of a fit.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	K      int     `yaml:"k"`
	Alpha0 float64 `yaml:"alpha0"`

	MaxIter  int     `yaml:"max_iter"`
	Tol      float64 `yaml:"tol"`
	Restarts int     `yaml:"restarts"`
	// Init selects ALS initialisation: "power" or "random".
	Init string `yaml:"init"`

	PowerIters int  `yaml:"power_iters"`
	Oversample int  `yaml:"oversample"`
	Randomized bool `yaml:"randomized"`

	Seed    uint64 `yaml:"seed"`
	Workers int    `yaml:"workers"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Tracing struct {
		Service  string `yaml:"service"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`
}

func Default() Config {
	c := Config{
		K:          10,
		Alpha0:     1,
		MaxIter:    500,
		Tol:        1e-6,
		Restarts:   1,
		Init:       "power",
		PowerIters: 1,
		Oversample: 10,
		Randomized: true,
		Seed:       42,
	}
	c.Log.Level = "info"
	c.Log.Format = "console"
	c.Tracing.Service = "spectrallda"
	return c
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.K <= 0:
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalid, c.K)
	case !(c.Alpha0 > 0):
		return fmt.Errorf("%w: alpha0 must be positive, got %g", ErrInvalid, c.Alpha0)
	case c.MaxIter <= 0:
		return fmt.Errorf("%w: max_iter must be positive, got %d", ErrInvalid, c.MaxIter)
	case !(c.Tol > 0):
		return fmt.Errorf("%w: tol must be positive, got %g", ErrInvalid, c.Tol)
	case c.Restarts <= 0:
		return fmt.Errorf("%w: restarts must be positive, got %d", ErrInvalid, c.Restarts)
	case c.Init != "power" && c.Init != "random":
		return fmt.Errorf("%w: init must be power or random, got %q", ErrInvalid, c.Init)
	case c.PowerIters < 0:
		return fmt.Errorf("%w: power_iters must be non-negative, got %d", ErrInvalid, c.PowerIters)
	case c.Oversample < 0:
		return fmt.Errorf("%w: oversample must be non-negative, got %d", ErrInvalid, c.Oversample)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must be non-negative, got %d", ErrInvalid, c.Workers)
	}
	return nil
}
