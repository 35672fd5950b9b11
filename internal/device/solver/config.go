package solver

import (
	"errors"
)

// Config configures a solver. Times are simulation time units, field sizes
// arcminutes and pixel scales arcseconds per pixel.
type Config struct {
	SolveTime        float64 `yaml:"solve_time"`
	SuccessRate      float64 `yaml:"success_rate"`
	TickInterval     float64 `yaml:"tick_interval"`
	ProgressInterval float64 `yaml:"progress_interval"`
	FOVMin           float64 `yaml:"fov_min"`
	FOVMax           float64 `yaml:"fov_max"`
	ScaleMin         float64 `yaml:"scale_min"`
	ScaleMax         float64 `yaml:"scale_max"`
	Downsample       int     `yaml:"downsample"`
}

// DefaultConfig returns the stock solver.
func DefaultConfig() Config {
	return Config{
		SolveTime:        3.0,
		SuccessRate:      0.9,
		TickInterval:     0.1,
		ProgressInterval: 0.5,
		FOVMin:           10,
		FOVMax:           180,
		ScaleMin:         0.1,
		ScaleMax:         10,
		Downsample:       1,
	}
}

// Validate collects every configuration error.
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("solver: tick_interval must be positive"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("solver: progress_interval must be positive"))
	}
	if err := c.tunables().validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// tunables are the settings set_parameters may change.
type tunables struct {
	solveTime          float64
	successRate        float64
	fovMin, fovMax     float64
	scaleMin, scaleMax float64
	downsample         int
}

func (c Config) tunables() tunables {
	return tunables{
		solveTime:   c.SolveTime,
		successRate: c.SuccessRate,
		fovMin:      c.FOVMin,
		fovMax:      c.FOVMax,
		scaleMin:    c.ScaleMin,
		scaleMax:    c.ScaleMax,
		downsample:  c.Downsample,
	}
}

func (t tunables) validate() error {
	var errs []error
	if t.solveTime <= 0 {
		errs = append(errs, errors.New("solve_time must be positive"))
	}
	if t.successRate < 0 || t.successRate > 1 {
		errs = append(errs, errors.New("success_rate must be in [0, 1]"))
	}
	if t.fovMin <= 0 || t.fovMax <= t.fovMin {
		errs = append(errs, errors.New("fov range must satisfy 0 < fov_min < fov_max"))
	}
	if t.scaleMin <= 0 || t.scaleMax <= t.scaleMin {
		errs = append(errs, errors.New("scale range must satisfy 0 < scale_min < scale_max"))
	}
	if t.downsample < 1 || t.downsample > 16 {
		errs = append(errs, errors.New("downsample must be in [1, 16]"))
	}
	return errors.Join(errs...)
}
