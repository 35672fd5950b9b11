package camera

import (
	"fmt"
	"math"
)

// Temperature limits for the cooler target.
const (
	MinTargetTemperature = -30.0
	MaxTargetTemperature = 50.0
)

// Config describes the simulated sensor and loop timing.
// Durations are in simulation time units.
type Config struct {
	Width              int     `yaml:"width"`
	Height             int     `yaml:"height"`
	PixelSize          float64 `yaml:"pixel_size"`
	BitDepth           int     `yaml:"bit_depth"`
	Gain               int     `yaml:"gain"`
	Offset             int     `yaml:"offset"`
	Binning            int     `yaml:"binning"`
	MaxGain            int     `yaml:"max_gain"`
	MaxOffset          int     `yaml:"max_offset"`
	MaxBinning         int     `yaml:"max_binning"`
	MaxExposure        float64 `yaml:"max_exposure"`
	ReadoutTime        float64 `yaml:"readout_time"`
	TickInterval       float64 `yaml:"tick_interval"`
	ProgressInterval   float64 `yaml:"progress_interval"`
	CoolingInterval    float64 `yaml:"cooling_interval"`
	HasCooler          bool    `yaml:"has_cooler"`
	AmbientTemperature float64 `yaml:"ambient_temperature"`
}

// DefaultConfig returns a 1936x1096 16-bit cooled sensor.
func DefaultConfig() Config {
	return Config{
		Width:              1936,
		Height:             1096,
		PixelSize:          5.86,
		BitDepth:           16,
		Gain:               0,
		Offset:             10,
		Binning:            1,
		MaxGain:            600,
		MaxOffset:          255,
		MaxBinning:         4,
		MaxExposure:        3600,
		ReadoutTime:        1.0,
		TickInterval:       0.1,
		ProgressInterval:   0.5,
		CoolingInterval:    1.0,
		HasCooler:          true,
		AmbientTemperature: 20.0,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("camera: width and height must be positive")
	case c.BitDepth != 8 && c.BitDepth != 16:
		return fmt.Errorf("camera: bit_depth must be 8 or 16, got %d", c.BitDepth)
	case c.Binning < 1 || c.MaxBinning < c.Binning:
		return fmt.Errorf("camera: binning must be between 1 and max_binning")
	case c.Gain < 0 || c.Gain > c.MaxGain:
		return fmt.Errorf("camera: gain must be between 0 and max_gain")
	case c.Offset < 0 || c.Offset > c.MaxOffset:
		return fmt.Errorf("camera: offset must be between 0 and max_offset")
	case c.MaxExposure <= 0:
		return fmt.Errorf("camera: max_exposure must be positive")
	case c.ReadoutTime < 0:
		return fmt.Errorf("camera: readout_time must not be negative")
	case c.TickInterval <= 0 || c.ProgressInterval <= 0 || c.CoolingInterval <= 0:
		return fmt.Errorf("camera: loop intervals must be positive")
	}
	return nil
}

// clamp bounds v to [lo, hi]; NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
